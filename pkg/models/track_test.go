package models

import "testing"

func TestClassificationMatches(t *testing.T) {
	cases := []struct {
		class Classification
		path  string
		want  bool
	}{
		{ClassMusic, "/m/song.mp3", true},
		{ClassMusic, "/m/SONG.FLAC", true},
		{ClassMusic, "/m/clip.mp4", false},
		{ClassMusic, "/m/notes.txt", false},
		{ClassPodcast, "/p/episode.m4a", true},
		{ClassVideo, "/v/clip.mp4", true},
		{ClassVideo, "/v/song.mp3", false},
	}

	for _, tc := range cases {
		t.Run(string(tc.class)+" "+tc.path, func(t *testing.T) {
			if got := tc.class.Matches(tc.path); got != tc.want {
				t.Errorf("Matches(%s) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestHasIdentifyingMetadata(t *testing.T) {
	year := 1999
	nr := 4

	cases := []struct {
		name  string
		track LibraryTrack
		want  bool
	}{
		{"bare title only", LibraryTrack{Title: "file"}, false},
		{"artist", LibraryTrack{Title: "file", Artist: "x"}, true},
		{"album", LibraryTrack{Title: "file", Album: "x"}, true},
		{"album artist", LibraryTrack{Title: "file", AlbumArtist: "x"}, true},
		{"genre", LibraryTrack{Title: "file", Genre: "x"}, true},
		{"year", LibraryTrack{Title: "file", Year: &year}, true},
		{"track number", LibraryTrack{Title: "file", TrackNumber: &nr}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.track.HasIdentifyingMetadata(); got != tc.want {
				t.Errorf("HasIdentifyingMetadata = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTrackClassification(t *testing.T) {
	if got := (&LibraryTrack{}).Classification(); got != ClassMusic {
		t.Errorf("Default classification = %s", got)
	}
	if got := (&LibraryTrack{IsPodcast: true}).Classification(); got != ClassPodcast {
		t.Errorf("Podcast classification = %s", got)
	}
	// Video wins over podcast when both are set.
	if got := (&LibraryTrack{IsPodcast: true, IsVideo: true}).Classification(); got != ClassVideo {
		t.Errorf("Video classification = %s", got)
	}
}
