package database

import (
	"path/filepath"
	"testing"

	"podsync/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), 5)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func intp(n int) *int { return &n }

func sampleTrack(path string) *models.LibraryTrack {
	return &models.LibraryTrack{
		FilePath:    path,
		FileMtime:   1724400000.25,
		Fingerprint: "fp-" + path,
		Title:       "Song",
		Artist:      "Artist",
		Album:       "Album",
		TrackNumber: intp(3),
		Year:        intp(2001),
	}
}

func TestUpsertTrackIdempotent(t *testing.T) {
	db := openTestDB(t)

	track := sampleTrack("/music/a.mp3")
	id1, err := db.UpsertTrack(track)
	if err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}

	track.Title = "Renamed"
	track.FileMtime = 1724400123.5
	id2, err := db.UpsertTrack(track)
	if err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	if id1 != id2 {
		t.Errorf("Upsert changed the row id: %d != %d", id1, id2)
	}

	count, err := db.TrackCount("")
	if err != nil {
		t.Fatalf("TrackCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row after re-upsert, got %d", count)
	}

	got, err := db.TrackByPath("/music/a.mp3")
	if err != nil {
		t.Fatalf("TrackByPath failed: %v", err)
	}
	if got == nil || got.Title != "Renamed" {
		t.Errorf("Upsert did not replace fields: %+v", got)
	}
}

func TestCachedMtime(t *testing.T) {
	db := openTestDB(t)

	if _, ok, err := db.CachedMtime("/music/missing.mp3"); err != nil || ok {
		t.Fatalf("Expected no cached mtime, got ok=%v err=%v", ok, err)
	}

	if _, err := db.UpsertTrack(sampleTrack("/music/a.mp3")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	mtime, ok, err := db.CachedMtime("/music/a.mp3")
	if err != nil || !ok {
		t.Fatalf("Expected cached mtime, got ok=%v err=%v", ok, err)
	}
	if mtime != 1724400000.25 {
		t.Errorf("Cached mtime = %f, want 1724400000.25", mtime)
	}
}

func TestQueryTracks(t *testing.T) {
	db := openTestDB(t)

	rows := []*models.LibraryTrack{
		{FilePath: "/m/a.mp3", FileMtime: 1, Fingerprint: "f1", Title: "Alpha", Artist: "Zed", Album: "One"},
		{FilePath: "/m/b.flac", FileMtime: 1, Fingerprint: "f2", Title: "Beta", Artist: "Ann", Album: "One"},
		{FilePath: "/p/c.mp3", FileMtime: 1, Fingerprint: "f3", Title: "Cast", IsPodcast: true, Series: "Show"},
		{FilePath: "/v/d.mp4", FileMtime: 1, Fingerprint: "f4", Title: "Clip", IsVideo: true},
	}
	for _, r := range rows {
		if _, err := db.UpsertTrack(r); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	t.Run("FilterByClassification", func(t *testing.T) {
		tracks, total, err := db.QueryTracks(TrackQuery{Classification: models.ClassMusic})
		if err != nil {
			t.Fatalf("QueryTracks failed: %v", err)
		}
		if total != 2 || len(tracks) != 2 {
			t.Errorf("Expected 2 music rows, got total=%d len=%d", total, len(tracks))
		}
	})

	t.Run("SortOrder", func(t *testing.T) {
		tracks, _, err := db.QueryTracks(TrackQuery{Classification: models.ClassMusic, Sort: "artist", Order: "asc"})
		if err != nil {
			t.Fatalf("QueryTracks failed: %v", err)
		}
		if tracks[0].Artist != "Ann" {
			t.Errorf("Expected Ann first, got %s", tracks[0].Artist)
		}
	})

	t.Run("Search", func(t *testing.T) {
		_, total, err := db.QueryTracks(TrackQuery{Search: "Alph"})
		if err != nil {
			t.Fatalf("QueryTracks failed: %v", err)
		}
		if total != 1 {
			t.Errorf("Expected 1 search hit, got %d", total)
		}
	})

	t.Run("FormatFilter", func(t *testing.T) {
		tracks, _, err := db.QueryTracks(TrackQuery{Format: "flac"})
		if err != nil {
			t.Fatalf("QueryTracks failed: %v", err)
		}
		if len(tracks) != 1 || tracks[0].FilePath != "/m/b.flac" {
			t.Errorf("Format filter returned %+v", tracks)
		}
	})

	t.Run("InvalidSortFallsBack", func(t *testing.T) {
		if _, _, err := db.QueryTracks(TrackQuery{Sort: "file_path; DROP TABLE library_tracks"}); err != nil {
			t.Fatalf("Unexpected error with bogus sort: %v", err)
		}
	})

	t.Run("Pagination", func(t *testing.T) {
		tracks, total, err := db.QueryTracks(TrackQuery{Page: 2, PerPage: 3})
		if err != nil {
			t.Fatalf("QueryTracks failed: %v", err)
		}
		if total != 4 || len(tracks) != 1 {
			t.Errorf("Page 2 of 4 rows with per_page=3: total=%d len=%d", total, len(tracks))
		}
	})
}

func TestAlbumsGroupByAlbumArtist(t *testing.T) {
	db := openTestDB(t)

	rows := []*models.LibraryTrack{
		{FilePath: "/m/1.mp3", FileMtime: 1, Fingerprint: "f1", Title: "A", Artist: "Guest One", AlbumArtist: "Various", Album: "Comp"},
		{FilePath: "/m/2.mp3", FileMtime: 1, Fingerprint: "f2", Title: "B", Artist: "Guest Two", AlbumArtist: "Various", Album: "Comp"},
		{FilePath: "/m/3.mp3", FileMtime: 1, Fingerprint: "f3", Title: "C", Artist: "Solo", Album: "Solo Album"},
	}
	for _, r := range rows {
		if _, err := db.UpsertTrack(r); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	albums, err := db.Albums()
	if err != nil {
		t.Fatalf("Albums failed: %v", err)
	}
	if len(albums) != 2 {
		t.Fatalf("Expected 2 album groups, got %d", len(albums))
	}
	for _, a := range albums {
		if a.Album == "Comp" {
			if a.Artist != "Various" || a.TrackCount != 2 {
				t.Errorf("Compilation grouped wrong: %+v", a)
			}
		}
	}
}

func TestPodcastSeries(t *testing.T) {
	db := openTestDB(t)

	rows := []*models.LibraryTrack{
		{FilePath: "/p/e1.mp3", FileMtime: 1, Fingerprint: "f1", Title: "Ep 1", IsPodcast: true, Series: "Show A"},
		{FilePath: "/p/e2.mp3", FileMtime: 1, Fingerprint: "f2", Title: "Ep 2", IsPodcast: true, Series: "Show A"},
		{FilePath: "/p/e3.mp3", FileMtime: 1, Fingerprint: "f3", Title: "Ep 3", IsPodcast: true, Series: "Show B"},
	}
	for _, r := range rows {
		if _, err := db.UpsertTrack(r); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	series, err := db.PodcastSeries()
	if err != nil {
		t.Fatalf("PodcastSeries failed: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("Expected 2 series, got %d", len(series))
	}
	if series[0].Series != "Show A" || series[0].EpisodeCount != 2 {
		t.Errorf("First series = %+v", series[0])
	}
}

func TestPurgeTracksWithoutMetadata(t *testing.T) {
	db := openTestDB(t)

	rows := []*models.LibraryTrack{
		{FilePath: "/m/bare.mp3", FileMtime: 1, Fingerprint: "f1", Title: "bare"},
		{FilePath: "/m/tagged.mp3", FileMtime: 1, Fingerprint: "f2", Title: "ok", Artist: "Someone"},
		{FilePath: "/p/bare.mp3", FileMtime: 1, Fingerprint: "f3", Title: "episode", IsPodcast: true},
	}
	for _, r := range rows {
		if _, err := db.UpsertTrack(r); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	purged, err := db.PurgeTracksWithoutMetadata()
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 purged row, got %d", purged)
	}

	// Podcasts are exempt from the purge.
	if got, _ := db.TrackByPath("/p/bare.mp3"); got == nil {
		t.Error("Podcast row should survive the purge")
	}
	if got, _ := db.TrackByPath("/m/bare.mp3"); got != nil {
		t.Error("Metadata-free music row should be purged")
	}
}

func TestRemoveTrackByPath(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.UpsertTrack(sampleTrack("/m/gone.mp3")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	removed, err := db.RemoveTrackByPath("/m/gone.mp3")
	if err != nil {
		t.Fatalf("RemoveTrackByPath failed: %v", err)
	}
	if !removed {
		t.Error("Expected removal of an existing row to report true")
	}

	// A path with no row is not an error, just a no-op.
	removed, err = db.RemoveTrackByPath("/m/gone.mp3")
	if err != nil {
		t.Fatalf("Repeated RemoveTrackByPath failed: %v", err)
	}
	if removed {
		t.Error("Expected removal of a missing row to report false")
	}
}

func TestDeleteTracksAndFingerprints(t *testing.T) {
	db := openTestDB(t)

	id1, _ := db.UpsertTrack(sampleTrack("/m/a.mp3"))
	id2, _ := db.UpsertTrack(sampleTrack("/m/b.mp3"))

	exists, err := db.FingerprintExists("fp-/m/a.mp3")
	if err != nil || !exists {
		t.Fatalf("FingerprintExists = %v, %v", exists, err)
	}

	deleted, err := db.DeleteTracks([]int64{id1, id2, 9999})
	if err != nil {
		t.Fatalf("DeleteTracks failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deletions, got %d", deleted)
	}

	exists, _ = db.FingerprintExists("fp-/m/a.mp3")
	if exists {
		t.Error("Fingerprint should be gone after deletion")
	}
}

func TestSettings(t *testing.T) {
	db := openTestDB(t)

	t.Run("Defaults", func(t *testing.T) {
		val, err := db.GetSetting(SettingTranscodeFormat)
		if err != nil {
			t.Fatalf("GetSetting failed: %v", err)
		}
		if val != "alac" {
			t.Errorf("Default transcode format = %q, want alac", val)
		}

		on, err := db.BoolSetting(SettingTranscodeOnAdd)
		if err != nil {
			t.Fatalf("BoolSetting failed: %v", err)
		}
		if !on {
			t.Error("Transcode on add should default to enabled")
		}
	})

	t.Run("SetAndGet", func(t *testing.T) {
		if err := db.SetSetting(SettingTranscodeOnAdd, "0"); err != nil {
			t.Fatalf("SetSetting failed: %v", err)
		}
		on, err := db.BoolSetting(SettingTranscodeOnAdd)
		if err != nil {
			t.Fatalf("BoolSetting failed: %v", err)
		}
		if on {
			t.Error("Setting '0' should read as disabled")
		}
	})

	t.Run("UnknownKeyEmpty", func(t *testing.T) {
		val, err := db.GetSetting("no_such_key")
		if err != nil {
			t.Fatalf("GetSetting failed: %v", err)
		}
		if val != "" {
			t.Errorf("Unknown key should read empty, got %q", val)
		}
	})
}
