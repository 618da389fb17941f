package models

import (
	"path/filepath"
	"strings"
)

// Classification groups library files by how they are scanned and synced.
type Classification string

const (
	ClassMusic   Classification = "music"
	ClassPodcast Classification = "podcast"
	ClassVideo   Classification = "video"
)

// Extensions returns the lowercase file extensions scanned for this
// classification.
func (c Classification) Extensions() []string {
	switch c {
	case ClassVideo:
		return []string{".mp4", ".m4v", ".mov"}
	default:
		return []string{".mp3", ".m4a", ".aac", ".flac", ".wav"}
	}
}

// Matches reports whether the file path carries one of the classification's
// extensions.
func (c Classification) Matches(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range c.Extensions() {
		if ext == e {
			return true
		}
	}
	return false
}

// LibraryTrack is one row of the local library cache. FilePath is the entity
// key; ID is a surrogate assigned by the store at first insert. Optional
// numeric fields are nil when the source file carried no usable value.
type LibraryTrack struct {
	ID          int64   `json:"id"`
	FilePath    string  `json:"filePath"`
	FileMtime   float64 `json:"fileMtime"` // unix seconds, fractional
	Fingerprint string  `json:"fingerprint"`

	Title       string `json:"title"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	AlbumArtist string `json:"albumArtist,omitempty"`
	Genre       string `json:"genre,omitempty"`
	TrackNumber *int   `json:"trackNumber,omitempty"`
	DiscNumber  *int   `json:"discNumber,omitempty"`
	Year        *int   `json:"year,omitempty"`
	DurationMS  *int   `json:"durationMs,omitempty"`
	Bitrate     *int   `json:"bitrate,omitempty"` // kbps

	HasArtwork  bool   `json:"hasArtwork"`
	ArtworkHash string `json:"artworkHash,omitempty"`

	IsPodcast bool   `json:"isPodcast"`
	IsVideo   bool   `json:"isVideo"`
	Series    string `json:"series,omitempty"` // podcast grouping key, derived at scan time
}

// HasIdentifyingMetadata reports whether the track carries anything beyond a
// filename-derived title. Tracks without identifying metadata are only cached
// when the allow_no_metadata setting permits it.
func (t *LibraryTrack) HasIdentifyingMetadata() bool {
	return t.Artist != "" || t.Album != "" || t.AlbumArtist != "" ||
		t.Genre != "" || t.Year != nil || t.TrackNumber != nil
}

// Classification derives the track's classification from its flags.
func (t *LibraryTrack) Classification() Classification {
	switch {
	case t.IsVideo:
		return ClassVideo
	case t.IsPodcast:
		return ClassPodcast
	default:
		return ClassMusic
	}
}

// AlbumGroup is one entry of the grouped album listing. The group key is
// album plus COALESCE(album_artist, artist).
type AlbumGroup struct {
	Album       string `json:"album"`
	Artist      string `json:"artist"`
	ArtworkHash string `json:"artworkHash,omitempty"`
	TrackCount  int    `json:"trackCount"`
	Year        *int   `json:"year,omitempty"`
}

// SeriesGroup is one entry of the grouped podcast-series listing.
type SeriesGroup struct {
	Series       string `json:"series"`
	EpisodeCount int    `json:"episodeCount"`
	ArtworkHash  string `json:"artworkHash,omitempty"`
}
