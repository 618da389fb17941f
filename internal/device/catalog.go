// Package device owns the connection to a portable player's on-device
// catalog. All reads and writes go through a single Session; the catalog
// itself is an opaque collaborator behind the Catalog interface.
package device

import "errors"

// FingerprintKey is the user-data slot under which the originating content
// fingerprint is stored on device tracks. The key matches what gtkpod-family
// tools write, so duplicate detection works against catalogs populated by
// other software.
const FingerprintKey = "sha1_hash"

// Session/catalog error taxonomy. Callers branch with errors.Is.
var (
	ErrNotConnected     = errors.New("not connected to a device")
	ErrAlreadyConnected = errors.New("already connected to a device")
	ErrNotFound         = errors.New("not found")
	ErrMasterPlaylist   = errors.New("the master playlist cannot be renamed or deleted")
	ErrVideoUnsupported = errors.New("device does not support video playback")
)

// MediaType classifies a device track.
type MediaType int

const (
	MediaAudio MediaType = iota
	MediaMovie
	MediaPodcast
)

// Track is a device-owned track. ID is assigned by the catalog. UserData is
// an opaque per-track slot; this engine stores the content fingerprint there
// under FingerprintKey.
type Track struct {
	ID          int64             `json:"id"`
	Title       string            `json:"title"`
	Artist      string            `json:"artist"`
	Album       string            `json:"album"`
	AlbumArtist string            `json:"albumArtist,omitempty"`
	Genre       string            `json:"genre,omitempty"`
	TrackNumber int               `json:"trackNumber,omitempty"`
	DiscNumber  int               `json:"discNumber,omitempty"`
	Year        int               `json:"year,omitempty"`
	DurationMS  int               `json:"durationMs,omitempty"`
	Bitrate     int               `json:"bitrate,omitempty"`
	SizeBytes   int64             `json:"sizeBytes,omitempty"`
	MediaType   MediaType         `json:"mediaType"`
	Rating      int               `json:"rating,omitempty"`
	PlayCount   int               `json:"playCount,omitempty"`
	UserData    map[string]string `json:"-"`
}

// Playlist is a device-owned playlist. Exactly one playlist per catalog has
// Master set; it cannot be renamed or deleted.
type Playlist struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Master   bool    `json:"master"`
	Smart    bool    `json:"smart"`
	Podcast  bool    `json:"podcast"`
	TrackIDs []int64 `json:"-"`
}

// Info describes the device model and its capabilities. SupportsVideo gates
// adding video tracks.
type Info struct {
	Model         string  `json:"model"`
	Generation    string  `json:"generation"`
	CapacityGB    float64 `json:"capacityGb"`
	SupportsVideo bool    `json:"supportsVideo"`
}

// FlushProgress reports pending-copy progress during Flush.
type FlushProgress func(copied, total int, current string)

// Catalog is the opaque on-device database. Implementations own the wire
// format; the Session owns serialization, so a Catalog may assume
// single-threaded access.
type Catalog interface {
	Info() Info
	Tracks() ([]Track, error)
	Playlists() ([]Playlist, error)

	// AddTrack registers a new track from a local source file. Tag
	// extraction for the device-side record happens here. The file copy may
	// be delayed until Flush.
	AddTrack(sourcePath string, mediaType MediaType, userData map[string]string) (*Track, error)
	// SetArtwork attaches cover art from an image file to a track.
	SetArtwork(trackID int64, artworkPath string) error
	RemoveTrack(trackID int64) error
	// TrackFilePath resolves a track's on-device file path.
	TrackFilePath(trackID int64) (string, error)

	CreatePlaylist(name string) (*Playlist, error)
	RenamePlaylist(id int64, name string) error
	DeletePlaylist(id int64) error
	AddToPlaylist(playlistID, trackID int64) error

	// Flush materializes pending file copies and persists the catalog.
	Flush(progress FlushProgress) error
	Close() error
}

// Opener produces a Catalog for a mountpoint. It fails when the path is not
// a valid device catalog.
type Opener func(mountpoint string) (Catalog, error)
