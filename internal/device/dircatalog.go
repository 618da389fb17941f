package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

const (
	controlDirName = "Control"
	mediaDirName   = "Media"
	artworkDirName = "Artwork"
	indexFileName  = "catalog.json"
	infoFileName   = "device_info.json"
	masterName     = "Library"
)

// dirTrack is a Track plus the bookkeeping the directory catalog needs to
// place its file.
type dirTrack struct {
	Track
	UserData map[string]string `json:"userData,omitempty"`
	FileName string            `json:"fileName"`
	Artwork  string            `json:"artwork,omitempty"`
}

type dirPlaylist struct {
	Playlist
	TrackIDs []int64 `json:"trackIds"`
}

type dirIndex struct {
	NextTrackID    int64         `json:"nextTrackId"`
	NextPlaylistID int64         `json:"nextPlaylistId"`
	Tracks         []dirTrack    `json:"tracks"`
	Playlists      []dirPlaylist `json:"playlists"`
}

// pendingCopy is a file copy deferred until Flush.
type pendingCopy struct {
	source  string
	trackID int64
}

// DirCatalog stores the catalog as a JSON index under Control/ with media
// files under Media/. File copies and deletions are deferred until Flush,
// mirroring players whose database and payload are committed together.
type DirCatalog struct {
	root    string
	info    Info
	index   dirIndex
	pending []pendingCopy
	removed []string
	closed  bool
}

// OpenDirCatalog opens (or initializes) a directory catalog at mountpoint.
// A fresh catalog gets a master playlist. Satisfies Opener.
func OpenDirCatalog(mountpoint string) (Catalog, error) {
	st, err := os.Stat(mountpoint)
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("not a device mountpoint: %s", mountpoint)
	}

	for _, dir := range []string{controlDirName, mediaDirName, artworkDirName} {
		if err := os.MkdirAll(filepath.Join(mountpoint, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	c := &DirCatalog{root: mountpoint}
	c.info = c.loadInfo()

	indexPath := c.indexPath()
	data, err := os.ReadFile(indexPath)
	switch {
	case os.IsNotExist(err):
		c.index = dirIndex{NextTrackID: 1, NextPlaylistID: 2}
		c.index.Playlists = append(c.index.Playlists, dirPlaylist{
			Playlist: Playlist{ID: 1, Name: masterName, Master: true},
		})
		if err := c.writeIndex(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read catalog index: %w", err)
	default:
		if err := json.Unmarshal(data, &c.index); err != nil {
			return nil, fmt.Errorf("corrupt catalog index at %s: %w", indexPath, err)
		}
	}

	return c, nil
}

func (c *DirCatalog) indexPath() string {
	return filepath.Join(c.root, controlDirName, indexFileName)
}

// loadInfo reads device facts from Control/device_info.json, with defaults
// for a catalog that has none.
func (c *DirCatalog) loadInfo() Info {
	info := Info{Model: "Directory Player", Generation: "1", CapacityGB: 0, SupportsVideo: false}
	data, err := os.ReadFile(filepath.Join(c.root, controlDirName, infoFileName))
	if err != nil {
		return info
	}
	// Partial files override only the fields they set.
	json.Unmarshal(data, &info)
	return info
}

func (c *DirCatalog) Info() Info { return c.info }

func (c *DirCatalog) Tracks() ([]Track, error) {
	out := make([]Track, 0, len(c.index.Tracks))
	for _, t := range c.index.Tracks {
		track := t.Track
		track.UserData = t.UserData
		out = append(out, track)
	}
	return out, nil
}

func (c *DirCatalog) Playlists() ([]Playlist, error) {
	out := make([]Playlist, 0, len(c.index.Playlists))
	for _, p := range c.index.Playlists {
		pl := p.Playlist
		pl.TrackIDs = append([]int64(nil), p.TrackIDs...)
		out = append(out, pl)
	}
	return out, nil
}

// AddTrack reads tags from the source file, assigns an id and a media file
// name, and queues the copy for Flush.
func (c *DirCatalog) AddTrack(sourcePath string, mediaType MediaType, userData map[string]string) (*Track, error) {
	st, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("source file unreadable: %w", err)
	}

	track := Track{
		ID:        c.index.NextTrackID,
		Title:     strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath)),
		MediaType: mediaType,
		SizeBytes: st.Size(),
	}
	c.index.NextTrackID++

	if f, err := os.Open(sourcePath); err == nil {
		if m, err := tag.ReadFrom(f); err == nil {
			if t := m.Title(); t != "" {
				track.Title = t
			}
			track.Artist = m.Artist()
			track.Album = m.Album()
			track.AlbumArtist = m.AlbumArtist()
			track.Genre = m.Genre()
			track.Year = m.Year()
			track.TrackNumber, _ = m.Track()
			track.DiscNumber, _ = m.Disc()
		}
		f.Close()
	}

	fileName := uuid.New().String() + filepath.Ext(sourcePath)
	c.index.Tracks = append(c.index.Tracks, dirTrack{
		Track:    track,
		UserData: userData,
		FileName: fileName,
	})
	c.pending = append(c.pending, pendingCopy{source: sourcePath, trackID: track.ID})

	// Every track belongs to the master playlist.
	for i := range c.index.Playlists {
		if c.index.Playlists[i].Master {
			c.index.Playlists[i].TrackIDs = append(c.index.Playlists[i].TrackIDs, track.ID)
		}
	}

	copied := track
	copied.UserData = userData
	return &copied, nil
}

func (c *DirCatalog) SetArtwork(trackID int64, artworkPath string) error {
	t := c.findTrack(trackID)
	if t == nil {
		return fmt.Errorf("track %d: %w", trackID, ErrNotFound)
	}

	data, err := os.ReadFile(artworkPath)
	if err != nil {
		return fmt.Errorf("artwork unreadable: %w", err)
	}
	name := fmt.Sprintf("%d%s", trackID, filepath.Ext(artworkPath))
	dest := filepath.Join(c.root, artworkDirName, name)
	if err := atomic.WriteFile(dest, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write artwork: %w", err)
	}
	t.Artwork = name
	return nil
}

func (c *DirCatalog) RemoveTrack(trackID int64) error {
	idx := -1
	for i := range c.index.Tracks {
		if c.index.Tracks[i].ID == trackID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("track %d: %w", trackID, ErrNotFound)
	}

	t := c.index.Tracks[idx]
	c.index.Tracks = append(c.index.Tracks[:idx], c.index.Tracks[idx+1:]...)

	// Drop a still-pending copy; its payload was never written. A copied
	// payload is queued for deletion at Flush, after the index commit.
	wasPending := false
	for i := range c.pending {
		if c.pending[i].trackID == trackID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			wasPending = true
			break
		}
	}
	if !wasPending {
		c.removed = append(c.removed, filepath.Join(c.root, mediaDirName, t.FileName))
	}
	if t.Artwork != "" {
		c.removed = append(c.removed, filepath.Join(c.root, artworkDirName, t.Artwork))
	}
	for i := range c.index.Playlists {
		ids := c.index.Playlists[i].TrackIDs[:0]
		for _, id := range c.index.Playlists[i].TrackIDs {
			if id != trackID {
				ids = append(ids, id)
			}
		}
		c.index.Playlists[i].TrackIDs = ids
	}
	return nil
}

// TrackFilePath resolves the on-device path. While the copy is still
// pending the original source path is returned so reads work before Flush.
func (c *DirCatalog) TrackFilePath(trackID int64) (string, error) {
	t := c.findTrack(trackID)
	if t == nil {
		return "", fmt.Errorf("track %d: %w", trackID, ErrNotFound)
	}
	for _, p := range c.pending {
		if p.trackID == trackID {
			return p.source, nil
		}
	}
	return filepath.Join(c.root, mediaDirName, t.FileName), nil
}

func (c *DirCatalog) CreatePlaylist(name string) (*Playlist, error) {
	pl := dirPlaylist{Playlist: Playlist{ID: c.index.NextPlaylistID, Name: name}}
	c.index.NextPlaylistID++
	c.index.Playlists = append(c.index.Playlists, pl)
	out := pl.Playlist
	return &out, nil
}

func (c *DirCatalog) RenamePlaylist(id int64, name string) error {
	for i := range c.index.Playlists {
		if c.index.Playlists[i].ID == id {
			c.index.Playlists[i].Name = name
			return nil
		}
	}
	return fmt.Errorf("playlist %d: %w", id, ErrNotFound)
}

func (c *DirCatalog) DeletePlaylist(id int64) error {
	for i := range c.index.Playlists {
		if c.index.Playlists[i].ID == id {
			c.index.Playlists = append(c.index.Playlists[:i], c.index.Playlists[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("playlist %d: %w", id, ErrNotFound)
}

func (c *DirCatalog) AddToPlaylist(playlistID, trackID int64) error {
	if c.findTrack(trackID) == nil {
		return fmt.Errorf("track %d: %w", trackID, ErrNotFound)
	}
	for i := range c.index.Playlists {
		if c.index.Playlists[i].ID != playlistID {
			continue
		}
		for _, id := range c.index.Playlists[i].TrackIDs {
			if id == trackID {
				return nil
			}
		}
		c.index.Playlists[i].TrackIDs = append(c.index.Playlists[i].TrackIDs, trackID)
		return nil
	}
	return fmt.Errorf("playlist %d: %w", playlistID, ErrNotFound)
}

// Flush copies pending media files, persists the index atomically, then
// deletes payloads the index no longer references. An interrupted flush
// leaves orphan files at worst, never dangling index entries.
func (c *DirCatalog) Flush(progress FlushProgress) error {
	total := len(c.pending)
	for i, p := range c.pending {
		t := c.findTrack(p.trackID)
		if t == nil {
			continue
		}
		dest := filepath.Join(c.root, mediaDirName, t.FileName)
		if err := copyFile(p.source, dest); err != nil {
			return fmt.Errorf("failed to copy %s: %w", p.source, err)
		}
		if progress != nil {
			progress(i+1, total, t.Title)
		}
	}
	c.pending = nil

	if err := c.writeIndex(); err != nil {
		return err
	}

	for _, path := range c.removed {
		os.Remove(path)
	}
	c.removed = nil
	return nil
}

func (c *DirCatalog) Close() error {
	c.closed = true
	return nil
}

func (c *DirCatalog) findTrack(trackID int64) *dirTrack {
	for i := range c.index.Tracks {
		if c.index.Tracks[i].ID == trackID {
			return &c.index.Tracks[i]
		}
	}
	return nil
}

func (c *DirCatalog) writeIndex() error {
	data, err := json.MarshalIndent(&c.index, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(c.indexPath(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write catalog index: %w", err)
	}
	return nil
}
