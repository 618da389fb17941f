package device

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"podsync/internal/database"
	"podsync/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// exportErrorCap bounds the error detail list returned from Export.
const exportErrorCap = 10

// Settings is the slice of the cache store the session reads behavioral
// toggles from.
type Settings interface {
	GetSetting(key string) (string, error)
	BoolSetting(key string) (bool, error)
}

// ArtworkResolver maps a cached artwork hash to a local file path.
type ArtworkResolver interface {
	Path(hash string) (string, bool)
}

// Status reports whether a device is connected and basic facts about it.
type Status struct {
	Connected  bool   `json:"connected"`
	Mountpoint string `json:"mountpoint,omitempty"`
	Model      string `json:"model,omitempty"`
	TrackCount int    `json:"trackCount,omitempty"`
}

// StorageInfo is the filesystem usage of the device mountpoint.
type StorageInfo struct {
	TotalBytes  uint64  `json:"totalBytes"`
	UsedBytes   uint64  `json:"usedBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	PercentUsed float64 `json:"percentUsed"`
}

// AlbumSummary aggregates device tracks by album.
type AlbumSummary struct {
	Album      string `json:"album"`
	Artist     string `json:"artist"`
	Year       int    `json:"year,omitempty"`
	TrackCount int    `json:"trackCount"`
}

// ArtistSummary aggregates device tracks by artist.
type ArtistSummary struct {
	Name       string `json:"name"`
	AlbumCount int    `json:"albumCount"`
	TrackCount int    `json:"trackCount"`
}

// GenreSummary aggregates device tracks by genre.
type GenreSummary struct {
	Name       string `json:"name"`
	TrackCount int    `json:"trackCount"`
}

// AddedTrack identifies a track that made it onto the device.
type AddedTrack struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// SkippedTrack identifies a track rejected as a duplicate.
type SkippedTrack struct {
	FilePath string `json:"filePath"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Reason   string `json:"reason"`
}

// AddError records a per-track failure during a bulk add.
type AddError struct {
	FilePath string `json:"filePath"`
	Title    string `json:"title"`
	Error    string `json:"error"`
}

// AddResult is the outcome of a bulk add. A track lands in exactly one of
// the three buckets.
type AddResult struct {
	Added   []AddedTrack   `json:"added"`
	Skipped []SkippedTrack `json:"skipped"`
	Errors  []AddError     `json:"errors"`
}

// ExportError records a per-track failure during an export.
type ExportError struct {
	Title string `json:"title"`
	Error string `json:"error"`
}

// ExportResult is the outcome of a device export. ErrorDetails holds at most
// the first ten failures; Errors counts them all.
type ExportResult struct {
	Exported     int           `json:"exported"`
	Skipped      int           `json:"skipped"`
	Errors       int           `json:"errors"`
	ErrorDetails []ExportError `json:"errorDetails,omitempty"`
}

// TransferProgress reports progress through a bulk transfer or export.
type TransferProgress func(done, total int, current string)

// Session is the single writer to a connected device. All operations take
// the session lock, so catalog implementations never see concurrent calls.
// At most one device is connected at a time.
type Session struct {
	mu         sync.Mutex
	open       Opener
	transcoder Transcoder
	settings   Settings
	art        ArtworkResolver
	logger     *logrus.Logger

	catalog    Catalog
	mountpoint string
}

// NewSession creates a disconnected session.
func NewSession(open Opener, transcoder Transcoder, settings Settings, art ArtworkResolver) *Session {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &Session{open: open, transcoder: transcoder, settings: settings, art: art, logger: logger}
}

func (s *Session) lock()   { s.mu.Lock() }
func (s *Session) unlock() { s.mu.Unlock() }

// Connect opens the catalog at mountpoint. Connecting while already
// connected fails without touching the existing connection.
func (s *Session) Connect(mountpoint string) error {
	s.lock()
	defer s.unlock()

	if s.catalog != nil {
		return ErrAlreadyConnected
	}

	catalog, err := s.open(mountpoint)
	if err != nil {
		return fmt.Errorf("failed to open device at %s: %w", mountpoint, err)
	}

	s.catalog = catalog
	s.mountpoint = mountpoint
	s.logger.WithFields(logrus.Fields{
		"mountpoint": mountpoint,
		"model":      catalog.Info().Model,
	}).Info("Device connected")
	return nil
}

// Disconnect flushes pending writes, closes the catalog and releases the
// connection. The connection is released even when flush or close fails;
// the first error is returned so callers can surface it.
func (s *Session) Disconnect() error {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return ErrNotConnected
	}

	var firstErr error
	if err := s.catalog.Flush(nil); err != nil {
		firstErr = fmt.Errorf("failed to flush device: %w", err)
	}
	if err := s.catalog.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close device: %w", err)
	}

	s.catalog = nil
	s.mountpoint = ""
	s.logger.Info("Device disconnected")
	return firstErr
}

// Status reports connection state. Never fails; catalog read errors degrade
// to a zero track count.
func (s *Session) Status() Status {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return Status{Connected: false}
	}
	st := Status{
		Connected:  true,
		Mountpoint: s.mountpoint,
		Model:      s.catalog.Info().Model,
	}
	if tracks, err := s.catalog.Tracks(); err == nil {
		st.TrackCount = len(tracks)
	}
	return st
}

// DeviceInfo returns the connected device's model facts.
func (s *Session) DeviceInfo() (Info, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return Info{}, ErrNotConnected
	}
	return s.catalog.Info(), nil
}

// SupportsVideo reports whether the connected device can play video.
func (s *Session) SupportsVideo() (bool, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return false, ErrNotConnected
	}
	return s.catalog.Info().SupportsVideo, nil
}

// StorageInfo reads filesystem usage for the mountpoint.
func (s *Session) StorageInfo() (StorageInfo, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return StorageInfo{}, ErrNotConnected
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(s.mountpoint, &stat); err != nil {
		return StorageInfo{}, fmt.Errorf("failed to stat %s: %w", s.mountpoint, err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free
	info := StorageInfo{TotalBytes: total, UsedBytes: used, FreeBytes: free}
	if total > 0 {
		info.PercentUsed = float64(used) / float64(total) * 100
	}
	return info, nil
}

// Tracks lists all device tracks.
func (s *Session) Tracks() ([]Track, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}
	return s.catalog.Tracks()
}

// Playlists lists all device playlists.
func (s *Session) Playlists() ([]Playlist, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}
	return s.catalog.Playlists()
}

// PlaylistTracks resolves a playlist's track ids into track records,
// preserving playlist order.
func (s *Session) PlaylistTracks(playlistID int64) ([]Track, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}

	pl, err := s.findPlaylist(playlistID)
	if err != nil {
		return nil, err
	}

	tracks, err := s.catalog.Tracks()
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Track, len(tracks))
	for _, t := range tracks {
		byID[t.ID] = t
	}

	out := make([]Track, 0, len(pl.TrackIDs))
	for _, id := range pl.TrackIDs {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// Albums aggregates device tracks into album summaries, sorted by artist
// then album.
func (s *Session) Albums() ([]AlbumSummary, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}
	tracks, err := s.catalog.Tracks()
	if err != nil {
		return nil, err
	}

	type key struct{ album, artist string }
	groups := make(map[key]*AlbumSummary)
	for _, t := range tracks {
		artist := t.AlbumArtist
		if artist == "" {
			artist = t.Artist
		}
		k := key{album: t.Album, artist: artist}
		g, ok := groups[k]
		if !ok {
			g = &AlbumSummary{Album: t.Album, Artist: artist, Year: t.Year}
			groups[k] = g
		}
		g.TrackCount++
		if g.Year == 0 {
			g.Year = t.Year
		}
	}

	out := make([]AlbumSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Artist), strings.ToLower(out[j].Artist)
		if a != b {
			return a < b
		}
		return strings.ToLower(out[i].Album) < strings.ToLower(out[j].Album)
	})
	return out, nil
}

// AlbumTracks lists a single album's tracks ordered by disc then track
// number.
func (s *Session) AlbumTracks(album, artist string) ([]Track, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}
	tracks, err := s.catalog.Tracks()
	if err != nil {
		return nil, err
	}

	var out []Track
	for _, t := range tracks {
		if t.Album != album {
			continue
		}
		if artist != "" && t.Artist != artist && t.AlbumArtist != artist {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscNumber != out[j].DiscNumber {
			return out[i].DiscNumber < out[j].DiscNumber
		}
		return out[i].TrackNumber < out[j].TrackNumber
	})
	return out, nil
}

// Artists aggregates device tracks into artist summaries sorted by name.
func (s *Session) Artists() ([]ArtistSummary, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}
	tracks, err := s.catalog.Tracks()
	if err != nil {
		return nil, err
	}

	type agg struct {
		albums map[string]struct{}
		count  int
	}
	groups := make(map[string]*agg)
	for _, t := range tracks {
		name := t.Artist
		if name == "" {
			name = "Unknown Artist"
		}
		g, ok := groups[name]
		if !ok {
			g = &agg{albums: make(map[string]struct{})}
			groups[name] = g
		}
		g.count++
		g.albums[t.Album] = struct{}{}
	}

	out := make([]ArtistSummary, 0, len(groups))
	for name, g := range groups {
		out = append(out, ArtistSummary{Name: name, AlbumCount: len(g.albums), TrackCount: g.count})
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// Genres aggregates device tracks into genre summaries sorted by name.
func (s *Session) Genres() ([]GenreSummary, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}
	tracks, err := s.catalog.Tracks()
	if err != nil {
		return nil, err
	}

	groups := make(map[string]int)
	for _, t := range tracks {
		name := t.Genre
		if name == "" {
			name = "Unknown"
		}
		groups[name]++
	}

	out := make([]GenreSummary, 0, len(groups))
	for name, count := range groups {
		out = append(out, GenreSummary{Name: name, TrackCount: count})
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// CreatePlaylist adds a new empty playlist.
func (s *Session) CreatePlaylist(name string) (*Playlist, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}
	return s.catalog.CreatePlaylist(name)
}

// RenamePlaylist renames a playlist. The master playlist is protected.
func (s *Session) RenamePlaylist(playlistID int64, name string) error {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return ErrNotConnected
	}
	pl, err := s.findPlaylist(playlistID)
	if err != nil {
		return err
	}
	if pl.Master {
		return ErrMasterPlaylist
	}
	return s.catalog.RenamePlaylist(playlistID, name)
}

// DeletePlaylist removes a playlist. Member tracks stay on the device. The
// master playlist is protected.
func (s *Session) DeletePlaylist(playlistID int64) error {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return ErrNotConnected
	}
	pl, err := s.findPlaylist(playlistID)
	if err != nil {
		return err
	}
	if pl.Master {
		return ErrMasterPlaylist
	}
	return s.catalog.DeletePlaylist(playlistID)
}

// AddToPlaylist appends existing device tracks to a playlist and returns how
// many were appended.
func (s *Session) AddToPlaylist(playlistID int64, trackIDs []int64) (int, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return 0, ErrNotConnected
	}
	if _, err := s.findPlaylist(playlistID); err != nil {
		return 0, err
	}

	added := 0
	for _, id := range trackIDs {
		if err := s.catalog.AddToPlaylist(playlistID, id); err != nil {
			s.logger.WithError(err).WithField("track_id", id).Warn("Failed to add track to playlist")
			continue
		}
		added++
	}
	return added, nil
}

// AddTracks copies library tracks onto the device. Duplicates (by content
// fingerprint, including tracks added by other tools) are skipped, sources
// needing transcoding are converted first, and per-track failures are
// collected rather than aborting the batch. If any track is a video and the
// device cannot play video the whole batch is rejected up front.
func (s *Session) AddTracks(tracks []models.LibraryTrack, playlistID *int64, progress TransferProgress) (*AddResult, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}

	info := s.catalog.Info()
	if !info.SupportsVideo {
		for _, t := range tracks {
			if t.IsVideo {
				return nil, ErrVideoUnsupported
			}
		}
	}

	if playlistID != nil {
		if _, err := s.findPlaylist(*playlistID); err != nil {
			return nil, err
		}
	}

	existing, err := s.deviceFingerprints()
	if err != nil {
		return nil, err
	}

	transcodeOn, err := s.settings.BoolSetting(database.SettingTranscodeOnAdd)
	if err != nil {
		return nil, err
	}
	transcodeFormat, err := s.settings.GetSetting(database.SettingTranscodeFormat)
	if err != nil {
		return nil, err
	}

	var tempFiles []string
	defer func() {
		for _, f := range tempFiles {
			os.Remove(f)
		}
	}()

	result := &AddResult{}
	for i, t := range tracks {
		if progress != nil {
			progress(i, len(tracks), t.Title)
		}

		if t.Fingerprint != "" {
			if _, dup := existing[t.Fingerprint]; dup {
				result.Skipped = append(result.Skipped, SkippedTrack{
					FilePath: t.FilePath,
					Title:    t.Title,
					Artist:   t.Artist,
					Reason:   "already on device",
				})
				continue
			}
		}

		source := t.FilePath
		if transcodeOn && strings.EqualFold(filepath.Ext(source), ".flac") {
			out, err := s.transcoder.Transcode(source, transcodeFormat)
			if err != nil {
				result.Errors = append(result.Errors, AddError{
					FilePath: t.FilePath,
					Title:    t.Title,
					Error:    err.Error(),
				})
				continue
			}
			tempFiles = append(tempFiles, out)
			source = out
		}

		mediaType := MediaAudio
		switch {
		case t.IsVideo:
			mediaType = MediaMovie
		case t.IsPodcast:
			mediaType = MediaPodcast
		}

		devTrack, err := s.catalog.AddTrack(source, mediaType, map[string]string{FingerprintKey: t.Fingerprint})
		if err != nil {
			result.Errors = append(result.Errors, AddError{
				FilePath: t.FilePath,
				Title:    t.Title,
				Error:    err.Error(),
			})
			continue
		}

		if t.HasArtwork {
			if artPath, ok := s.art.Path(t.ArtworkHash); ok {
				if err := s.catalog.SetArtwork(devTrack.ID, artPath); err != nil {
					s.logger.WithError(err).WithField("file_path", t.FilePath).Warn("Failed to set artwork")
				}
			}
		}

		if playlistID != nil {
			if err := s.catalog.AddToPlaylist(*playlistID, devTrack.ID); err != nil {
				s.logger.WithError(err).WithField("track_id", devTrack.ID).Warn("Failed to add track to playlist")
			}
		}

		// Extend the set so a duplicate inside the same batch is caught.
		if t.Fingerprint != "" {
			existing[t.Fingerprint] = struct{}{}
		}

		result.Added = append(result.Added, AddedTrack{Title: devTrack.Title, Artist: devTrack.Artist})
	}

	if progress != nil {
		progress(len(tracks), len(tracks), "")
	}

	s.logger.WithFields(logrus.Fields{
		"added":   len(result.Added),
		"skipped": len(result.Skipped),
		"errors":  len(result.Errors),
	}).Info("Bulk add complete")
	return result, nil
}

// RemoveTracks removes device tracks by id and returns how many were
// actually removed. Unknown ids are ignored.
func (s *Session) RemoveTracks(trackIDs []int64) (int, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return 0, ErrNotConnected
	}

	tracks, err := s.catalog.Tracks()
	if err != nil {
		return 0, err
	}
	known := make(map[int64]struct{}, len(tracks))
	for _, t := range tracks {
		known[t.ID] = struct{}{}
	}

	removed := 0
	for _, id := range trackIDs {
		if _, ok := known[id]; !ok {
			continue
		}
		if err := s.catalog.RemoveTrack(id); err != nil {
			s.logger.WithError(err).WithField("track_id", id).Warn("Failed to remove track")
			continue
		}
		removed++
	}

	s.logger.WithField("removed", removed).Info("Bulk remove complete")
	return removed, nil
}

// Sync flushes pending writes and reopens the catalog so the next read sees
// exactly what was persisted. If the reopen fails the session degrades to
// disconnected rather than holding a stale handle.
func (s *Session) Sync(progress TransferProgress) error {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return ErrNotConnected
	}

	var flushProgress FlushProgress
	if progress != nil {
		flushProgress = func(copied, total int, current string) {
			progress(copied, total, current)
		}
	}

	if err := s.catalog.Flush(flushProgress); err != nil {
		return fmt.Errorf("failed to flush device: %w", err)
	}
	if err := s.catalog.Close(); err != nil {
		s.catalog = nil
		s.mountpoint = ""
		return fmt.Errorf("failed to close device during sync: %w", err)
	}

	catalog, err := s.open(s.mountpoint)
	if err != nil {
		s.catalog = nil
		s.mountpoint = ""
		return fmt.Errorf("failed to reopen device after sync: %w", err)
	}
	s.catalog = catalog

	s.logger.Info("Device synced")
	return nil
}

// Export copies every device track into destination/Artist/Album/Title.ext.
// A destination file of the same size is assumed identical and skipped; a
// different-sized collision gets a numeric suffix instead of being
// overwritten.
func (s *Session) Export(destination string, progress TransferProgress) (*ExportResult, error) {
	s.lock()
	defer s.unlock()

	if s.catalog == nil {
		return nil, ErrNotConnected
	}

	tracks, err := s.catalog.Tracks()
	if err != nil {
		return nil, err
	}

	result := &ExportResult{}
	for i, t := range tracks {
		if progress != nil {
			progress(i, len(tracks), t.Title)
		}

		if err := s.exportTrack(t, destination, result); err != nil {
			result.Errors++
			if len(result.ErrorDetails) < exportErrorCap {
				result.ErrorDetails = append(result.ErrorDetails, ExportError{Title: t.Title, Error: err.Error()})
			}
		}
	}

	if progress != nil {
		progress(len(tracks), len(tracks), "")
	}

	s.logger.WithFields(logrus.Fields{
		"exported": result.Exported,
		"skipped":  result.Skipped,
		"errors":   result.Errors,
	}).Info("Export complete")
	return result, nil
}

func (s *Session) exportTrack(t Track, destination string, result *ExportResult) error {
	srcPath, err := s.catalog.TrackFilePath(t.ID)
	if err != nil {
		return fmt.Errorf("no file on device: %w", err)
	}
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("file missing on device: %w", err)
	}

	artist := sanitizeFilename(t.Artist)
	album := sanitizeFilename(t.Album)
	title := sanitizeFilename(t.Title)
	ext := filepath.Ext(srcPath)
	if ext == "" {
		ext = ".mp3"
	}

	dir := filepath.Join(destination, artist, album)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	destPath := filepath.Join(dir, title+ext)
	for n := 1; ; n++ {
		info, err := os.Stat(destPath)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return err
		}
		if info.Size() == srcInfo.Size() {
			result.Skipped++
			return nil
		}
		destPath = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", title, n, ext))
	}

	if err := copyFile(srcPath, destPath); err != nil {
		return err
	}
	result.Exported++
	return nil
}

func (s *Session) findPlaylist(playlistID int64) (*Playlist, error) {
	playlists, err := s.catalog.Playlists()
	if err != nil {
		return nil, err
	}
	for i := range playlists {
		if playlists[i].ID == playlistID {
			return &playlists[i], nil
		}
	}
	return nil, fmt.Errorf("playlist %d: %w", playlistID, ErrNotFound)
}

// deviceFingerprints collects the content fingerprints already on the
// device, including ones written by other gtkpod-family tools.
func (s *Session) deviceFingerprints() (map[string]struct{}, error) {
	tracks, err := s.catalog.Tracks()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(tracks))
	for _, t := range tracks {
		if fp := t.UserData[FingerprintKey]; fp != "" {
			set[fp] = struct{}{}
		}
	}
	return set, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// sanitizeFilename makes a tag value safe as a path component.
func sanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")
	if len(name) > 200 {
		name = name[:200]
	}
	if name == "" {
		return "Unknown"
	}
	return name
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
