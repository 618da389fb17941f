// Package scanner walks library roots, drives metadata extraction and
// fingerprinting, and keeps the cache store consistent with the filesystem.
package scanner

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"podsync/internal/database"
	"podsync/internal/fingerprint"
	"podsync/internal/metadata"
	"podsync/pkg/models"

	"github.com/sirupsen/logrus"
)

// mtimeEpsilon tolerates filesystem timestamp rounding when deciding whether
// a cached row is still current.
const mtimeEpsilon = 0.01 // seconds

// progressInterval bounds callback overhead on large trees.
const progressInterval = 10

// MetadataReader extracts normalized metadata from a media file.
type MetadataReader interface {
	Extract(path string) (metadata.TrackMeta, error)
}

// ArtworkCacher extracts and caches cover art, returning presence and a hash
// reference.
type ArtworkCacher interface {
	ExtractAndCache(path string) (bool, string)
}

// Progress is reported at a fixed cadence during a scan plus once with Done
// set after pruning completes.
type Progress struct {
	Scanned     int
	Total       int
	CurrentFile string
	Done        bool
}

// Result summarizes one scan pass.
type Result struct {
	Total   int // files matching the classification's extensions
	Scanned int // files visited (skips included)
	Updated int // rows upserted
	Removed int // rows pruned because the path vanished
	Purged  int // rows purged for lacking identifying metadata
	Errors  int // per-file failures absorbed into the pass
}

// Scanner populates the cache store from a directory tree. Running two scans
// concurrently on the same root is not race-free; callers serialize one scan
// per classification.
type Scanner struct {
	db     *database.DB
	meta   MetadataReader
	art    ArtworkCacher
	logger *logrus.Logger
}

// New creates a scanner over the given store and collaborators.
func New(db *database.DB, meta MetadataReader, art ArtworkCacher) *Scanner {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &Scanner{db: db, meta: meta, art: art, logger: logger}
}

// Scan enumerates every file under root matching the classification's
// extension set, refreshes stale cache rows, prunes rows whose files are
// gone, and reports progress every 10th file plus a final done signal.
// Per-file failures never abort the pass.
func (s *Scanner) Scan(root string, class models.Classification, progress func(Progress)) (Result, error) {
	var result Result

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return result, fmt.Errorf("not a directory: %s", root)
	}

	allowNoMeta, err := s.db.BoolSetting(database.SettingAllowNoMetadata)
	if err != nil {
		return result, fmt.Errorf("failed to read allow_no_metadata setting: %w", err)
	}

	// First pass: collect matching files so progress totals are stable.
	var files []string
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable path")
			return nil
		}
		if !info.IsDir() && class.Matches(path) {
			files = append(files, path)
		}
		return nil
	})
	if walkErr != nil {
		return result, fmt.Errorf("failed to walk %s: %w", root, walkErr)
	}

	result.Total = len(files)

	for _, path := range files {
		result.Scanned++

		st, err := os.Stat(path)
		if err != nil {
			result.Errors++
			continue
		}
		mtime := float64(st.ModTime().UnixNano()) / 1e9

		cached, ok, err := s.db.CachedMtime(path)
		if err != nil {
			return result, fmt.Errorf("failed to read cached mtime: %w", err)
		}
		if ok && math.Abs(cached-mtime) < mtimeEpsilon {
			s.report(progress, result.Scanned, result.Total, path)
			continue
		}

		switch s.scanFile(path, mtime, class, allowNoMeta) {
		case scanUpserted:
			result.Updated++
		case scanFailed:
			result.Errors++
		}

		s.report(progress, result.Scanned, result.Total, path)
	}

	removed, err := s.pruneMissing()
	if err != nil {
		return result, fmt.Errorf("failed to prune missing files: %w", err)
	}
	result.Removed = removed

	// Lazy cleanup of rows cached under a previously permissive policy.
	if !allowNoMeta {
		purged, err := s.db.PurgeTracksWithoutMetadata()
		if err != nil {
			return result, fmt.Errorf("failed to purge metadata-free rows: %w", err)
		}
		result.Purged = int(purged)
	}

	if progress != nil {
		progress(Progress{Scanned: result.Total, Total: result.Total, Done: true})
	}

	s.logger.WithFields(logrus.Fields{
		"root":    root,
		"class":   class,
		"total":   result.Total,
		"updated": result.Updated,
		"removed": result.Removed,
		"purged":  result.Purged,
		"errors":  result.Errors,
	}).Info("Scan complete")

	return result, nil
}

// ScanOne caches a single file immediately, outside a bulk pass. Used after
// an upload lands in a library root.
func (s *Scanner) ScanOne(path string, class models.Classification) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file unreadable: %w", err)
	}
	mtime := float64(st.ModTime().UnixNano()) / 1e9

	allowNoMeta, err := s.db.BoolSetting(database.SettingAllowNoMetadata)
	if err != nil {
		return fmt.Errorf("failed to read allow_no_metadata setting: %w", err)
	}

	if s.scanFile(path, mtime, class, allowNoMeta) == scanFailed {
		return fmt.Errorf("failed to cache %s", path)
	}
	return nil
}

type scanOutcome int

const (
	scanSkipped scanOutcome = iota
	scanUpserted
	scanFailed
)

// scanFile extracts, gates, fingerprints and upserts a single file. Shared
// between the bulk walk and the filesystem watcher.
func (s *Scanner) scanFile(path string, mtime float64, class models.Classification, allowNoMeta bool) scanOutcome {
	meta, err := s.meta.Extract(path)
	if err != nil {
		s.logger.WithError(err).WithField("file_path", path).Debug("Recording nothing for unparsable file")
		return scanFailed
	}

	track := models.LibraryTrack{
		FilePath:    path,
		FileMtime:   mtime,
		Title:       meta.Title,
		Artist:      meta.Artist,
		Album:       meta.Album,
		AlbumArtist: meta.AlbumArtist,
		Genre:       meta.Genre,
		TrackNumber: meta.TrackNumber,
		DiscNumber:  meta.DiscNumber,
		Year:        meta.Year,
		DurationMS:  meta.DurationMS,
		Bitrate:     meta.Bitrate,
		IsPodcast:   class == models.ClassPodcast,
		IsVideo:     class == models.ClassVideo,
	}

	// A bare-filename entry pollutes the cache; only keep it when the
	// permissive setting says so. Podcast episodes are exempt, feeds often
	// strip tags.
	if !track.IsPodcast && !track.HasIdentifyingMetadata() && !allowNoMeta {
		return scanSkipped
	}

	fp, err := fingerprint.Hash(path)
	if err != nil {
		s.logger.WithError(err).WithField("file_path", path).Warn("Failed to fingerprint file")
		return scanFailed
	}
	track.Fingerprint = fp

	track.HasArtwork, track.ArtworkHash = s.art.ExtractAndCache(path)

	if track.IsPodcast {
		track.Series = deriveSeries(&track)
	}

	if _, err := s.db.UpsertTrack(&track); err != nil {
		s.logger.WithError(err).WithField("file_path", path).Error("Failed to upsert track")
		return scanFailed
	}
	return scanUpserted
}

// pruneMissing removes cache rows whose files no longer exist on disk.
func (s *Scanner) pruneMissing() (int, error) {
	paths, err := s.db.AllTrackPaths()
	if err != nil {
		return 0, err
	}

	var missing []int64
	for _, tp := range paths {
		if _, err := os.Stat(tp.Path); os.IsNotExist(err) {
			missing = append(missing, tp.ID)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	removed, err := s.db.DeleteTracks(missing)
	return int(removed), err
}

func (s *Scanner) report(progress func(Progress), scanned, total int, path string) {
	if progress != nil && scanned%progressInterval == 0 {
		progress(Progress{Scanned: scanned, Total: total, CurrentFile: filepath.Base(path)})
	}
}

// deriveSeries computes the podcast grouping key: the album tag, falling back
// to the containing folder name since many feeds omit album tags. Persisted
// at scan time so later queries survive folder moves.
func deriveSeries(track *models.LibraryTrack) string {
	if track.Album != "" {
		return track.Album
	}
	return filepath.Base(filepath.Dir(track.FilePath))
}
