// Package syncer bridges the library cache and the device session: it
// resolves cache rows into transfer batches, runs the long operations on the
// worker pool, and handles upload-time deduplication.
package syncer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"podsync/internal/database"
	"podsync/internal/device"
	"podsync/internal/fingerprint"
	"podsync/internal/scanner"
	"podsync/internal/worker"
	"podsync/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrDuplicate is returned by IngestFile when the uploaded content already
// exists in the library cache.
var ErrDuplicate = fmt.Errorf("file already in library")

// Orchestrator coordinates bulk device operations. Methods that move files
// return a job id immediately and run on the worker pool.
type Orchestrator struct {
	db      *database.DB
	session *device.Session
	scanner *scanner.Scanner
	pool    *worker.Pool
	logger  *logrus.Logger
}

// New creates an orchestrator over the given collaborators.
func New(db *database.DB, session *device.Session, sc *scanner.Scanner, pool *worker.Pool) *Orchestrator {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &Orchestrator{db: db, session: session, scanner: sc, pool: pool, logger: logger}
}

// AddToDevice resolves library track ids and copies them to the connected
// device in the background. Unknown ids fail the whole request up front.
func (o *Orchestrator) AddToDevice(trackIDs []int64, playlistID *int64) (string, error) {
	tracks, err := o.db.TracksByIDs(trackIDs)
	if err != nil {
		return "", err
	}
	if len(tracks) != len(trackIDs) {
		return "", fmt.Errorf("request names %d tracks but only %d are in the library", len(trackIDs), len(tracks))
	}

	return o.pool.Submit("device_add", func(report worker.Reporter) (interface{}, error) {
		result, err := o.session.AddTracks(tracks, playlistID, device.TransferProgress(report))
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// RemoveFromDevice removes device tracks in the background.
func (o *Orchestrator) RemoveFromDevice(trackIDs []int64) (string, error) {
	return o.pool.Submit("device_remove", func(report worker.Reporter) (interface{}, error) {
		report(0, len(trackIDs), "")
		removed, err := o.session.RemoveTracks(trackIDs)
		if err != nil {
			return nil, err
		}
		report(len(trackIDs), len(trackIDs), "")
		return map[string]int{"removed": removed}, nil
	})
}

// SyncDevice flushes pending device writes in the background.
func (o *Orchestrator) SyncDevice() (string, error) {
	return o.pool.Submit("device_sync", func(report worker.Reporter) (interface{}, error) {
		if err := o.session.Sync(device.TransferProgress(report)); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// ExportDevice copies the device's tracks into a local folder tree in the
// background. An empty destination falls back to the export_path setting.
func (o *Orchestrator) ExportDevice(destination string) (string, error) {
	if destination == "" {
		var err error
		destination, err = o.db.GetSetting(database.SettingExportPath)
		if err != nil {
			return "", err
		}
		if destination == "" {
			return "", fmt.Errorf("no export destination configured")
		}
	}

	return o.pool.Submit("device_export", func(report worker.Reporter) (interface{}, error) {
		result, err := o.session.Export(destination, device.TransferProgress(report))
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// ScanLibrary runs a bulk scan of a library root in the background. The
// root comes from settings per classification.
func (o *Orchestrator) ScanLibrary(class models.Classification) (string, error) {
	root, err := o.libraryRoot(class)
	if err != nil {
		return "", err
	}

	kind := "scan_music"
	if class == models.ClassPodcast {
		kind = "scan_podcasts"
	}

	return o.pool.Submit(kind, func(report worker.Reporter) (interface{}, error) {
		result, err := o.scanner.Scan(root, class, func(p scanner.Progress) {
			report(p.Scanned, p.Total, p.CurrentFile)
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// IngestFile moves an uploaded file into the library root for its
// classification and caches it. Content already in the library is rejected
// with ErrDuplicate before anything is copied.
func (o *Orchestrator) IngestFile(sourcePath string, class models.Classification) (*models.LibraryTrack, error) {
	fp, err := fingerprint.Hash(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint upload: %w", err)
	}
	exists, err := o.db.FingerprintExists(fp)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicate
	}

	root, err := o.libraryRoot(class)
	if err != nil {
		return nil, err
	}

	destPath := filepath.Join(root, filepath.Base(sourcePath))
	for n := 1; ; n++ {
		if _, err := os.Stat(destPath); os.IsNotExist(err) {
			break
		}
		base := filepath.Base(sourcePath)
		ext := filepath.Ext(base)
		stem := base[:len(base)-len(ext)]
		destPath = filepath.Join(root, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}

	if err := copyFile(sourcePath, destPath); err != nil {
		return nil, fmt.Errorf("failed to place upload in library: %w", err)
	}

	if err := o.scanner.ScanOne(destPath, class); err != nil {
		os.Remove(destPath)
		return nil, err
	}

	track, err := o.db.TrackByPath(destPath)
	if err != nil {
		return nil, err
	}
	if track == nil {
		// The metadata gate declined to cache it.
		os.Remove(destPath)
		return nil, fmt.Errorf("file has no identifying metadata and allow_no_metadata is off")
	}

	o.logger.WithFields(logrus.Fields{
		"file_path": destPath,
		"class":     class,
	}).Info("Ingested upload")
	return track, nil
}

// LibraryTracks lists cached tracks, defaulting sort and order to the stored
// display preferences when the query leaves them unset.
func (o *Orchestrator) LibraryTracks(q database.TrackQuery) ([]models.LibraryTrack, int, error) {
	if q.Sort == "" {
		sort, err := o.db.GetSetting(database.SettingLibrarySort)
		if err != nil {
			return nil, 0, err
		}
		q.Sort = sort
	}
	if q.Order == "" {
		order, err := o.db.GetSetting(database.SettingLibraryOrder)
		if err != nil {
			return nil, 0, err
		}
		q.Order = order
	}
	return o.db.QueryTracks(q)
}

// MatchPlaylistPaths resolves playlist entries to library tracks. Absolute
// paths are tried first, then a case-sensitive basename match against the
// whole library. Entries that match nothing are returned as missing.
func (o *Orchestrator) MatchPlaylistPaths(paths []string) (matched []int64, missing []string, err error) {
	all, err := o.db.AllTrackPaths()
	if err != nil {
		return nil, nil, err
	}
	byPath := make(map[string]int64, len(all))
	byBase := make(map[string]int64, len(all))
	for _, tp := range all {
		byPath[tp.Path] = tp.ID
		byBase[filepath.Base(tp.Path)] = tp.ID
	}

	for _, p := range paths {
		if id, ok := byPath[p]; ok {
			matched = append(matched, id)
			continue
		}
		if id, ok := byBase[filepath.Base(p)]; ok {
			matched = append(matched, id)
			continue
		}
		missing = append(missing, p)
	}
	return matched, missing, nil
}

func (o *Orchestrator) libraryRoot(class models.Classification) (string, error) {
	key := database.SettingMusicLibraryPath
	if class == models.ClassPodcast {
		key = database.SettingPodcastLibraryPath
	}
	root, err := o.db.GetSetting(key)
	if err != nil {
		return "", err
	}
	if root == "" {
		return "", fmt.Errorf("no library path configured for %s", class)
	}
	return root, nil
}

// copyFile streams src to dst so large uploads never live in memory.
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
