package device

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSource(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("audio payload for "+name), 0644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	return path
}

func TestDirCatalogInitializesMaster(t *testing.T) {
	catalog, err := OpenDirCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDirCatalog failed: %v", err)
	}
	defer catalog.Close()

	playlists, err := catalog.Playlists()
	if err != nil {
		t.Fatalf("Playlists failed: %v", err)
	}
	if len(playlists) != 1 || !playlists[0].Master {
		t.Errorf("Fresh catalog should hold exactly the master playlist, got %+v", playlists)
	}
}

func TestDirCatalogRejectsMissingMountpoint(t *testing.T) {
	if _, err := OpenDirCatalog(filepath.Join(t.TempDir(), "gone")); err == nil {
		t.Error("Expected error for missing mountpoint")
	}
}

func TestDirCatalogAddFlushReopen(t *testing.T) {
	mount := t.TempDir()
	catalog, err := OpenDirCatalog(mount)
	if err != nil {
		t.Fatalf("OpenDirCatalog failed: %v", err)
	}

	source := writeSource(t, "song.mp3")
	track, err := catalog.AddTrack(source, MediaAudio, map[string]string{FingerprintKey: "fp-1"})
	if err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}

	// Before Flush the payload still lives at the source.
	path, err := catalog.TrackFilePath(track.ID)
	if err != nil {
		t.Fatalf("TrackFilePath failed: %v", err)
	}
	if path != source {
		t.Errorf("Pre-flush path = %s, want source %s", path, source)
	}

	var progressCalls int
	if err := catalog.Flush(func(copied, total int, current string) {
		progressCalls++
	}); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if progressCalls != 1 {
		t.Errorf("Flush progress calls = %d, want 1", progressCalls)
	}

	path, err = catalog.TrackFilePath(track.ID)
	if err != nil {
		t.Fatalf("TrackFilePath failed: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(mount, mediaDirName) {
		t.Errorf("Post-flush path %s should live under Media/", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Flushed media file missing: %v", err)
	}

	if err := catalog.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A reopened catalog sees the persisted state, fingerprint included.
	reopened, err := OpenDirCatalog(mount)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	tracks, err := reopened.Tracks()
	if err != nil {
		t.Fatalf("Tracks failed: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("Reopened catalog holds %d tracks, want 1", len(tracks))
	}
	if tracks[0].UserData[FingerprintKey] != "fp-1" {
		t.Errorf("Fingerprint not persisted: %+v", tracks[0].UserData)
	}

	playlists, _ := reopened.Playlists()
	if len(playlists[0].TrackIDs) != 1 {
		t.Error("Added track should belong to the master playlist")
	}
}

func TestDirCatalogRemoveTrack(t *testing.T) {
	mount := t.TempDir()
	catalog, err := OpenDirCatalog(mount)
	if err != nil {
		t.Fatalf("OpenDirCatalog failed: %v", err)
	}
	defer catalog.Close()

	track, err := catalog.AddTrack(writeSource(t, "gone.mp3"), MediaAudio, nil)
	if err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}
	if err := catalog.Flush(nil); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mediaPath, _ := catalog.TrackFilePath(track.ID)

	if err := catalog.RemoveTrack(track.ID); err != nil {
		t.Fatalf("RemoveTrack failed: %v", err)
	}
	// The payload survives until the index commit at Flush.
	if _, err := os.Stat(mediaPath); err != nil {
		t.Errorf("Media file should still exist before Flush: %v", err)
	}
	if err := catalog.Flush(nil); err != nil {
		t.Fatalf("Flush after removal failed: %v", err)
	}
	if _, err := os.Stat(mediaPath); !os.IsNotExist(err) {
		t.Error("Removed track's media file should be deleted after Flush")
	}

	tracks, _ := catalog.Tracks()
	if len(tracks) != 0 {
		t.Errorf("Tracks after removal = %d, want 0", len(tracks))
	}
	playlists, _ := catalog.Playlists()
	if len(playlists[0].TrackIDs) != 0 {
		t.Error("Removal should drop playlist memberships")
	}

	if err := catalog.RemoveTrack(999); err == nil {
		t.Error("Expected error removing unknown track")
	}
}

func TestDirCatalogPlaylists(t *testing.T) {
	catalog, err := OpenDirCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDirCatalog failed: %v", err)
	}
	defer catalog.Close()

	pl, err := catalog.CreatePlaylist("Mix")
	if err != nil {
		t.Fatalf("CreatePlaylist failed: %v", err)
	}

	track, err := catalog.AddTrack(writeSource(t, "song.mp3"), MediaAudio, nil)
	if err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}

	if err := catalog.AddToPlaylist(pl.ID, track.ID); err != nil {
		t.Fatalf("AddToPlaylist failed: %v", err)
	}
	// Duplicate membership collapses.
	if err := catalog.AddToPlaylist(pl.ID, track.ID); err != nil {
		t.Fatalf("Repeated AddToPlaylist failed: %v", err)
	}

	playlists, _ := catalog.Playlists()
	for _, p := range playlists {
		if p.ID == pl.ID && len(p.TrackIDs) != 1 {
			t.Errorf("Playlist memberships = %d, want 1", len(p.TrackIDs))
		}
	}

	if err := catalog.RenamePlaylist(pl.ID, "Better Mix"); err != nil {
		t.Fatalf("RenamePlaylist failed: %v", err)
	}
	if err := catalog.DeletePlaylist(pl.ID); err != nil {
		t.Fatalf("DeletePlaylist failed: %v", err)
	}
	if err := catalog.DeletePlaylist(pl.ID); err == nil {
		t.Error("Expected error deleting a playlist twice")
	}
}
