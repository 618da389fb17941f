package artwork

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 'f', 'a', 'k', 'e'}

func TestStoreAndPath(t *testing.T) {
	cache, err := NewCache(filepath.Join(t.TempDir(), "art"))
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	hash, err := cache.Store(jpegBytes)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	want := fmt.Sprintf("%x", md5.Sum(jpegBytes))
	if hash != want {
		t.Errorf("Store hash = %s, want %s", hash, want)
	}

	path, ok := cache.Path(hash)
	if !ok {
		t.Fatal("Path should resolve a stored hash")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(data, jpegBytes) {
		t.Error("Stored bytes differ from input")
	}

	// Storing the same bytes again is a no-op with the same key.
	hash2, err := cache.Store(jpegBytes)
	if err != nil {
		t.Fatalf("Second store failed: %v", err)
	}
	if hash2 != hash {
		t.Errorf("Re-store changed the hash: %s != %s", hash2, hash)
	}
}

func TestPathUnknownHash(t *testing.T) {
	cache, err := NewCache(filepath.Join(t.TempDir(), "art"))
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	if _, ok := cache.Path("deadbeef"); ok {
		t.Error("Unknown hash should not resolve")
	}
	if _, ok := cache.Path(""); ok {
		t.Error("Empty hash should not resolve")
	}
}

func TestExtractDirectoryCoverFallback(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "song.mp3")
	if err := os.WriteFile(media, []byte("not really audio"), 0644); err != nil {
		t.Fatalf("Failed to write media file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cover.jpg"), jpegBytes, 0644); err != nil {
		t.Fatalf("Failed to write cover: %v", err)
	}

	data, mime, ok := Extract(media)
	if !ok {
		t.Fatal("Expected cover.jpg fallback to hit")
	}
	if mime != "image/jpeg" {
		t.Errorf("mime = %s, want image/jpeg", mime)
	}
	if !bytes.Equal(data, jpegBytes) {
		t.Error("Fallback returned wrong bytes")
	}
}

func TestExtractNoArtwork(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "song.mp3")
	if err := os.WriteFile(media, []byte("not really audio"), 0644); err != nil {
		t.Fatalf("Failed to write media file: %v", err)
	}
	if _, _, ok := Extract(media); ok {
		t.Error("File without artwork or covers should return ok=false")
	}
}

func TestExtractAndCache(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "song.mp3")
	if err := os.WriteFile(media, []byte("not really audio"), 0644); err != nil {
		t.Fatalf("Failed to write media file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "folder.jpg"), jpegBytes, 0644); err != nil {
		t.Fatalf("Failed to write cover: %v", err)
	}

	cache, err := NewCache(filepath.Join(t.TempDir(), "art"))
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	has, hash := cache.ExtractAndCache(media)
	if !has || hash == "" {
		t.Fatalf("ExtractAndCache = %v, %q", has, hash)
	}
	if _, ok := cache.Path(hash); !ok {
		t.Error("Cached artwork should resolve by hash")
	}
}

func TestSniffMime(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47}, "image/png"},
		{"gif", []byte{0x47, 0x49, 0x46, 0x38}, "image/gif"},
		{"short", []byte{0x01}, "application/octet-stream"},
		{"unknown", []byte{1, 2, 3, 4}, "application/octet-stream"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sniffMime(tc.data); got != tc.want {
				t.Errorf("sniffMime = %s, want %s", got, tc.want)
			}
		})
	}
}
