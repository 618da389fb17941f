// Package artwork extracts embedded cover images and keeps them in an
// on-disk cache keyed by content hash, so the library cache only ever stores
// a hash reference.
package artwork

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dhowden/tag"
	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
)

// coverFiles are the directory-level fallbacks checked when a file carries
// no embedded picture.
var coverFiles = []string{
	"folder.jpg", "Folder.jpg", "cover.jpg", "Cover.jpg", "cover.png", "Cover.png",
}

// Cache is an on-disk artwork store. Files are written once under their
// md5 content hash and never rewritten.
type Cache struct {
	dir    string
	logger *logrus.Logger
}

// NewCache creates the cache directory if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artwork cache directory: %w", err)
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &Cache{dir: dir, logger: logger}, nil
}

// Extract returns the cover image bytes and MIME type for a media file, or
// ok=false when the file has no artwork. Embedded pictures win over
// directory cover files.
func Extract(filePath string) (data []byte, mime string, ok bool) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, "", false
	}
	defer f.Close()

	if m, err := tag.ReadFrom(f); err == nil {
		if pic := m.Picture(); pic != nil && len(pic.Data) > 0 {
			mime := pic.MIMEType
			if mime == "" {
				mime = sniffMime(pic.Data)
			}
			return pic.Data, mime, true
		}
	}

	dir := filepath.Dir(filePath)
	for _, name := range coverFiles {
		alt := filepath.Join(dir, name)
		data, err := os.ReadFile(alt)
		if err != nil {
			continue
		}
		mime := "image/jpeg"
		if filepath.Ext(name) == ".png" {
			mime = "image/png"
		}
		return data, mime, true
	}

	return nil, "", false
}

// Store writes artwork bytes into the cache and returns their hash key.
// Writing is atomic so a crashed process never leaves a torn image behind.
func (c *Cache) Store(data []byte) (string, error) {
	hash := fmt.Sprintf("%x", md5.Sum(data))
	path := c.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to write artwork %s: %w", hash, err)
	}
	return hash, nil
}

// ExtractAndCache extracts artwork from a media file and stores it, returning
// whether artwork exists and its hash reference. Extraction failures are
// non-fatal: a track works without artwork.
func (c *Cache) ExtractAndCache(filePath string) (bool, string) {
	data, _, ok := Extract(filePath)
	if !ok {
		return false, ""
	}
	hash, err := c.Store(data)
	if err != nil {
		c.logger.WithError(err).WithField("file_path", filePath).Warn("Failed to cache artwork")
		return false, ""
	}
	return true, hash
}

// Path returns the filesystem path for a cached artwork hash, with ok=false
// when the hash is unknown or empty.
func (c *Cache) Path(hash string) (string, bool) {
	if hash == "" {
		return "", false
	}
	path := c.path(hash)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (c *Cache) path(hash string) string {
	return filepath.Join(c.dir, hash+".img")
}

// sniffMime guesses an image MIME type from leading magic bytes.
func sniffMime(data []byte) string {
	if len(data) < 4 {
		return "application/octet-stream"
	}
	switch {
	case data[0] == 0xFF && data[1] == 0xD8:
		return "image/jpeg"
	case data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return "image/png"
	case data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46:
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
