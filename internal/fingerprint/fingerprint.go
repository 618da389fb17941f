// Package fingerprint computes the content hash used for duplicate detection
// across the local cache and device catalogs.
package fingerprint

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// headLen is the number of leading content bytes that feed the hash.
const headLen = 4 * 4096 // 16384

// Hash returns the hex SHA-1 digest of the file's size (little-endian 32-bit)
// followed by its first 16 KiB. The byte layout matches the hash stored by
// gtkpod and libgpod's extended info system, so digests are comparable against
// values already written by other tools. I/O errors propagate: a missing
// fingerprint must never be read as "not a duplicate".
func Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	h := sha1.New()
	var sizePrefix [4]byte
	binary.LittleEndian.PutUint32(sizePrefix[:], uint32(st.Size()))
	h.Write(sizePrefix[:])

	if _, err := io.CopyN(h, f, headLen); err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
