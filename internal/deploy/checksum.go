package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// checksumChunkSize is the read buffer used when hashing file content.
const checksumChunkSize = 4096

// FileChecksum returns the SHA-256 checksum of a single file's content as a
// lowercase hex string.
func FileChecksum(path string) (string, error) {
	h := sha256.New()
	if err := hashFileInto(h, path); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TreeChecksum returns a SHA-256 checksum over an entire directory tree.
// Files are visited in sorted relative-path order and each contributes its
// relative path bytes followed by its content, so two trees with identical
// relative-path→content mappings hash identically regardless of how the
// filesystem enumerates them.
func TreeChecksum(root string) (string, error) {
	var relPaths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		relPaths = append(relPaths, rel)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking tree: %w", err)
	}

	sort.Strings(relPaths)

	h := sha256.New()
	for _, rel := range relPaths {
		h.Write([]byte(rel))
		if err := hashFileInto(h, filepath.Join(root, rel)); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFileInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, checksumChunkSize)
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	return nil
}
