package deploy_test

import (
	"os"
	"path/filepath"
	"testing"

	"dt-go/internal/deploy"
	"dt-go/internal/testutil"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating directory: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestFileChecksum(t *testing.T) {
	t.Run("matches direct hash", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		content := []byte("deployment payload")
		path := filepath.Join(dir, "file.txt")
		writeFile(t, path, content)

		got, err := deploy.FileChecksum(path)
		if err != nil {
			t.Fatalf("FileChecksum() error = %v", err)
		}
		if want := testutil.SHA256Hex(content); got != want {
			t.Errorf("FileChecksum() = %s, want %s", got, want)
		}
	})

	t.Run("errors for missing file", func(t *testing.T) {
		t.Parallel()
		if _, err := deploy.FileChecksum(filepath.Join(t.TempDir(), "absent")); err == nil {
			t.Error("FileChecksum() expected error for missing file")
		}
	})

	t.Run("content larger than one chunk", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		content := make([]byte, 4096*3+17)
		for i := range content {
			content[i] = byte(i % 251)
		}
		path := filepath.Join(dir, "big.bin")
		writeFile(t, path, content)

		got, err := deploy.FileChecksum(path)
		if err != nil {
			t.Fatalf("FileChecksum() error = %v", err)
		}
		if want := testutil.SHA256Hex(content); got != want {
			t.Errorf("FileChecksum() = %s, want %s", got, want)
		}
	})
}

func TestTreeChecksum(t *testing.T) {
	t.Run("independent of creation order", func(t *testing.T) {
		t.Parallel()
		a := t.TempDir()
		writeFile(t, filepath.Join(a, "one.txt"), []byte("first"))
		writeFile(t, filepath.Join(a, "sub", "two.txt"), []byte("second"))

		b := t.TempDir()
		writeFile(t, filepath.Join(b, "sub", "two.txt"), []byte("second"))
		writeFile(t, filepath.Join(b, "one.txt"), []byte("first"))

		csA, err := deploy.TreeChecksum(a)
		if err != nil {
			t.Fatalf("TreeChecksum(a) error = %v", err)
		}
		csB, err := deploy.TreeChecksum(b)
		if err != nil {
			t.Fatalf("TreeChecksum(b) error = %v", err)
		}
		if csA != csB {
			t.Errorf("checksums differ: %s vs %s", csA, csB)
		}
	})

	t.Run("sensitive to file renames", func(t *testing.T) {
		t.Parallel()
		a := t.TempDir()
		writeFile(t, filepath.Join(a, "one.txt"), []byte("payload"))

		b := t.TempDir()
		writeFile(t, filepath.Join(b, "two.txt"), []byte("payload"))

		csA, _ := deploy.TreeChecksum(a)
		csB, _ := deploy.TreeChecksum(b)
		if csA == csB {
			t.Error("checksum unchanged after rename, want different")
		}
	})

	t.Run("sensitive to content changes", func(t *testing.T) {
		t.Parallel()
		a := t.TempDir()
		writeFile(t, filepath.Join(a, "one.txt"), []byte("payload"))

		csBefore, _ := deploy.TreeChecksum(a)
		writeFile(t, filepath.Join(a, "one.txt"), []byte("changed"))
		csAfter, _ := deploy.TreeChecksum(a)

		if csBefore == csAfter {
			t.Error("checksum unchanged after edit, want different")
		}
	})

	t.Run("empty tree is stable", func(t *testing.T) {
		t.Parallel()
		csA, err := deploy.TreeChecksum(t.TempDir())
		if err != nil {
			t.Fatalf("TreeChecksum() error = %v", err)
		}
		csB, _ := deploy.TreeChecksum(t.TempDir())
		if csA != csB {
			t.Errorf("empty tree checksums differ: %s vs %s", csA, csB)
		}
	})
}
