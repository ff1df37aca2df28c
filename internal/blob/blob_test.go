package blob

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dt-go/internal/deploy"
)

// storeUnderTest runs the shared BlobStore contract tests against an
// implementation.
func storeUnderTest(t *testing.T, name string, newStore func(t *testing.T) deploy.BlobStore) {
	t.Run(name, func(t *testing.T) {
		t.Run("get returns stored content", func(t *testing.T) {
			store := newStore(t)
			content := []byte("backup artifact bytes")

			if err := store.Put("bk-1.tar.gz", bytes.NewReader(content), int64(len(content))); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			var buf bytes.Buffer
			if err := store.Get("bk-1.tar.gz", &buf); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !bytes.Equal(buf.Bytes(), content) {
				t.Errorf("Get() = %q, want %q", buf.Bytes(), content)
			}
		})

		t.Run("put overwrites", func(t *testing.T) {
			store := newStore(t)

			if err := store.Put("k", strings.NewReader("one"), 3); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := store.Put("k", strings.NewReader("second"), 6); err != nil {
				t.Fatalf("second Put() error = %v", err)
			}

			var buf bytes.Buffer
			if err := store.Get("k", &buf); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if buf.String() != "second" {
				t.Errorf("Get() = %q, want %q", buf.String(), "second")
			}
		})

		t.Run("put rejects size mismatch", func(t *testing.T) {
			store := newStore(t)

			if err := store.Put("k", strings.NewReader("abc"), 99); err == nil {
				t.Error("Put() with wrong size succeeded")
			}
			if ok, _ := store.Exists("k"); ok {
				t.Error("failed Put() left content behind")
			}
		})

		t.Run("get of missing key fails", func(t *testing.T) {
			store := newStore(t)

			var buf bytes.Buffer
			if err := store.Get("missing", &buf); err == nil {
				t.Error("Get() of missing key succeeded")
			}
		})

		t.Run("exists", func(t *testing.T) {
			store := newStore(t)

			ok, err := store.Exists("k")
			if err != nil {
				t.Fatalf("Exists() error = %v", err)
			}
			if ok {
				t.Error("Exists() = true for missing key")
			}

			if err := store.Put("k", strings.NewReader("x"), 1); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			ok, err = store.Exists("k")
			if err != nil {
				t.Fatalf("Exists() error = %v", err)
			}
			if !ok {
				t.Error("Exists() = false after Put()")
			}
		})

		t.Run("delete is idempotent", func(t *testing.T) {
			store := newStore(t)

			if err := store.Put("k", strings.NewReader("x"), 1); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := store.Delete("k"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if ok, _ := store.Exists("k"); ok {
				t.Error("content still present after Delete()")
			}
			if err := store.Delete("k"); err != nil {
				t.Errorf("second Delete() error = %v", err)
			}
		})
	})
}

func TestBlobStores(t *testing.T) {
	storeUnderTest(t, "memory", func(t *testing.T) deploy.BlobStore {
		return NewMemoryStore()
	})
	storeUnderTest(t, "filesystem", func(t *testing.T) deploy.BlobStore {
		store, err := NewFileSystemStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileSystemStore() error = %v", err)
		}
		return store
	})
}

func TestFileSystemStore_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "replicas")

	if _, err := NewFileSystemStore(root); err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("store root missing: %v", err)
	}
	if !info.IsDir() {
		t.Error("store root is not a directory")
	}
}

func TestFileSystemStore_AtomicPut(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemStore(root)
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}

	// A failed write must not leave temp files behind.
	if err := store.Put("k", strings.NewReader("abc"), 99); err == nil {
		t.Fatal("Put() with wrong size succeeded")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("reading store root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("store root has %d leftover entries, want 0", len(entries))
	}
}
