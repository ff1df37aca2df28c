package deploy

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// ArchiveDirName is the hidden sibling directory holding previous versions
// of files overwritten by a deployment.
const ArchiveDirName = ".archive"

// archiveSeq breaks ties between archive entries created within the same
// clock second. Fixed-width so lexicographic order stays creation order.
var archiveSeq atomic.Uint64

// ArchiveStore keeps the single previous version of a destination file so a
// deployment can be rolled back. It is deliberately not a version history:
// each rollback consumes exactly one archived generation, so a second
// rollback of the same file finds no archive entry and deletes the file
// instead.
type ArchiveStore struct {
	clock  Clock
	logger Logger
}

// NewArchiveStore creates an ArchiveStore.
func NewArchiveStore(clock Clock, logger Logger) *ArchiveStore {
	return &ArchiveStore{clock: clock, logger: logger}
}

// Archive copies the file at path into the sibling archive directory under a
// sortable timestamp tag. Returns the archived path, or "" if the file does
// not exist (nothing to archive).
func (a *ArchiveStore) Archive(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	archiveDir := filepath.Join(filepath.Dir(path), ArchiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	tag := fmt.Sprintf("%s_%09d", a.clock.Now().UTC().Format("20060102T150405Z"), archiveSeq.Add(1))
	archivePath := filepath.Join(archiveDir, filepath.Base(path)+"."+tag)

	if err := copyFile(path, archivePath); err != nil {
		return "", fmt.Errorf("archiving %s: %w", path, err)
	}

	a.logger.Debug("archived previous version", "path", path, "archive", archivePath)
	return archivePath, nil
}

// Restore undoes a deployment to dest. If an archived previous version
// exists, the most recent entry is restored byte-for-byte and the consumed
// entry removed. If no archive entry exists the destination file is deleted:
// it was newly created by the deployment and there is nothing to restore.
func (a *ArchiveStore) Restore(dest string) error {
	latest, err := a.latestEntry(dest)
	if err != nil {
		return err
	}

	if latest == "" {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", dest, err)
		}
		a.logger.Info("removed file during rollback", "path", dest)
		return nil
	}

	if err := copyFile(latest, dest); err != nil {
		return fmt.Errorf("restoring %s: %w", dest, err)
	}
	if err := os.Remove(latest); err != nil {
		return fmt.Errorf("removing consumed archive entry: %w", err)
	}

	a.logger.Info("restored previous version", "path", dest, "archive", latest)
	return nil
}

// latestEntry returns the archive entry with the lexicographically greatest
// tag for dest, or "" if none exists.
func (a *ArchiveStore) latestEntry(dest string) (string, error) {
	archiveDir := filepath.Join(filepath.Dir(dest), ArchiveDirName)
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading archive directory: %w", err)
	}

	prefix := filepath.Base(dest) + "."
	var tags []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			tags = append(tags, e.Name())
		}
	}
	if len(tags) == 0 {
		return "", nil
	}

	sort.Strings(tags)
	return filepath.Join(archiveDir, tags[len(tags)-1]), nil
}

// copyFile copies src to dst byte-for-byte, preserving the source's
// permission bits.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying content: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing destination: %w", err)
	}
	return nil
}
