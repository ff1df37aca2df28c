package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dt-go/internal/tarball"
)

// metadataFileName is the metadata record written into every backup
// artifact. It is excluded from the tree checksum and from restores.
const metadataFileName = "metadata.json"

// backupExcludeDir is the reserved directory name never included in FULL
// backups.
const backupExcludeDir = ".Exclude"

// configPatterns select files for CONFIG backups. Matching is simple
// prefix/suffix/substring/exact, not a full glob engine.
var configPatterns = []string{
	"*.config", "*.ini", "*.yaml", "*.yml", "*.json",
	"*.xml", "*.conf", "config*.*",
}

// partialExtension selects files for PARTIAL backups when no explicit file
// list is given.
const partialExtension = ".go"

// BackupPolicy holds the deployment-independent backup settings.
type BackupPolicy struct {
	// Location is the directory where backup artifacts are stored.
	Location string

	// Compress packs artifacts into .tar.gz archives instead of plain
	// directories.
	Compress bool

	// Replicate pushes compressed artifacts to the replica store after
	// creation. Ignored when no replica store is configured.
	Replicate bool
}

// BackupResult describes a freshly created backup.
type BackupResult struct {
	ID        string
	Path      string
	Timestamp time.Time
	Type      BackupType
	SizeBytes int64
	FileCount int
	Checksum  string
}

// BackupManager creates, verifies, restores and deletes whole-project
// snapshots. Each snapshot is persisted as a Backup record alongside its
// on-disk artifact.
type BackupManager struct {
	store     Store
	policy    BackupPolicy
	encryptor Encryptor // nil when artifact encryption is disabled
	replica   BlobStore // nil when no replica store is configured
	logger    Logger
	clock     Clock
	idgen     IDGenerator
}

// NewBackupManager creates a BackupManager. encryptor and replica may be nil
// to disable artifact encryption and replication respectively.
func NewBackupManager(store Store, policy BackupPolicy, encryptor Encryptor, replica BlobStore, logger Logger, clock Clock, idgen IDGenerator) *BackupManager {
	return &BackupManager{
		store:     store,
		policy:    policy,
		encryptor: encryptor,
		replica:   replica,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
	}
}

type backupMetadata struct {
	BackupID    string    `json:"backup_id"`
	ProjectName string    `json:"project_name"`
	ProjectPath string    `json:"project_path"`
	BackupType  string    `json:"backup_type"`
	Timestamp   time.Time `json:"timestamp"`
	FileCount   int       `json:"file_count"`
	UserID      string    `json:"user_id"`
	Description string    `json:"description,omitempty"`
	SizeBytes   int64     `json:"size"`
	Checksum    string    `json:"checksum"`
}

// CreateBackup snapshots projectPath according to the backup type's file
// selection policy. An explicit file list takes precedence for all types.
// The artifact is either a gzip-compressed tar archive (optionally
// age-encrypted) or a plain directory, per policy.
func (m *BackupManager) CreateBackup(projectPath string, typ BackupType, userID, description string, explicitFiles []string) (*BackupResult, error) {
	info, err := os.Stat(projectPath)
	if err != nil || !info.IsDir() {
		return nil, &ArgumentError{Reason: "project path does not exist: " + projectPath}
	}
	switch typ {
	case BackupFull, BackupPartial, BackupConfig:
	default:
		return nil, &ArgumentError{Reason: "invalid backup type: " + string(typ)}
	}

	backupID := m.idgen.New()
	timestamp := m.clock.Now()
	projectName := filepath.Base(filepath.Clean(projectPath))
	backupName := fmt.Sprintf("%s_%s_%s", projectName, timestamp.UTC().Format("20060102_150405"), strings.ToLower(string(typ)))

	if err := os.MkdirAll(m.policy.Location, 0755); err != nil {
		return nil, fmt.Errorf("creating backup location: %w", err)
	}

	// Stage the selected files under a temp tree rooted at the backup name,
	// so compressed artifacts unpack into a single directory.
	tmpParent, err := os.MkdirTemp("", "dt-backup-")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(tmpParent)
	stagingDir := filepath.Join(tmpParent, backupName)

	files := explicitFiles
	if len(files) == 0 {
		files, err = m.selectFiles(projectPath, typ)
		if err != nil {
			return nil, fmt.Errorf("selecting files: %w", err)
		}
	}

	m.logger.Info("creating backup", "project", projectPath, "type", typ, "files", len(files))

	fileCount := 0
	var totalSize int64
	for _, src := range files {
		rel, err := filepath.Rel(projectPath, src)
		if err != nil {
			return nil, fmt.Errorf("computing relative path for %s: %w", src, err)
		}
		dest := filepath.Join(stagingDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, fmt.Errorf("creating staging subdirectory: %w", err)
		}
		if err := copyFile(src, dest); err != nil {
			m.logger.Warn("skipping unreadable file", "path", src, "error", err)
			continue
		}
		if info, err := os.Stat(dest); err == nil {
			totalSize += info.Size()
		}
		fileCount++
	}
	if fileCount == 0 {
		// Still a valid (empty) snapshot; make sure the staging root exists.
		if err := os.MkdirAll(stagingDir, 0755); err != nil {
			return nil, fmt.Errorf("creating staging directory: %w", err)
		}
	}

	// Checksum covers the staged files only; the metadata record is written
	// afterwards so create-then-verify holds.
	checksum, err := snapshotChecksum(stagingDir)
	if err != nil {
		return nil, fmt.Errorf("computing tree checksum: %w", err)
	}

	meta := backupMetadata{
		BackupID:    backupID,
		ProjectName: projectName,
		ProjectPath: projectPath,
		BackupType:  string(typ),
		Timestamp:   timestamp,
		FileCount:   fileCount,
		UserID:      userID,
		Description: description,
		SizeBytes:   totalSize,
		Checksum:    checksum,
	}
	if err := writeMetadata(filepath.Join(stagingDir, metadataFileName), &meta); err != nil {
		return nil, err
	}

	artifactPath, err := m.finalizeArtifact(stagingDir, backupName)
	if err != nil {
		return nil, err
	}

	record := &Backup{
		ID:          backupID,
		Timestamp:   timestamp,
		ProjectPath: projectPath,
		StoragePath: artifactPath,
		Type:        typ,
		SizeBytes:   totalSize,
		FileCount:   fileCount,
		UserID:      userID,
		Checksum:    checksum,
	}
	if err := m.store.CreateBackup(record); err != nil {
		return nil, fmt.Errorf("storing backup record: %w", err)
	}

	if m.policy.Replicate && m.replica != nil && !isDirectoryArtifact(artifactPath) {
		if err := m.PushBackup(backupID); err != nil {
			m.logger.Warn("backup replication failed", "backup", backupID, "error", err)
		}
	}

	m.logger.Info("backup created", "backup", backupID, "path", artifactPath)
	return &BackupResult{
		ID:        backupID,
		Path:      artifactPath,
		Timestamp: timestamp,
		Type:      typ,
		SizeBytes: totalSize,
		FileCount: fileCount,
		Checksum:  checksum,
	}, nil
}

// finalizeArtifact turns the staging tree into the final artifact under the
// backup location: a (possibly encrypted) compressed archive, or the
// directory moved as-is.
func (m *BackupManager) finalizeArtifact(stagingDir, backupName string) (string, error) {
	if !m.policy.Compress {
		dest := filepath.Join(m.policy.Location, backupName)
		if err := moveTree(stagingDir, dest); err != nil {
			return "", fmt.Errorf("moving backup into place: %w", err)
		}
		return dest, nil
	}

	encrypt := m.encryptor != nil && m.encryptor.IsConfigured()
	dest := filepath.Join(m.policy.Location, backupName+".tar.gz")
	if encrypt {
		dest += ".age"
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}

	if encrypt {
		// Stream the tarball through the encryptor without an intermediate
		// plaintext file.
		pr, pw := io.Pipe()
		packErrCh := make(chan error, 1)
		go func() {
			err := tarball.Pack(stagingDir, pw)
			pw.CloseWithError(err)
			packErrCh <- err
		}()

		encErr := m.encryptor.Encrypt(pr, out)
		pr.CloseWithError(encErr)
		packErr := <-packErrCh

		if encErr != nil || packErr != nil {
			out.Close()
			os.Remove(dest)
			if packErr != nil {
				return "", fmt.Errorf("packing archive: %w", packErr)
			}
			return "", fmt.Errorf("encrypting archive: %w", encErr)
		}
	} else if err := tarball.Pack(stagingDir, out); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("packing archive: %w", err)
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("closing archive: %w", err)
	}
	return dest, nil
}

// VerifyBackup recomputes the artifact's tree checksum and compares it to
// the stored value, flipping the record's verified flag on a match.
// Compressed artifacts are extracted to a temporary directory first; dec is
// required for encrypted artifacts and may be nil otherwise. Returns false
// if the artifact is missing or its content has changed.
func (m *BackupManager) VerifyBackup(id string, dec DecryptionContext) (bool, error) {
	record, err := m.store.GetBackup(id)
	if err != nil {
		return false, fmt.Errorf("loading backup record: %w", err)
	}
	if record == nil {
		return false, &NotFoundError{Kind: "backup", ID: id}
	}

	if _, err := os.Stat(record.StoragePath); err != nil {
		if os.IsNotExist(err) {
			m.logger.Error("backup artifact missing", "backup", id, "path", record.StoragePath)
			return false, nil
		}
		return false, fmt.Errorf("stat artifact: %w", err)
	}

	dirToVerify := record.StoragePath
	if !isDirectoryArtifact(record.StoragePath) {
		tmpDir, extractedRoot, err := m.extractArtifact(record, dec)
		if err != nil {
			return false, err
		}
		defer os.RemoveAll(tmpDir)
		dirToVerify = extractedRoot
	}

	computed, err := snapshotChecksum(dirToVerify)
	if err != nil {
		return false, fmt.Errorf("computing tree checksum: %w", err)
	}
	if computed != record.Checksum {
		m.logger.Error("backup checksum mismatch", "backup", id)
		return false, nil
	}

	if err := m.store.MarkBackupVerified(id); err != nil {
		return false, fmt.Errorf("marking backup verified: %w", err)
	}

	m.logger.Info("backup verified", "backup", id)
	return true, nil
}

// RestoreFromBackup copies the backup's file tree (excluding the metadata
// record) into restorePath, defaulting to the original project path. The
// backup is verified first; a VerificationError blocks the restore.
func (m *BackupManager) RestoreFromBackup(id, restorePath string, dec DecryptionContext) error {
	record, err := m.store.GetBackup(id)
	if err != nil {
		return fmt.Errorf("loading backup record: %w", err)
	}
	if record == nil {
		return &NotFoundError{Kind: "backup", ID: id}
	}

	ok, err := m.VerifyBackup(id, dec)
	if err != nil {
		return err
	}
	if !ok {
		return &VerificationError{BackupID: id}
	}

	if restorePath == "" {
		restorePath = record.ProjectPath
	}

	sourceDir := record.StoragePath
	if !isDirectoryArtifact(record.StoragePath) {
		tmpDir, extractedRoot, err := m.extractArtifact(record, dec)
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmpDir)
		sourceDir = extractedRoot
	}

	if err := copyTreeExcluding(sourceDir, restorePath, metadataFileName); err != nil {
		return fmt.Errorf("restoring backup: %w", err)
	}

	m.logger.Info("backup restored", "backup", id, "path", restorePath)
	return nil
}

// DeleteBackup removes the artifact and the record. Idempotent with respect
// to an already-missing artifact.
func (m *BackupManager) DeleteBackup(id string) error {
	record, err := m.store.GetBackup(id)
	if err != nil {
		return fmt.Errorf("loading backup record: %w", err)
	}
	if record == nil {
		return &NotFoundError{Kind: "backup", ID: id}
	}

	if info, err := os.Stat(record.StoragePath); err == nil {
		if info.IsDir() {
			err = os.RemoveAll(record.StoragePath)
		} else {
			err = os.Remove(record.StoragePath)
		}
		if err != nil {
			return fmt.Errorf("removing artifact: %w", err)
		}
	}

	if m.replica != nil {
		if err := m.replica.Delete(artifactKey(record)); err != nil {
			m.logger.Warn("removing replica failed", "backup", id, "error", err)
		}
	}

	if err := m.store.DeleteBackup(id); err != nil {
		return fmt.Errorf("deleting backup record: %w", err)
	}

	m.logger.Info("backup deleted", "backup", id)
	return nil
}

// GetFileFromBackup extracts a single file's content without restoring the
// whole tree. Returns (nil, nil) if the backup holds no such file. dec is
// required for encrypted artifacts.
func (m *BackupManager) GetFileFromBackup(id, relativePath string, dec DecryptionContext) ([]byte, error) {
	record, err := m.store.GetBackup(id)
	if err != nil {
		return nil, fmt.Errorf("loading backup record: %w", err)
	}
	if record == nil {
		return nil, &NotFoundError{Kind: "backup", ID: id}
	}

	relativePath = strings.TrimPrefix(relativePath, "/")

	if isDirectoryArtifact(record.StoragePath) {
		p := filepath.Join(record.StoragePath, relativePath)
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		return data, nil
	}

	r, cleanup, err := m.openArtifact(record, dec)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return tarball.ExtractFile(r, relativePath)
}

// ListBackups returns backup records, newest first, optionally filtered by
// project path.
func (m *BackupManager) ListBackups(projectPath string, limit int) ([]*Backup, error) {
	return m.store.ListBackups(projectPath, limit)
}

// PushBackup uploads a compressed artifact to the replica store, keyed by
// backup id.
func (m *BackupManager) PushBackup(id string) error {
	record, err := m.store.GetBackup(id)
	if err != nil {
		return fmt.Errorf("loading backup record: %w", err)
	}
	if record == nil {
		return &NotFoundError{Kind: "backup", ID: id}
	}
	if m.replica == nil {
		return fmt.Errorf("no replica store configured")
	}
	if isDirectoryArtifact(record.StoragePath) {
		return fmt.Errorf("directory-form backups cannot be replicated: %s", id)
	}

	f, err := os.Open(record.StoragePath)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	if err := m.replica.Put(artifactKey(record), f, info.Size()); err != nil {
		return fmt.Errorf("uploading artifact: %w", err)
	}

	m.logger.Info("backup replicated", "backup", id)
	return nil
}

// PullBackup fetches a replicated artifact back to its recorded storage
// path, for example after the local copy was lost.
func (m *BackupManager) PullBackup(id string) error {
	record, err := m.store.GetBackup(id)
	if err != nil {
		return fmt.Errorf("loading backup record: %w", err)
	}
	if record == nil {
		return &NotFoundError{Kind: "backup", ID: id}
	}
	if m.replica == nil {
		return fmt.Errorf("no replica store configured")
	}

	if err := os.MkdirAll(filepath.Dir(record.StoragePath), 0755); err != nil {
		return fmt.Errorf("creating backup location: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(record.StoragePath), ".pull-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := m.replica.Get(artifactKey(record), tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("downloading artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, record.StoragePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving artifact into place: %w", err)
	}

	m.logger.Info("backup fetched from replica", "backup", id)
	return nil
}

// extractArtifact unpacks a compressed artifact into a fresh temp directory
// and returns the temp directory and the extracted tree root. The caller
// removes the temp directory.
func (m *BackupManager) extractArtifact(record *Backup, dec DecryptionContext) (tmpDir, root string, err error) {
	tmpDir, err = os.MkdirTemp("", "dt-verify-")
	if err != nil {
		return "", "", fmt.Errorf("creating temp directory: %w", err)
	}

	r, cleanup, err := m.openArtifact(record, dec)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", "", err
	}
	defer cleanup()

	if err := tarball.Unpack(r, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", "", fmt.Errorf("unpacking artifact: %w", err)
	}

	root, err = extractedRoot(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", "", err
	}
	return tmpDir, root, nil
}

// openArtifact opens a compressed artifact for reading, transparently
// decrypting encrypted archives. cleanup must be called when done.
func (m *BackupManager) openArtifact(record *Backup, dec DecryptionContext) (io.Reader, func(), error) {
	f, err := os.Open(record.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening artifact: %w", err)
	}

	if !isEncryptedArtifact(record.StoragePath) {
		return f, func() { f.Close() }, nil
	}

	if dec == nil {
		f.Close()
		return nil, nil, fmt.Errorf("backup %s is encrypted but no passphrase was provided", record.ID)
	}

	pr, pw := io.Pipe()
	go func() {
		err := dec.Decrypt(f, pw)
		pw.CloseWithError(err)
	}()
	return pr, func() { pr.Close(); f.Close() }, nil
}

// selectFiles applies the backup type's file selection policy.
func (m *BackupManager) selectFiles(projectPath string, typ BackupType) ([]string, error) {
	var selected []string
	err := filepath.WalkDir(projectPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p == projectPath {
				return nil
			}
			if strings.HasPrefix(name, ".") || name == backupExcludeDir {
				if typ == BackupFull {
					return filepath.SkipDir
				}
			}
			return nil
		}

		switch typ {
		case BackupFull:
			if strings.HasPrefix(name, ".") {
				return nil
			}
			selected = append(selected, p)
		case BackupConfig:
			for _, pattern := range configPatterns {
				if matchesPattern(name, pattern) {
					selected = append(selected, p)
					break
				}
			}
		case BackupPartial:
			if strings.HasSuffix(name, partialExtension) {
				selected = append(selected, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking project: %w", err)
	}
	return selected, nil
}

// matchesPattern does simple wildcard matching: *text*, *suffix, prefix*,
// or exact.
func matchesPattern(filename, pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(filename, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(filename, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(filename, pattern[:len(pattern)-1])
	default:
		return filename == pattern
	}
}

// snapshotChecksum is TreeChecksum with the metadata record excluded, so
// the stored checksum stays valid after metadata is written into the
// staging tree.
func snapshotChecksum(root string) (string, error) {
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
		if rel == metadataFileName {
			return nil
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

func writeMetadata(path string, meta *backupMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// artifactKey is the replica store key for a backup: the id plus the
// artifact's extension so the fetched file keeps its format markers.
func artifactKey(record *Backup) string {
	base := filepath.Base(record.StoragePath)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return record.ID + base[i:]
	}
	return record.ID
}

func isDirectoryArtifact(path string) bool {
	return !strings.HasSuffix(path, ".tar.gz") && !strings.HasSuffix(path, ".tar.gz.age")
}

func isEncryptedArtifact(path string) bool {
	return strings.HasSuffix(path, ".age")
}

// extractedRoot locates the single top-level directory produced by
// unpacking an artifact.
func extractedRoot(tmpDir string) (string, error) {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return "", fmt.Errorf("reading extraction directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(tmpDir, e.Name()), nil
		}
	}
	return tmpDir, nil
}

// moveTree renames src to dest, falling back to copy+remove when the rename
// crosses filesystems.
func moveTree(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	if err := copyTreeExcluding(src, dest, ""); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

// copyTreeExcluding copies the contents of src into dest, skipping the named
// top-level entry (pass "" to copy everything).
func copyTreeExcluding(src, dest, exclude string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	for _, e := range entries {
		if exclude != "" && e.Name() == exclude {
			continue
		}
		srcPath := filepath.Join(src, e.Name())
		destPath := filepath.Join(dest, e.Name())
		if e.IsDir() {
			if err := copyTreeExcluding(srcPath, destPath, ""); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, destPath); err != nil {
			return fmt.Errorf("copying %s: %w", srcPath, err)
		}
	}
	return nil
}
