package deploy

import "fmt"

// ArgumentError reports a malformed call, surfaced before any state is
// created.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string {
	return "invalid argument: " + e.Reason
}

// InvalidStateError reports an illegal transaction state transition attempt.
// The transaction's state is unchanged when this is returned.
type InvalidStateError struct {
	TransactionID string
	Status        TransactionStatus
	Attempted     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s transaction %s in %s state", e.Attempted, e.TransactionID, e.Status)
}

// NoFilesError reports an attempt to validate a transaction with no
// registered files.
type NoFilesError struct {
	TransactionID string
}

func (e *NoFilesError) Error() string {
	return fmt.Sprintf("transaction %s has no files to validate", e.TransactionID)
}

// ChecksumMismatchError reports that a deployed file's content does not match
// its source checksum.
type ChecksumMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch after deployment: %s (want %s, got %s)", e.Path, e.Want, e.Got)
}

// NotFoundError reports an unknown transaction or backup id.
type NotFoundError struct {
	Kind string // "transaction" or "backup"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// VerificationError reports that a backup failed integrity verification and
// therefore cannot be restored.
type VerificationError struct {
	BackupID string
}

func (e *VerificationError) Error() string {
	return "backup verification failed: " + e.BackupID
}
