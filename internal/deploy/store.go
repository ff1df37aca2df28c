package deploy

import "time"

// TransactionFilter narrows ListTransactions. Zero-value fields are ignored.
type TransactionFilter struct {
	ProjectPath string
	UserID      string
	Limit       int
}

// FileValidationUpdate carries one file's verdict into RecordValidation.
type FileValidationUpdate struct {
	FileID   string
	Status   ValidationStatus
	Errors   []Diagnostic
	Warnings []Diagnostic
}

// StoredDiagnostic is a persisted validation finding for one file.
type StoredDiagnostic struct {
	FileID    string
	Rule      string
	Status    ValidationStatus
	Line      int
	Message   string
	Timestamp time.Time
}

// Store provides an interface for the persistent record store. Methods that
// touch multiple tables must be implemented with appropriate transaction
// handling so a crash between calls leaves the store consistent.
//
// Lookup methods return (nil, nil) when no record matches.
type Store interface {
	// Transaction records

	CreateTransaction(t *Transaction) error
	GetTransaction(id string) (*Transaction, error)
	UpdateTransactionStatus(id string, status TransactionStatus) error
	SetTransactionBackup(id string, backupID string) error
	ListTransactions(filter TransactionFilter) ([]*Transaction, error)

	// File records

	AddFile(f *FileRecord) error

	// GetTransactionFiles returns a transaction's files in registration
	// order. This order is the deployment order.
	GetTransactionFiles(transactionID string) ([]*FileRecord, error)
	UpdateFileStatus(fileID string, status FileStatus) error

	// CountTransactionFiles returns the transaction's total file count and
	// how many of those files reached DEPLOYED.
	CountTransactionFiles(transactionID string) (total, deployed int, err error)

	// Validation

	// RecordValidation applies per-file verdicts, persists their
	// diagnostics, and moves the transaction to newStatus in a single
	// store transaction.
	RecordValidation(transactionID string, updates []FileValidationUpdate, newStatus TransactionStatus) error
	GetFileDiagnostics(fileID string) ([]*StoredDiagnostic, error)

	// Operations

	CreateOperation(op *Operation) error
	UpdateOperationStatus(operationID string, status OperationStatus, errorMessage string) error
	GetTransactionOperations(transactionID string) ([]*Operation, error)

	// GetCompletedDeployOperations returns DEPLOY operations with status
	// COMPLETED, in the order they were recorded. These are the rollback
	// candidates.
	GetCompletedDeployOperations(transactionID string) ([]*Operation, error)
	CountTransactionOperations(transactionID string, status OperationStatus) (int, error)

	// Backup records

	CreateBackup(b *Backup) error
	GetBackup(id string) (*Backup, error)
	MarkBackupVerified(id string) error
	DeleteBackup(id string) error
	ListBackups(projectPath string, limit int) ([]*Backup, error)

	// Close closes the underlying store connection.
	Close() error
}
