package deploy

import "time"

// TransactionStatus is the lifecycle state of a deployment transaction.
// Transitions follow a fixed graph enforced by the Ledger:
//
//	INITIALIZED → VALIDATED → IN_PROGRESS → {COMPLETED, FAILED}
//	{COMPLETED, FAILED} → ROLLED_BACK
type TransactionStatus string

const (
	StatusInitialized TransactionStatus = "INITIALIZED"
	StatusValidated   TransactionStatus = "VALIDATED"
	StatusInProgress  TransactionStatus = "IN_PROGRESS"
	StatusCompleted   TransactionStatus = "COMPLETED"
	StatusFailed      TransactionStatus = "FAILED"
	StatusRolledBack  TransactionStatus = "ROLLED_BACK"
)

// FileStatus is the deployment state of a single file within a transaction.
type FileStatus string

const (
	FilePending  FileStatus = "PENDING"
	FileDeployed FileStatus = "DEPLOYED"
	FileFailed   FileStatus = "FAILED"
)

// ValidationStatus is a validator's verdict on a single file.
// The empty string means the file has not been validated yet.
type ValidationStatus string

const (
	ValidationPass    ValidationStatus = "PASS"
	ValidationFail    ValidationStatus = "FAIL"
	ValidationWarning ValidationStatus = "WARNING"
)

// OperationType distinguishes deploy actions from their compensating rollbacks.
type OperationType string

const (
	OpDeploy   OperationType = "DEPLOY"
	OpRollback OperationType = "ROLLBACK"
)

// OperationStatus is the state of one ledger operation. A DEPLOY operation
// that has been undone transitions COMPLETED → ROLLED_BACK; all other
// transitions are IN_PROGRESS → {COMPLETED, FAILED}.
type OperationStatus string

const (
	OpInProgress OperationStatus = "IN_PROGRESS"
	OpCompleted  OperationStatus = "COMPLETED"
	OpFailed     OperationStatus = "FAILED"
	OpRolledBack OperationStatus = "ROLLED_BACK"
)

// BackupType selects which files a backup includes.
type BackupType string

const (
	BackupFull    BackupType = "FULL"
	BackupPartial BackupType = "PARTIAL"
	BackupConfig  BackupType = "CONFIG"
)

// Transaction is one deployment attempt. Rows are append-only history:
// a transaction is never deleted, only driven to a terminal status.
type Transaction struct {
	ID          string
	CreatedAt   time.Time
	UserID      string
	Status      TransactionStatus
	BackupID    string // empty until a pre-deployment backup exists
	ProjectPath string
	Description string
}

// FileRecord is one file participating in a transaction. The set of file
// records is fixed once the transaction leaves INITIALIZED/VALIDATED.
type FileRecord struct {
	ID               string
	TransactionID    string
	OriginalName     string
	SourcePath       string
	DestinationPath  string
	Status           FileStatus
	ValidationStatus ValidationStatus
	Checksum         string // of the source, computed at registration
}

// Operation is an append-only ledger entry for one attempted action on one
// file. The ledger uses COMPLETED DEPLOY operations to decide what must be
// rolled back.
type Operation struct {
	ID              string
	TransactionID   string
	FileID          string
	Type            OperationType
	SourcePath      string
	DestinationPath string
	Timestamp       time.Time
	Status          OperationStatus
	ErrorMessage    string
}

// Backup is a point-in-time project snapshot, independent of any single
// transaction.
type Backup struct {
	ID          string
	Timestamp   time.Time
	ProjectPath string
	StoragePath string
	Type        BackupType
	SizeBytes   int64
	FileCount   int
	UserID      string
	Verified    bool
	Checksum    string // tree hash of the snapshot content
}

// Diagnostic is a single structured finding from a validator.
type Diagnostic struct {
	Line    int
	Message string
	Rule    string
}

// ValidationResult is a validator's verdict on one file.
type ValidationResult struct {
	Status   ValidationStatus
	Errors   []Diagnostic
	Warnings []Diagnostic
}
