package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DeployResult is the outcome of a DeployFiles call. Status mirrors the
// transaction's final status, with "VALIDATION_FAILED" reported when
// validation blocked execution and the transaction stayed INITIALIZED.
type DeployResult struct {
	TransactionID string
	Status        string
	BackupID      string
	Validation    *ValidationReport
	ErrorMessage  string
}

// DeploymentStatus is the joined projection of a transaction: its record,
// per-file state, the operation log and the associated backup, if any.
type DeploymentStatus struct {
	Transaction *Transaction
	Files       []*FileRecord
	Operations  []*Operation
	Backup      *Backup
}

// DeploymentSummary is one row of ListDeployments: a transaction with its
// file counts.
type DeploymentSummary struct {
	Transaction  *Transaction
	FileCount    int
	SuccessCount int
}

// Engine orchestrates the full deployment flow: transaction creation, file
// registration, validation, optional automatic backup, execution with
// per-file archival, and rollback.
type Engine struct {
	store      Store
	ledger     *Ledger
	backups    *BackupManager
	validator  Validator
	archive    *ArchiveStore
	logger     Logger
	autoBackup bool
	backupType BackupType
}

// NewEngine creates an Engine. backups may be nil when automatic backups are
// disabled.
func NewEngine(store Store, ledger *Ledger, backups *BackupManager, validator Validator, archive *ArchiveStore, logger Logger, autoBackup bool, backupType BackupType) *Engine {
	return &Engine{
		store:      store,
		ledger:     ledger,
		backups:    backups,
		validator:  validator,
		archive:    archive,
		logger:     logger,
		autoBackup: autoBackup,
		backupType: backupType,
	}
}

// DeployFiles runs the whole pipeline for one set of files: create a
// transaction, register and validate every file, take a pre-deployment
// backup when configured, then execute. Validation failure stops before any
// filesystem mutation and is reported in the result, not as an error.
func (e *Engine) DeployFiles(sourceFiles, destPaths []string, projectPath, userID, description string) (*DeployResult, error) {
	if len(sourceFiles) == 0 {
		return nil, &ArgumentError{Reason: "no source files given"}
	}
	if len(sourceFiles) != len(destPaths) {
		return nil, &ArgumentError{Reason: fmt.Sprintf("%d source files but %d destination paths", len(sourceFiles), len(destPaths))}
	}

	txnID, err := e.ledger.CreateTransaction(userID, projectPath, description)
	if err != nil {
		return nil, err
	}

	e.logger.Info("deployment started", "transaction", txnID, "files", len(sourceFiles))

	for i, src := range sourceFiles {
		checksum, err := FileChecksum(src)
		if err != nil {
			e.logger.Warn("source file not hashable", "path", src, "error", err)
			checksum = ""
		}
		if _, err := e.ledger.AddFile(txnID, src, destPaths[i], checksum); err != nil {
			return nil, err
		}
	}

	report, err := e.ledger.Validate(txnID, e.validator)
	if err != nil {
		return nil, err
	}
	if !report.AllValid {
		e.logger.Warn("deployment blocked by validation", "transaction", txnID)
		return &DeployResult{
			TransactionID: txnID,
			Status:        "VALIDATION_FAILED",
			Validation:    report,
		}, nil
	}

	backupID := ""
	if e.autoBackup && e.backups != nil {
		res, err := e.backups.CreateBackup(projectPath, e.backupType, userID, "pre-deployment backup for "+txnID, nil)
		if err != nil {
			return nil, fmt.Errorf("pre-deployment backup: %w", err)
		}
		backupID = res.ID
	}

	execErr := e.ledger.Execute(txnID, backupID, e.fileDeployer(), e.fileRestorer())

	finalStatus, err := e.ledger.Status(txnID)
	if err != nil {
		return nil, err
	}

	result := &DeployResult{
		TransactionID: txnID,
		Status:        string(finalStatus),
		BackupID:      backupID,
		Validation:    report,
	}
	if execErr != nil {
		result.ErrorMessage = execErr.Error()
	}
	return result, nil
}

// RollbackDeployment reverts a COMPLETED or FAILED transaction using the
// per-file archives captured during execution.
func (e *Engine) RollbackDeployment(transactionID string) (bool, error) {
	return e.ledger.Rollback(transactionID, e.fileRestorer())
}

// GetDeploymentStatus returns the full joined view of a transaction, or
// (nil, nil) when it does not exist.
func (e *Engine) GetDeploymentStatus(transactionID string) (*DeploymentStatus, error) {
	txn, err := e.store.GetTransaction(transactionID)
	if err != nil {
		return nil, fmt.Errorf("loading transaction: %w", err)
	}
	if txn == nil {
		return nil, nil
	}

	files, err := e.store.GetTransactionFiles(transactionID)
	if err != nil {
		return nil, fmt.Errorf("loading files: %w", err)
	}
	ops, err := e.store.GetTransactionOperations(transactionID)
	if err != nil {
		return nil, fmt.Errorf("loading operations: %w", err)
	}

	var backup *Backup
	if txn.BackupID != "" {
		backup, err = e.store.GetBackup(txn.BackupID)
		if err != nil {
			return nil, fmt.Errorf("loading backup: %w", err)
		}
	}

	return &DeploymentStatus{
		Transaction: txn,
		Files:       files,
		Operations:  ops,
		Backup:      backup,
	}, nil
}

// ListDeployments returns transactions matching the filter, newest first,
// each with its file counts.
func (e *Engine) ListDeployments(filter TransactionFilter) ([]*DeploymentSummary, error) {
	txns, err := e.store.ListTransactions(filter)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}

	summaries := make([]*DeploymentSummary, 0, len(txns))
	for _, txn := range txns {
		total, deployed, err := e.store.CountTransactionFiles(txn.ID)
		if err != nil {
			return nil, fmt.Errorf("counting files: %w", err)
		}
		summaries = append(summaries, &DeploymentSummary{
			Transaction:  txn,
			FileCount:    total,
			SuccessCount: deployed,
		})
	}
	return summaries, nil
}

// CloseStale marks IN_PROGRESS transactions older than maxAge as FAILED.
// Used on startup to fence transactions orphaned by a crash.
func (e *Engine) CloseStale(maxAge time.Duration) (int, error) {
	filter := TransactionFilter{}
	txns, err := e.store.ListTransactions(filter)
	if err != nil {
		return 0, fmt.Errorf("listing transactions: %w", err)
	}

	cutoff := e.ledger.clock.Now().Add(-maxAge)
	closed := 0
	for _, txn := range txns {
		if txn.Status != StatusInProgress || txn.CreatedAt.After(cutoff) {
			continue
		}
		if err := e.ledger.CloseTransaction(txn.ID); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

type deployerFunc func(source, dest string) error

func (f deployerFunc) Deploy(source, dest string) error { return f(source, dest) }

type restorerFunc func(dest string) error

func (f restorerFunc) Restore(dest string) error { return f(dest) }

// fileDeployer copies one file into place: archive any existing
// destination, create parent directories, copy, then verify the copy's
// checksum against the source.
func (e *Engine) fileDeployer() FileDeployer {
	return deployerFunc(func(source, dest string) error {
		want, err := FileChecksum(source)
		if err != nil {
			return fmt.Errorf("hashing source: %w", err)
		}

		if _, err := e.archive.Archive(dest); err != nil {
			return fmt.Errorf("archiving %s: %w", dest, err)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("creating destination directory: %w", err)
		}
		if err := copyFile(source, dest); err != nil {
			return fmt.Errorf("copying file: %w", err)
		}

		got, err := FileChecksum(dest)
		if err != nil {
			return fmt.Errorf("hashing destination: %w", err)
		}
		if got != want {
			return &ChecksumMismatchError{Path: dest, Want: want, Got: got}
		}
		return nil
	})
}

// fileRestorer undoes a single deployed file from its archive entry.
func (e *Engine) fileRestorer() FileRestorer {
	return restorerFunc(func(dest string) error {
		return e.archive.Restore(dest)
	})
}
