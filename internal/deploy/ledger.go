package deploy

import (
	"fmt"
	"path/filepath"
)

// Ledger owns the Transaction, FileRecord and Operation entities and
// enforces the deployment state machine. Every mutation goes through it so
// that a crash mid-deployment leaves an inspectable, resumable trail in the
// store.
type Ledger struct {
	store  Store
	logger Logger
	clock  Clock
	idgen  IDGenerator
}

// NewLedger creates a Ledger backed by the given record store.
func NewLedger(store Store, logger Logger, clock Clock, idgen IDGenerator) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		clock:  clock,
		idgen:  idgen,
	}
}

// FileValidation is one file's verdict within a ValidationReport.
type FileValidation struct {
	FileID     string
	SourcePath string
	Status     ValidationStatus
	Errors     []Diagnostic
	Warnings   []Diagnostic
}

// ValidationReport aggregates per-file validation verdicts for a
// transaction.
type ValidationReport struct {
	AllValid bool
	Files    []FileValidation
}

// CreateTransaction creates a new transaction in the INITIALIZED state and
// returns its id.
func (l *Ledger) CreateTransaction(userID, projectPath, description string) (string, error) {
	t := &Transaction{
		ID:          l.idgen.New(),
		CreatedAt:   l.clock.Now(),
		UserID:      userID,
		Status:      StatusInitialized,
		ProjectPath: projectPath,
		Description: description,
	}
	if err := l.store.CreateTransaction(t); err != nil {
		return "", fmt.Errorf("creating transaction: %w", err)
	}

	l.logger.Info("transaction created", "transaction", t.ID, "project", projectPath)
	return t.ID, nil
}

// AddFile registers a file with a transaction and returns the file id.
// Files may only be added while the transaction is INITIALIZED or VALIDATED;
// adding a file to a VALIDATED transaction reverts it to INITIALIZED so the
// new file cannot escape validation.
func (l *Ledger) AddFile(transactionID, sourcePath, destinationPath, checksum string) (string, error) {
	status, err := l.Status(transactionID)
	if err != nil {
		return "", err
	}
	if status != StatusInitialized && status != StatusValidated {
		return "", &InvalidStateError{TransactionID: transactionID, Status: status, Attempted: "add file to"}
	}

	f := &FileRecord{
		ID:              l.idgen.New(),
		TransactionID:   transactionID,
		OriginalName:    filepath.Base(sourcePath),
		SourcePath:      sourcePath,
		DestinationPath: destinationPath,
		Status:          FilePending,
		Checksum:        checksum,
	}
	if err := l.store.AddFile(f); err != nil {
		return "", fmt.Errorf("adding file: %w", err)
	}

	if status == StatusValidated {
		if err := l.store.UpdateTransactionStatus(transactionID, StatusInitialized); err != nil {
			return "", fmt.Errorf("reverting transaction for re-validation: %w", err)
		}
		l.logger.Warn("file added after validation, transaction reverted", "transaction", transactionID, "file", sourcePath)
	}

	l.logger.Debug("file registered", "transaction", transactionID, "source", sourcePath, "destination", destinationPath)
	return f.ID, nil
}

// Validate runs the validator over every registered file, records each
// verdict and its diagnostics, and transitions the transaction to VALIDATED
// iff no file failed. On a failed validation the transaction stays
// INITIALIZED so the caller can fix the inputs and validate again.
func (l *Ledger) Validate(transactionID string, v Validator) (*ValidationReport, error) {
	status, err := l.Status(transactionID)
	if err != nil {
		return nil, err
	}
	if status != StatusInitialized {
		return nil, &InvalidStateError{TransactionID: transactionID, Status: status, Attempted: "validate"}
	}

	files, err := l.store.GetTransactionFiles(transactionID)
	if err != nil {
		return nil, fmt.Errorf("loading transaction files: %w", err)
	}
	if len(files) == 0 {
		return nil, &NoFilesError{TransactionID: transactionID}
	}

	report := &ValidationReport{AllValid: true}
	updates := make([]FileValidationUpdate, 0, len(files))

	for _, f := range files {
		result, err := v.Validate(f.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("validating %s: %w", f.SourcePath, err)
		}

		if result.Status == ValidationFail {
			report.AllValid = false
		}
		report.Files = append(report.Files, FileValidation{
			FileID:     f.ID,
			SourcePath: f.SourcePath,
			Status:     result.Status,
			Errors:     result.Errors,
			Warnings:   result.Warnings,
		})
		updates = append(updates, FileValidationUpdate{
			FileID:   f.ID,
			Status:   result.Status,
			Errors:   result.Errors,
			Warnings: result.Warnings,
		})
	}

	newStatus := StatusValidated
	if !report.AllValid {
		newStatus = StatusInitialized
	}
	if err := l.store.RecordValidation(transactionID, updates, newStatus); err != nil {
		return nil, fmt.Errorf("recording validation: %w", err)
	}

	l.logger.Info("transaction validated", "transaction", transactionID, "all_valid", report.AllValid)
	return report, nil
}

// Execute deploys every file that passed validation, in registration order.
// Each file gets a DEPLOY operation opened before its I/O begins. The loop
// aborts on the first failure: remaining files are not attempted, every
// operation that reached COMPLETED in this call is rolled back through
// restorer, the transaction ends FAILED and the causal error is returned.
// On full success the transaction ends COMPLETED.
func (l *Ledger) Execute(transactionID, backupID string, deployer FileDeployer, restorer FileRestorer) error {
	status, err := l.Status(transactionID)
	if err != nil {
		return err
	}
	if status != StatusValidated {
		return &InvalidStateError{TransactionID: transactionID, Status: status, Attempted: "execute"}
	}

	if err := l.store.UpdateTransactionStatus(transactionID, StatusInProgress); err != nil {
		return fmt.Errorf("marking transaction in progress: %w", err)
	}
	if backupID != "" {
		if err := l.store.SetTransactionBackup(transactionID, backupID); err != nil {
			return fmt.Errorf("attaching backup: %w", err)
		}
	}

	files, err := l.store.GetTransactionFiles(transactionID)
	if err != nil {
		return fmt.Errorf("loading transaction files: %w", err)
	}

	var completed []*Operation
	for _, f := range files {
		if f.ValidationStatus == ValidationFail {
			continue
		}

		op, err := l.recordOperation(transactionID, f.ID, OpDeploy, f.SourcePath, f.DestinationPath)
		if err != nil {
			l.failExecution(transactionID, completed, restorer)
			return err
		}

		if deployErr := deployer.Deploy(f.SourcePath, f.DestinationPath); deployErr != nil {
			l.markOperation(op.ID, OpFailed, deployErr.Error())
			l.markFile(f.ID, FileFailed)
			l.failExecution(transactionID, completed, restorer)
			return fmt.Errorf("deploying %s: %w", f.SourcePath, deployErr)
		}

		l.markFile(f.ID, FileDeployed)
		l.markOperation(op.ID, OpCompleted, "")
		completed = append(completed, op)
	}

	if err := l.store.UpdateTransactionStatus(transactionID, StatusCompleted); err != nil {
		return fmt.Errorf("marking transaction completed: %w", err)
	}

	l.logger.Info("transaction executed", "transaction", transactionID, "files", len(completed))
	return nil
}

// Rollback undoes a COMPLETED or FAILED transaction by rolling back every
// DEPLOY operation that reached COMPLETED. Returns true and transitions the
// transaction to ROLLED_BACK only if every file rolled back cleanly; a false
// return leaves the transaction in its current terminal state with partial
// on-disk state for operator inspection.
//
// Rollback consumes archived file generations, so it is a one-shot
// operation: rolling back the same transaction twice deletes files instead
// of restoring them.
func (l *Ledger) Rollback(transactionID string, restorer FileRestorer) (bool, error) {
	status, err := l.Status(transactionID)
	if err != nil {
		return false, err
	}
	if status != StatusCompleted && status != StatusFailed {
		return false, &InvalidStateError{TransactionID: transactionID, Status: status, Attempted: "roll back"}
	}

	ops, err := l.store.GetCompletedDeployOperations(transactionID)
	if err != nil {
		return false, fmt.Errorf("loading rollback candidates: %w", err)
	}

	if !l.rollbackOperations(transactionID, ops, restorer) {
		return false, nil
	}

	if err := l.store.UpdateTransactionStatus(transactionID, StatusRolledBack); err != nil {
		return false, fmt.Errorf("marking transaction rolled back: %w", err)
	}

	l.logger.Info("transaction rolled back", "transaction", transactionID, "operations", len(ops))
	return true, nil
}

// Status returns the transaction's current state.
func (l *Ledger) Status(transactionID string) (TransactionStatus, error) {
	t, err := l.store.GetTransaction(transactionID)
	if err != nil {
		return "", fmt.Errorf("loading transaction: %w", err)
	}
	if t == nil {
		return "", &NotFoundError{Kind: "transaction", ID: transactionID}
	}
	return t.Status, nil
}

// Files returns the transaction's file records in registration order.
func (l *Ledger) Files(transactionID string) ([]*FileRecord, error) {
	if _, err := l.Status(transactionID); err != nil {
		return nil, err
	}
	return l.store.GetTransactionFiles(transactionID)
}

// CloseTransaction finalizes a transaction left IN_PROGRESS (for example
// after a crash) by marking it FAILED. Transactions already in a terminal
// state are left untouched.
func (l *Ledger) CloseTransaction(transactionID string) error {
	status, err := l.Status(transactionID)
	if err != nil {
		return err
	}
	if status == StatusInProgress {
		if err := l.store.UpdateTransactionStatus(transactionID, StatusFailed); err != nil {
			return fmt.Errorf("closing transaction: %w", err)
		}
		l.logger.Warn("in-progress transaction closed as failed", "transaction", transactionID)
	}
	return nil
}

// failExecution rolls back this call's completed operations and marks the
// transaction FAILED. Rollback problems are logged, not returned: the
// caller's error is the causal one and must be preserved.
func (l *Ledger) failExecution(transactionID string, completed []*Operation, restorer FileRestorer) {
	if len(completed) > 0 {
		if !l.rollbackOperations(transactionID, completed, restorer) {
			l.logger.Error("automatic rollback incomplete, operator intervention required", "transaction", transactionID)
		}
	}
	if err := l.store.UpdateTransactionStatus(transactionID, StatusFailed); err != nil {
		l.logger.Error("failed to mark transaction failed", "transaction", transactionID, "error", err)
	}
}

// rollbackOperations rolls back the given DEPLOY operations one by one. Each
// rollback is recorded as its own ROLLBACK operation; the undone DEPLOY
// operation transitions COMPLETED → ROLLED_BACK. Stops at the first restore
// failure and returns false.
func (l *Ledger) rollbackOperations(transactionID string, ops []*Operation, restorer FileRestorer) bool {
	for _, op := range ops {
		rb, err := l.recordOperation(transactionID, op.FileID, OpRollback, "", op.DestinationPath)
		if err != nil {
			l.logger.Error("failed to record rollback operation", "transaction", transactionID, "error", err)
			return false
		}

		if restoreErr := restorer.Restore(op.DestinationPath); restoreErr != nil {
			l.markOperation(rb.ID, OpFailed, restoreErr.Error())
			l.logger.Error("rollback failed", "destination", op.DestinationPath, "error", restoreErr)
			return false
		}

		l.markOperation(rb.ID, OpCompleted, "")
		l.markOperation(op.ID, OpRolledBack, "")
	}
	return true
}

// recordOperation appends an IN_PROGRESS ledger entry before the
// corresponding I/O begins.
func (l *Ledger) recordOperation(transactionID, fileID string, typ OperationType, source, dest string) (*Operation, error) {
	op := &Operation{
		ID:              l.idgen.New(),
		TransactionID:   transactionID,
		FileID:          fileID,
		Type:            typ,
		SourcePath:      source,
		DestinationPath: dest,
		Timestamp:       l.clock.Now(),
		Status:          OpInProgress,
	}
	if err := l.store.CreateOperation(op); err != nil {
		return nil, fmt.Errorf("recording operation: %w", err)
	}
	return op, nil
}

func (l *Ledger) markOperation(operationID string, status OperationStatus, errorMessage string) {
	if err := l.store.UpdateOperationStatus(operationID, status, errorMessage); err != nil {
		l.logger.Error("failed to update operation status", "operation", operationID, "error", err)
	}
}

func (l *Ledger) markFile(fileID string, status FileStatus) {
	if err := l.store.UpdateFileStatus(fileID, status); err != nil {
		l.logger.Error("failed to update file status", "file", fileID, "error", err)
	}
}
