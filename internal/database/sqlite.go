// Package database implements the deploy.Store interface on SQLite.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dt-go/internal/database/migrations"
	"dt-go/internal/deploy"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore is the SQLite-backed record store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the record store at path and brings its
// schema up to date. path can be ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing connection. The caller is
// responsible for the connection's configuration and schema.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the store relies on. Exported for tools and tests that need a raw
// connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to :memory: would be its own empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// SQLite ships with foreign keys off for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return db, nil
}

// Transaction records

func (s *SQLiteStore) CreateTransaction(t *deploy.Transaction) error {
	_, err := s.db.Exec(`
		INSERT INTO transactions (id, created_at, user_id, status, backup_id, project_path, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CreatedAt, t.UserID, string(t.Status), nullableString(t.BackupID), t.ProjectPath, t.Description)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTransaction(id string) (*deploy.Transaction, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, user_id, status, backup_id, project_path, description
		FROM transactions WHERE id = ?`, id)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading transaction: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTransactionStatus(id string, status deploy.TransactionStatus) error {
	res, err := s.db.Exec(`UPDATE transactions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating transaction status: %w", err)
	}
	return requireOneRow(res, "transaction", id)
}

func (s *SQLiteStore) SetTransactionBackup(id string, backupID string) error {
	res, err := s.db.Exec(`UPDATE transactions SET backup_id = ? WHERE id = ?`, backupID, id)
	if err != nil {
		return fmt.Errorf("setting transaction backup: %w", err)
	}
	return requireOneRow(res, "transaction", id)
}

func (s *SQLiteStore) ListTransactions(filter deploy.TransactionFilter) ([]*deploy.Transaction, error) {
	query := `
		SELECT id, created_at, user_id, status, backup_id, project_path, description
		FROM transactions WHERE 1=1`
	var args []any
	if filter.ProjectPath != "" {
		query += ` AND project_path = ?`
		args = append(args, filter.ProjectPath)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var result []*deploy.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// File records

func (s *SQLiteStore) AddFile(f *deploy.FileRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO files (id, transaction_id, original_name, source_path, destination_path, status, validation_status, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TransactionID, f.OriginalName, f.SourcePath, f.DestinationPath,
		string(f.Status), string(f.ValidationStatus), f.Checksum)
	if err != nil {
		return fmt.Errorf("inserting file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTransactionFiles(transactionID string) ([]*deploy.FileRecord, error) {
	// rowid order is insertion order, which is the deployment order.
	rows, err := s.db.Query(`
		SELECT id, transaction_id, original_name, source_path, destination_path, status, validation_status, checksum
		FROM files WHERE transaction_id = ? ORDER BY rowid`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("loading transaction files: %w", err)
	}
	defer rows.Close()

	var result []*deploy.FileRecord
	for rows.Next() {
		f := &deploy.FileRecord{}
		var status, validationStatus string
		if err := rows.Scan(&f.ID, &f.TransactionID, &f.OriginalName, &f.SourcePath,
			&f.DestinationPath, &status, &validationStatus, &f.Checksum); err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		f.Status = deploy.FileStatus(status)
		f.ValidationStatus = deploy.ValidationStatus(validationStatus)
		result = append(result, f)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpdateFileStatus(fileID string, status deploy.FileStatus) error {
	res, err := s.db.Exec(`UPDATE files SET status = ? WHERE id = ?`, string(status), fileID)
	if err != nil {
		return fmt.Errorf("updating file status: %w", err)
	}
	return requireOneRow(res, "file", fileID)
}

func (s *SQLiteStore) CountTransactionFiles(transactionID string) (total, deployed int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COUNT(CASE WHEN status = ? THEN 1 END)
		FROM files WHERE transaction_id = ?`,
		string(deploy.FileDeployed), transactionID).Scan(&total, &deployed)
	if err != nil {
		return 0, 0, fmt.Errorf("counting transaction files: %w", err)
	}
	return total, deployed, nil
}

// Validation

func (s *SQLiteStore) RecordValidation(transactionID string, updates []deploy.FileValidationUpdate, newStatus deploy.TransactionStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, u := range updates {
		if _, err := tx.Exec(`UPDATE files SET validation_status = ? WHERE id = ?`,
			string(u.Status), u.FileID); err != nil {
			return fmt.Errorf("updating file validation status: %w", err)
		}
		if err := insertDiagnostics(tx, u.FileID, string(deploy.ValidationFail), u.Errors, now); err != nil {
			return err
		}
		if err := insertDiagnostics(tx, u.FileID, string(deploy.ValidationWarning), u.Warnings, now); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`UPDATE transactions SET status = ? WHERE id = ?`,
		string(newStatus), transactionID); err != nil {
		return fmt.Errorf("updating transaction status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing validation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFileDiagnostics(fileID string) ([]*deploy.StoredDiagnostic, error) {
	rows, err := s.db.Query(`
		SELECT file_id, rule, status, line, message, timestamp
		FROM validation_results WHERE file_id = ? ORDER BY id`, fileID)
	if err != nil {
		return nil, fmt.Errorf("loading diagnostics: %w", err)
	}
	defer rows.Close()

	var result []*deploy.StoredDiagnostic
	for rows.Next() {
		d := &deploy.StoredDiagnostic{}
		var status string
		if err := rows.Scan(&d.FileID, &d.Rule, &status, &d.Line, &d.Message, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning diagnostic: %w", err)
		}
		d.Status = deploy.ValidationStatus(status)
		result = append(result, d)
	}
	return result, rows.Err()
}

// Operations

func (s *SQLiteStore) CreateOperation(op *deploy.Operation) error {
	_, err := s.db.Exec(`
		INSERT INTO operations (id, transaction_id, file_id, operation_type, source_path, destination_path, timestamp, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.TransactionID, op.FileID, string(op.Type), op.SourcePath,
		op.DestinationPath, op.Timestamp, string(op.Status), op.ErrorMessage)
	if err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOperationStatus(operationID string, status deploy.OperationStatus, errorMessage string) error {
	res, err := s.db.Exec(`UPDATE operations SET status = ?, error_message = ? WHERE id = ?`,
		string(status), errorMessage, operationID)
	if err != nil {
		return fmt.Errorf("updating operation status: %w", err)
	}
	return requireOneRow(res, "operation", operationID)
}

func (s *SQLiteStore) GetTransactionOperations(transactionID string) ([]*deploy.Operation, error) {
	return s.queryOperations(`
		SELECT id, transaction_id, file_id, operation_type, source_path, destination_path, timestamp, status, error_message
		FROM operations WHERE transaction_id = ? ORDER BY rowid`, transactionID)
}

func (s *SQLiteStore) GetCompletedDeployOperations(transactionID string) ([]*deploy.Operation, error) {
	return s.queryOperations(`
		SELECT id, transaction_id, file_id, operation_type, source_path, destination_path, timestamp, status, error_message
		FROM operations WHERE transaction_id = ? AND operation_type = ? AND status = ? ORDER BY rowid`,
		transactionID, string(deploy.OpDeploy), string(deploy.OpCompleted))
}

func (s *SQLiteStore) CountTransactionOperations(transactionID string, status deploy.OperationStatus) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM operations WHERE transaction_id = ? AND status = ?`,
		transactionID, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting operations: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) queryOperations(query string, args ...any) ([]*deploy.Operation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading operations: %w", err)
	}
	defer rows.Close()

	var result []*deploy.Operation
	for rows.Next() {
		op := &deploy.Operation{}
		var typ, status string
		if err := rows.Scan(&op.ID, &op.TransactionID, &op.FileID, &typ, &op.SourcePath,
			&op.DestinationPath, &op.Timestamp, &status, &op.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.Type = deploy.OperationType(typ)
		op.Status = deploy.OperationStatus(status)
		result = append(result, op)
	}
	return result, rows.Err()
}

// Backup records

func (s *SQLiteStore) CreateBackup(b *deploy.Backup) error {
	_, err := s.db.Exec(`
		INSERT INTO backups (id, timestamp, project_path, storage_path, backup_type, size_bytes, file_count, user_id, verified, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Timestamp, b.ProjectPath, b.StoragePath, string(b.Type),
		b.SizeBytes, b.FileCount, b.UserID, b.Verified, b.Checksum)
	if err != nil {
		return fmt.Errorf("inserting backup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBackup(id string) (*deploy.Backup, error) {
	row := s.db.QueryRow(`
		SELECT id, timestamp, project_path, storage_path, backup_type, size_bytes, file_count, user_id, verified, checksum
		FROM backups WHERE id = ?`, id)

	b, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading backup: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) MarkBackupVerified(id string) error {
	res, err := s.db.Exec(`UPDATE backups SET verified = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking backup verified: %w", err)
	}
	return requireOneRow(res, "backup", id)
}

func (s *SQLiteStore) DeleteBackup(id string) error {
	if _, err := s.db.Exec(`DELETE FROM backups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBackups(projectPath string, limit int) ([]*deploy.Backup, error) {
	query := `
		SELECT id, timestamp, project_path, storage_path, backup_type, size_bytes, file_count, user_id, verified, checksum
		FROM backups`
	var args []any
	if projectPath != "" {
		query += ` WHERE project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var result []*deploy.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// Path returns the database file path, or ":memory:" for in-memory stores.
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*deploy.Transaction, error) {
	t := &deploy.Transaction{}
	var status string
	var backupID sql.NullString
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.UserID, &status, &backupID,
		&t.ProjectPath, &t.Description); err != nil {
		return nil, err
	}
	t.Status = deploy.TransactionStatus(status)
	t.BackupID = backupID.String
	return t, nil
}

func scanBackup(row rowScanner) (*deploy.Backup, error) {
	b := &deploy.Backup{}
	var typ string
	if err := row.Scan(&b.ID, &b.Timestamp, &b.ProjectPath, &b.StoragePath, &typ,
		&b.SizeBytes, &b.FileCount, &b.UserID, &b.Verified, &b.Checksum); err != nil {
		return nil, err
	}
	b.Type = deploy.BackupType(typ)
	return b, nil
}

func insertDiagnostics(tx *sql.Tx, fileID, status string, diags []deploy.Diagnostic, timestamp time.Time) error {
	for _, d := range diags {
		if _, err := tx.Exec(`
			INSERT INTO validation_results (file_id, rule, status, line, message, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			fileID, d.Rule, status, d.Line, d.Message, timestamp); err != nil {
			return fmt.Errorf("inserting diagnostic: %w", err)
		}
	}
	return nil
}

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no %s with id %s", kind, id)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time check that SQLiteStore implements the store interface.
var _ deploy.Store = (*SQLiteStore)(nil)
