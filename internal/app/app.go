// Package app is the application layer between the CLI and the deployment
// engine. It constructs all dependencies from config and manages their
// lifecycle.
package app

import (
	"fmt"
	"os"
	"time"

	"dt-go/internal/blob"
	"dt-go/internal/config"
	"dt-go/internal/database"
	"dt-go/internal/deploy"
	"dt-go/internal/encryption"
	"dt-go/internal/validation"
)

// DTApp wires the deployment engine, backup manager and their dependencies
// from config. The caller must call Close when done.
type DTApp struct {
	cfg       *config.Config
	store     deploy.Store
	engine    *deploy.Engine
	backups   *deploy.BackupManager
	encryptor deploy.Encryptor
	logFile   *os.File
}

// NewDTApp creates a fully wired DTApp from the given config. operation
// identifies the CLI command being run (e.g. "Deploy", "Rollback") and tags
// every log line.
func NewDTApp(cfg *config.Config, operation string) (*DTApp, error) {
	store, err := database.NewStoreFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating record store: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	replica, err := blob.NewStoreFromConfig(cfg.Backup.Store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating replica store: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	clock := deploy.RealClock{}
	idgen := deploy.UUIDGenerator{}

	backups := deploy.NewBackupManager(store, deploy.BackupPolicy{
		Location:  cfg.Backup.Location,
		Compress:  cfg.Backup.Compression,
		Replicate: cfg.Backup.Replicate,
	}, enc, replica, logger, clock, idgen)

	ledger := deploy.NewLedger(store, logger, clock, idgen)
	validator := validation.New(cfg.Validation.MaxFileSize)
	archive := deploy.NewArchiveStore(clock, logger)

	engine := deploy.NewEngine(store, ledger, backups, validator, archive, logger,
		cfg.Backup.AutoBackup, deploy.BackupType(cfg.Backup.Type))

	logger.Info("application started", "operation", operation)

	return &DTApp{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		backups:   backups,
		encryptor: enc,
		logFile:   logFile,
	}, nil
}

// Config returns the loaded configuration.
func (a *DTApp) Config() *config.Config {
	return a.cfg
}

// Engine returns the deployment engine.
func (a *DTApp) Engine() *deploy.Engine {
	return a.engine
}

// Backups returns the backup manager.
func (a *DTApp) Backups() *deploy.BackupManager {
	return a.backups
}

// Encryptor returns the configured encryptor, or nil when encryption is
// disabled.
func (a *DTApp) Encryptor() deploy.Encryptor {
	return a.encryptor
}

// Close closes the record store and the log file.
func (a *DTApp) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing record store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
