package deploy_test

import (
	"errors"
	"fmt"
	"testing"

	"dt-go/internal/deploy"
	"dt-go/internal/testutil"
)

// stubValidator returns canned verdicts keyed by source path. Unknown paths
// pass.
type stubValidator struct {
	verdicts map[string]*deploy.ValidationResult
}

func (v *stubValidator) Validate(path string) (*deploy.ValidationResult, error) {
	if r, ok := v.verdicts[path]; ok {
		return r, nil
	}
	return &deploy.ValidationResult{Status: deploy.ValidationPass}, nil
}

func passAll() *stubValidator {
	return &stubValidator{}
}

func failing(path, message string) *stubValidator {
	return &stubValidator{verdicts: map[string]*deploy.ValidationResult{
		path: {
			Status: deploy.ValidationFail,
			Errors: []deploy.Diagnostic{{Message: message, Rule: "Stub"}},
		},
	}}
}

// recordingDeployer tracks deployed destinations and fails on demand.
type recordingDeployer struct {
	deployed []string
	failOn   string
}

func (d *recordingDeployer) Deploy(source, dest string) error {
	if dest == d.failOn {
		return fmt.Errorf("injected deploy failure for %s", dest)
	}
	d.deployed = append(d.deployed, dest)
	return nil
}

// recordingRestorer tracks restored destinations and fails on demand.
type recordingRestorer struct {
	restored []string
	failOn   string
}

func (r *recordingRestorer) Restore(dest string) error {
	if dest == r.failOn {
		return fmt.Errorf("injected restore failure for %s", dest)
	}
	r.restored = append(r.restored, dest)
	return nil
}

func newTestLedger(t *testing.T) (*deploy.Ledger, deploy.Store) {
	t.Helper()
	store := testutil.NewTestStore(t)
	ledger := deploy.NewLedger(store, deploy.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
	return ledger, store
}

func createWithFiles(t *testing.T, ledger *deploy.Ledger, files ...string) string {
	t.Helper()
	txnID, err := ledger.CreateTransaction("alice", "/srv/project", "test deployment")
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	for _, f := range files {
		if _, err := ledger.AddFile(txnID, "/src/"+f, "/srv/project/"+f, "checksum-"+f); err != nil {
			t.Fatalf("AddFile(%s) error = %v", f, err)
		}
	}
	return txnID
}

func requireStatus(t *testing.T, ledger *deploy.Ledger, txnID string, want deploy.TransactionStatus) {
	t.Helper()
	got, err := ledger.Status(txnID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got != want {
		t.Fatalf("Status() = %s, want %s", got, want)
	}
}

func TestLedger_CreateTransaction(t *testing.T) {
	t.Parallel()
	ledger, store := newTestLedger(t)

	txnID, err := ledger.CreateTransaction("alice", "/srv/project", "initial rollout")
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	txn, err := store.GetTransaction(txnID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if txn == nil {
		t.Fatal("transaction not persisted")
	}
	if txn.Status != deploy.StatusInitialized {
		t.Errorf("Status = %s, want %s", txn.Status, deploy.StatusInitialized)
	}
	if txn.UserID != "alice" || txn.ProjectPath != "/srv/project" {
		t.Errorf("unexpected transaction record: %+v", txn)
	}
}

func TestLedger_Status_UnknownTransaction(t *testing.T) {
	t.Parallel()
	ledger, _ := newTestLedger(t)

	_, err := ledger.Status("no-such-id")
	var notFound *deploy.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Status() error = %v, want NotFoundError", err)
	}
}

func TestLedger_AddFile(t *testing.T) {
	t.Run("registers files in order", func(t *testing.T) {
		t.Parallel()
		ledger, store := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "b.txt", "a.txt", "c.txt")

		files, err := store.GetTransactionFiles(txnID)
		if err != nil {
			t.Fatalf("GetTransactionFiles() error = %v", err)
		}
		if len(files) != 3 {
			t.Fatalf("len(files) = %d, want 3", len(files))
		}
		want := []string{"b.txt", "a.txt", "c.txt"}
		for i, f := range files {
			if f.OriginalName != want[i] {
				t.Errorf("files[%d] = %s, want %s", i, f.OriginalName, want[i])
			}
			if f.Status != deploy.FilePending {
				t.Errorf("files[%d].Status = %s, want %s", i, f.Status, deploy.FilePending)
			}
		}
	})

	t.Run("reverts a validated transaction", func(t *testing.T) {
		t.Parallel()
		ledger, _ := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "a.txt")

		if _, err := ledger.Validate(txnID, passAll()); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		requireStatus(t, ledger, txnID, deploy.StatusValidated)

		if _, err := ledger.AddFile(txnID, "/src/late.txt", "/srv/project/late.txt", ""); err != nil {
			t.Fatalf("AddFile() error = %v", err)
		}
		requireStatus(t, ledger, txnID, deploy.StatusInitialized)
	})

	t.Run("rejected after execution", func(t *testing.T) {
		t.Parallel()
		ledger, _ := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "a.txt")
		if _, err := ledger.Validate(txnID, passAll()); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if err := ledger.Execute(txnID, "", &recordingDeployer{}, &recordingRestorer{}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		_, err := ledger.AddFile(txnID, "/src/late.txt", "/srv/project/late.txt", "")
		var invalid *deploy.InvalidStateError
		if !errors.As(err, &invalid) {
			t.Fatalf("AddFile() error = %v, want InvalidStateError", err)
		}
	})
}

func TestLedger_Validate(t *testing.T) {
	t.Run("empty transaction", func(t *testing.T) {
		t.Parallel()
		ledger, _ := newTestLedger(t)
		txnID := createWithFiles(t, ledger)

		_, err := ledger.Validate(txnID, passAll())
		var noFiles *deploy.NoFilesError
		if !errors.As(err, &noFiles) {
			t.Fatalf("Validate() error = %v, want NoFilesError", err)
		}
		requireStatus(t, ledger, txnID, deploy.StatusInitialized)
	})

	t.Run("all files pass", func(t *testing.T) {
		t.Parallel()
		ledger, store := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "a.txt", "b.txt")

		report, err := ledger.Validate(txnID, passAll())
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if !report.AllValid {
			t.Error("report.AllValid = false, want true")
		}
		requireStatus(t, ledger, txnID, deploy.StatusValidated)

		files, _ := store.GetTransactionFiles(txnID)
		for _, f := range files {
			if f.ValidationStatus != deploy.ValidationPass {
				t.Errorf("%s validation = %s, want %s", f.OriginalName, f.ValidationStatus, deploy.ValidationPass)
			}
		}
	})

	t.Run("one failing file blocks the transaction", func(t *testing.T) {
		t.Parallel()
		ledger, store := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "good.txt", "bad.txt")

		report, err := ledger.Validate(txnID, failing("/src/bad.txt", "syntax error"))
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if report.AllValid {
			t.Error("report.AllValid = true, want false")
		}
		requireStatus(t, ledger, txnID, deploy.StatusInitialized)

		// Diagnostics are persisted for later inspection.
		files, _ := store.GetTransactionFiles(txnID)
		var badID string
		for _, f := range files {
			if f.OriginalName == "bad.txt" {
				badID = f.ID
			}
		}
		diags, err := store.GetFileDiagnostics(badID)
		if err != nil {
			t.Fatalf("GetFileDiagnostics() error = %v", err)
		}
		if len(diags) != 1 || diags[0].Message != "syntax error" {
			t.Errorf("diagnostics = %+v, want one 'syntax error'", diags)
		}
	})

	t.Run("rejected outside INITIALIZED", func(t *testing.T) {
		t.Parallel()
		ledger, _ := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "a.txt")
		if _, err := ledger.Validate(txnID, passAll()); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}

		_, err := ledger.Validate(txnID, passAll())
		var invalid *deploy.InvalidStateError
		if !errors.As(err, &invalid) {
			t.Fatalf("second Validate() error = %v, want InvalidStateError", err)
		}
	})
}

func TestLedger_Execute(t *testing.T) {
	t.Run("rejected before validation", func(t *testing.T) {
		t.Parallel()
		ledger, _ := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "a.txt")

		err := ledger.Execute(txnID, "", &recordingDeployer{}, &recordingRestorer{})
		var invalid *deploy.InvalidStateError
		if !errors.As(err, &invalid) {
			t.Fatalf("Execute() error = %v, want InvalidStateError", err)
		}
	})

	t.Run("deploys every file in order", func(t *testing.T) {
		t.Parallel()
		ledger, store := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "a.txt", "b.txt")
		if _, err := ledger.Validate(txnID, passAll()); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}

		deployer := &recordingDeployer{}
		if err := ledger.Execute(txnID, "backup-1", deployer, &recordingRestorer{}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}

		requireStatus(t, ledger, txnID, deploy.StatusCompleted)
		want := []string{"/srv/project/a.txt", "/srv/project/b.txt"}
		if len(deployer.deployed) != len(want) {
			t.Fatalf("deployed %v, want %v", deployer.deployed, want)
		}
		for i := range want {
			if deployer.deployed[i] != want[i] {
				t.Errorf("deployed[%d] = %s, want %s", i, deployer.deployed[i], want[i])
			}
		}

		txn, _ := store.GetTransaction(txnID)
		if txn.BackupID != "backup-1" {
			t.Errorf("BackupID = %s, want backup-1", txn.BackupID)
		}

		ops, _ := store.GetTransactionOperations(txnID)
		if len(ops) != 2 {
			t.Fatalf("len(operations) = %d, want 2", len(ops))
		}
		for _, op := range ops {
			if op.Type != deploy.OpDeploy || op.Status != deploy.OpCompleted {
				t.Errorf("operation %+v, want completed DEPLOY", op)
			}
		}

		files, _ := store.GetTransactionFiles(txnID)
		for _, f := range files {
			if f.Status != deploy.FileDeployed {
				t.Errorf("%s status = %s, want %s", f.OriginalName, f.Status, deploy.FileDeployed)
			}
		}
	})

	t.Run("skips files that failed validation", func(t *testing.T) {
		t.Parallel()
		ledger, store := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "good.txt", "bad.txt")
		if _, err := ledger.Validate(txnID, passAll()); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		// Flip one file's verdict after the fact, keeping the transaction
		// VALIDATED. Execute must still refuse to touch the failed file.
		files, _ := store.GetTransactionFiles(txnID)
		update := []deploy.FileValidationUpdate{{FileID: files[1].ID, Status: deploy.ValidationFail}}
		if err := store.RecordValidation(txnID, update, deploy.StatusValidated); err != nil {
			t.Fatalf("RecordValidation() error = %v", err)
		}

		deployer := &recordingDeployer{}
		if err := ledger.Execute(txnID, "", deployer, &recordingRestorer{}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if len(deployer.deployed) != 1 || deployer.deployed[0] != "/srv/project/good.txt" {
			t.Errorf("deployed = %v, want only good.txt", deployer.deployed)
		}
	})

	t.Run("aborts on first failure and rolls back completed files", func(t *testing.T) {
		t.Parallel()
		ledger, store := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "a.txt", "b.txt", "c.txt")
		if _, err := ledger.Validate(txnID, passAll()); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}

		deployer := &recordingDeployer{failOn: "/srv/project/b.txt"}
		restorer := &recordingRestorer{}
		err := ledger.Execute(txnID, "", deployer, restorer)
		if err == nil {
			t.Fatal("Execute() expected error")
		}

		requireStatus(t, ledger, txnID, deploy.StatusFailed)

		// c.txt was never attempted.
		if len(deployer.deployed) != 1 || deployer.deployed[0] != "/srv/project/a.txt" {
			t.Errorf("deployed = %v, want only a.txt", deployer.deployed)
		}
		// a.txt was rolled back.
		if len(restorer.restored) != 1 || restorer.restored[0] != "/srv/project/a.txt" {
			t.Errorf("restored = %v, want only a.txt", restorer.restored)
		}

		// The ledger shows the failed DEPLOY, the rolled-back DEPLOY and its
		// compensating ROLLBACK.
		ops, _ := store.GetTransactionOperations(txnID)
		var rolledBack, failed, rollbacks int
		for _, op := range ops {
			switch {
			case op.Type == deploy.OpDeploy && op.Status == deploy.OpRolledBack:
				rolledBack++
			case op.Type == deploy.OpDeploy && op.Status == deploy.OpFailed:
				failed++
			case op.Type == deploy.OpRollback && op.Status == deploy.OpCompleted:
				rollbacks++
			}
		}
		if rolledBack != 1 || failed != 1 || rollbacks != 1 {
			t.Errorf("operation mix rolledBack=%d failed=%d rollbacks=%d, want 1/1/1", rolledBack, failed, rollbacks)
		}
	})
}

func TestLedger_Rollback(t *testing.T) {
	completed := func(t *testing.T) (*deploy.Ledger, deploy.Store, string) {
		t.Helper()
		ledger, store := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "a.txt", "b.txt")
		if _, err := ledger.Validate(txnID, passAll()); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if err := ledger.Execute(txnID, "", &recordingDeployer{}, &recordingRestorer{}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		return ledger, store, txnID
	}

	t.Run("rolls back a completed transaction", func(t *testing.T) {
		t.Parallel()
		ledger, store, txnID := completed(t)

		restorer := &recordingRestorer{}
		ok, err := ledger.Rollback(txnID, restorer)
		if err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if !ok {
			t.Fatal("Rollback() = false, want true")
		}
		requireStatus(t, ledger, txnID, deploy.StatusRolledBack)
		if len(restorer.restored) != 2 {
			t.Errorf("restored %d files, want 2", len(restorer.restored))
		}

		ops, _ := store.GetCompletedDeployOperations(txnID)
		if len(ops) != 0 {
			t.Errorf("completed DEPLOY operations remain after rollback: %d", len(ops))
		}
	})

	t.Run("restore failure leaves terminal state", func(t *testing.T) {
		t.Parallel()
		ledger, _, txnID := completed(t)

		restorer := &recordingRestorer{failOn: "/srv/project/a.txt"}
		ok, err := ledger.Rollback(txnID, restorer)
		if err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if ok {
			t.Fatal("Rollback() = true, want false")
		}
		requireStatus(t, ledger, txnID, deploy.StatusCompleted)
	})

	t.Run("rejected for non-terminal transaction", func(t *testing.T) {
		t.Parallel()
		ledger, _ := newTestLedger(t)
		txnID := createWithFiles(t, ledger, "a.txt")

		_, err := ledger.Rollback(txnID, &recordingRestorer{})
		var invalid *deploy.InvalidStateError
		if !errors.As(err, &invalid) {
			t.Fatalf("Rollback() error = %v, want InvalidStateError", err)
		}
	})

	t.Run("rolled back transaction cannot roll back again", func(t *testing.T) {
		t.Parallel()
		ledger, _, txnID := completed(t)

		if ok, err := ledger.Rollback(txnID, &recordingRestorer{}); err != nil || !ok {
			t.Fatalf("first Rollback() = %v, %v", ok, err)
		}

		_, err := ledger.Rollback(txnID, &recordingRestorer{})
		var invalid *deploy.InvalidStateError
		if !errors.As(err, &invalid) {
			t.Fatalf("second Rollback() error = %v, want InvalidStateError", err)
		}
	})
}

func TestLedger_CloseTransaction(t *testing.T) {
	t.Parallel()
	ledger, store := newTestLedger(t)
	txnID := createWithFiles(t, ledger, "a.txt")
	if _, err := ledger.Validate(txnID, passAll()); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	// Simulate a crash mid-execution.
	if err := store.UpdateTransactionStatus(txnID, deploy.StatusInProgress); err != nil {
		t.Fatalf("UpdateTransactionStatus() error = %v", err)
	}

	if err := ledger.CloseTransaction(txnID); err != nil {
		t.Fatalf("CloseTransaction() error = %v", err)
	}
	requireStatus(t, ledger, txnID, deploy.StatusFailed)

	// Terminal transactions are left untouched.
	if err := ledger.CloseTransaction(txnID); err != nil {
		t.Fatalf("second CloseTransaction() error = %v", err)
	}
	requireStatus(t, ledger, txnID, deploy.StatusFailed)
}
