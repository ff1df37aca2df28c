package main

import (
	"fmt"
	"os"
	"path/filepath"

	"dt-go/internal/app"
	"dt-go/internal/config"
	"dt-go/internal/deploy"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a DTApp. The caller must defer
// a.Close(). operation identifies the CLI command being run. Any
// overrides are applied to the config before wiring.
func newApp(operation string, overrides ...func(*config.Config)) (*app.DTApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}

	a, err := app.NewDTApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readPassphrase prompts for a passphrase without echoing it.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pass), nil
}

// unlockIfEncrypted prompts for a passphrase and unlocks the private key
// when artifact encryption is configured. Returns nil when it is not.
func unlockIfEncrypted(a *app.DTApp) (deploy.DecryptionContext, error) {
	enc := a.Encryptor()
	if enc == nil || !enc.IsConfigured() {
		return nil, nil
	}
	pass, err := readPassphrase("Passphrase: ")
	if err != nil {
		return nil, err
	}
	dec, err := enc.Unlock(pass)
	if err != nil {
		return nil, fmt.Errorf("unlocking private key: %w", err)
	}
	return dec, nil
}

var rootCmd = &cobra.Command{
	Use:   "dt",
	Short: "Transactional file deployment tool",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		user := os.Getenv("USER")
		cfg := config.NewConfig(user, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("User:     %s\n", user)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("User:       %s\n", cfg.User)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Backups:    %s (auto=%v, type=%s)\n", cfg.Backup.Location, cfg.Backup.AutoBackup, cfg.Backup.Type)
		fmt.Printf("Database:   %s\n", cfg.Database.Type)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		return nil
	},
}

// key command
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage encryption keys",
}

var keyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the backup encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("KeyInit")
		if err != nil {
			return err
		}
		defer a.Close()

		enc := a.Encryptor()
		if enc == nil {
			return fmt.Errorf("encryption is not enabled in config")
		}
		if enc.IsConfigured() {
			return fmt.Errorf("key pair already exists")
		}

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(pass); err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}

		fmt.Println("Key pair generated.")
		return nil
	},
}

// deploy command
var deployCmd = &cobra.Command{
	Use:   "deploy SOURCE...",
	Short: "Deploy files into a project",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destDir, _ := cmd.Flags().GetString("to")
		project, _ := cmd.Flags().GetString("project")
		description, _ := cmd.Flags().GetString("message")
		noBackup, _ := cmd.Flags().GetBool("no-backup")

		if destDir == "" {
			return fmt.Errorf("--to is required")
		}
		if project == "" {
			project = destDir
		}

		a, err := newApp("Deploy", func(cfg *config.Config) {
			if noBackup {
				cfg.Backup.AutoBackup = false
			}
		})
		if err != nil {
			return err
		}
		defer a.Close()

		sources := make([]string, 0, len(args))
		dests := make([]string, 0, len(args))
		for _, src := range args {
			abs, err := filepath.Abs(src)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			sources = append(sources, abs)
			dests = append(dests, filepath.Join(destDir, filepath.Base(abs)))
		}

		result, err := a.Engine().DeployFiles(sources, dests, project, a.Config().User, description)
		if err != nil {
			return fmt.Errorf("deployment failed: %w", err)
		}

		fmt.Printf("Transaction: %s\n", result.TransactionID)
		fmt.Printf("Status:      %s\n", result.Status)
		if result.BackupID != "" {
			fmt.Printf("Backup:      %s\n", result.BackupID)
		}
		if result.Validation != nil && !result.Validation.AllValid {
			for _, f := range result.Validation.Files {
				for _, d := range f.Errors {
					fmt.Printf("  %s: %s [%s]\n", f.SourcePath, d.Message, d.Rule)
				}
			}
		}
		if result.ErrorMessage != "" {
			fmt.Printf("Error:       %s\n", result.ErrorMessage)
		}
		return nil
	},
}

// rollback command
var rollbackCmd = &cobra.Command{
	Use:   "rollback TRANSACTION_ID",
	Short: "Roll back a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Rollback")
		if err != nil {
			return err
		}
		defer a.Close()

		ok, err := a.Engine().RollbackDeployment(args[0])
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("rollback incomplete: inspect the transaction with 'dt status %s'", args[0])
		}

		fmt.Printf("Transaction %s rolled back.\n", args[0])
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status TRANSACTION_ID",
	Short: "View deployment status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("GetDeploymentStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.Engine().GetDeploymentStatus(args[0])
		if err != nil {
			return err
		}
		if status == nil {
			fmt.Println("No such transaction.")
			return nil
		}

		t := status.Transaction
		fmt.Printf("Transaction: %s\n", t.ID)
		fmt.Printf("Status:      %s\n", t.Status)
		fmt.Printf("Project:     %s\n", t.ProjectPath)
		fmt.Printf("User:        %s\n", t.UserID)
		fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
		if t.Description != "" {
			fmt.Printf("Description: %s\n", t.Description)
		}
		if status.Backup != nil {
			fmt.Printf("Backup:      %s (%s)\n", status.Backup.ID, status.Backup.StoragePath)
		}

		if len(status.Files) > 0 {
			fmt.Println("\nFiles:")
			for _, f := range status.Files {
				fmt.Printf("  %-10s %-8s %s -> %s\n", f.Status, f.ValidationStatus, f.SourcePath, f.DestinationPath)
			}
		}
		if len(status.Operations) > 0 {
			fmt.Println("\nOperations:")
			for _, op := range status.Operations {
				line := fmt.Sprintf("  %-8s %-11s %s", op.Type, op.Status, op.DestinationPath)
				if op.ErrorMessage != "" {
					line += "  (" + op.ErrorMessage + ")"
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("ListDeployments")
		if err != nil {
			return err
		}
		defer a.Close()

		summaries, err := a.Engine().ListDeployments(deploy.TransactionFilter{
			ProjectPath: project,
			UserID:      user,
			Limit:       limit,
		})
		if err != nil {
			return err
		}

		if len(summaries) == 0 {
			fmt.Println("No deployments recorded.")
			return nil
		}

		for _, s := range summaries {
			t := s.Transaction
			fmt.Printf("%s  %-11s  %s  %d/%d files  %s\n",
				t.ID,
				t.Status,
				t.CreatedAt.Format("2006-01-02 15:04:05"),
				s.SuccessCount,
				s.FileCount,
				t.ProjectPath,
			)
		}
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create PATH",
	Short: "Create a backup of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		description, _ := cmd.Flags().GetString("message")

		a, err := newApp("CreateBackup")
		if err != nil {
			return err
		}
		defer a.Close()

		abs, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		result, err := a.Backups().CreateBackup(abs, deploy.BackupType(typ), a.Config().User, description, nil)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Printf("Backup %s created: %s (%d files, %d bytes)\n",
			result.ID, result.Path, result.FileCount, result.SizeBytes)
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify BACKUP_ID",
	Short: "Verify a backup's integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("VerifyBackup")
		if err != nil {
			return err
		}
		defer a.Close()

		dec, err := unlockIfEncrypted(a)
		if err != nil {
			return err
		}

		ok, err := a.Backups().VerifyBackup(args[0], dec)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("backup %s failed verification", args[0])
		}

		fmt.Printf("Backup %s verified.\n", args[0])
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore BACKUP_ID",
	Short: "Restore a project from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("to")

		a, err := newApp("RestoreFromBackup")
		if err != nil {
			return err
		}
		defer a.Close()

		dec, err := unlockIfEncrypted(a)
		if err != nil {
			return err
		}

		if err := a.Backups().RestoreFromBackup(args[0], target, dec); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Printf("Backup %s restored.\n", args[0])
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete BACKUP_ID",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("DeleteBackup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Backups().DeleteBackup(args[0]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}

		fmt.Printf("Backup %s deleted.\n", args[0])
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("ListBackups")
		if err != nil {
			return err
		}
		defer a.Close()

		backups, err := a.Backups().ListBackups(project, limit)
		if err != nil {
			return err
		}

		if len(backups) == 0 {
			fmt.Println("No backups recorded.")
			return nil
		}

		for _, b := range backups {
			verified := " "
			if b.Verified {
				verified = "V"
			}
			fmt.Printf("%s  %-7s  %s  %s  %d files  %s\n",
				b.ID,
				b.Type,
				verified,
				b.Timestamp.Format("2006-01-02 15:04:05"),
				b.FileCount,
				b.ProjectPath,
			)
		}
		return nil
	},
}

var backupPushCmd = &cobra.Command{
	Use:   "push BACKUP_ID",
	Short: "Upload a backup to the replica store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("PushBackup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Backups().PushBackup(args[0]); err != nil {
			return fmt.Errorf("push failed: %w", err)
		}

		fmt.Printf("Backup %s pushed.\n", args[0])
		return nil
	},
}

var backupPullCmd = &cobra.Command{
	Use:   "pull BACKUP_ID",
	Short: "Fetch a backup from the replica store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("PullBackup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Backups().PullBackup(args[0]); err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}

		fmt.Printf("Backup %s fetched.\n", args[0])
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// key subcommands
	keyCmd.AddCommand(keyInitCmd)

	// backup subcommands
	backupCmd.AddCommand(backupCreateCmd)
	backupCreateCmd.Flags().StringP("type", "t", "FULL", "Backup type: FULL, CONFIG or PARTIAL")
	backupCreateCmd.Flags().StringP("message", "m", "", "Backup description")
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupRestoreCmd.Flags().String("to", "", "Restore into this directory instead of the original project path")
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupListCmd)
	backupListCmd.Flags().String("project", "", "Filter by project path")
	backupListCmd.Flags().IntP("limit", "n", 50, "Maximum number of backups to show")
	backupCmd.AddCommand(backupPushCmd)
	backupCmd.AddCommand(backupPullCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().String("to", "", "Destination directory for the deployed files")
	deployCmd.Flags().String("project", "", "Project path (defaults to the destination directory)")
	deployCmd.Flags().StringP("message", "m", "", "Deployment description")
	deployCmd.Flags().Bool("no-backup", false, "Skip the automatic pre-deployment backup")
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().String("project", "", "Filter by project path")
	listCmd.Flags().String("user", "", "Filter by user")
	listCmd.Flags().IntP("limit", "n", 50, "Maximum number of deployments to show")
	rootCmd.AddCommand(backupCmd)
}
