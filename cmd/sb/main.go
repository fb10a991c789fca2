package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"sb-go/internal/app"
	"sb-go/internal/config"
	"sb-go/internal/sb"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(app.ExitCode(err))
	}
}

// newApp reads the config and creates an SBApp. The caller must defer app.Close().
func newApp(cmd *cobra.Command) (*app.SBApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	a, err := app.NewSBApp(cfg, app.Options{StderrLevel: level})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "sb",
	Short:        "Secure incremental backups",
	SilenceUsage: true,
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

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Backup Dir: %s\n", cfg.BackupDir)
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
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Backup Dir:  %s\n", cfg.BackupDir)
		fmt.Printf("Compress:    %t\n", cfg.Backup.Compress)
		fmt.Printf("Incremental: %t\n", cfg.Backup.Incremental)
		fmt.Printf("Full every:  %d day(s)\n", cfg.Backup.FullBackupIntervalDays)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		fmt.Printf("History:     %s\n", cfg.History.Type)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup SOURCE [DEST]",
	Short: "Back up a directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		encrypt, _ := cmd.Flags().GetBool("encrypt")
		password, err := readPassword(encrypt, true)
		if err != nil {
			return err
		}

		opts := a.DefaultCreateOptions(password)
		if cmd.Flags().Changed("compress") {
			opts.Compress, _ = cmd.Flags().GetBool("compress")
		}
		if cmd.Flags().Changed("incremental") {
			opts.Incremental, _ = cmd.Flags().GetBool("incremental")
		}
		if cmd.Flags().Changed("full-interval-days") {
			days, _ := cmd.Flags().GetInt("full-interval-days")
			opts.FullBackupInterval = time.Duration(days) * 24 * time.Hour
		}

		dest := ""
		if len(args) > 1 {
			dest = args[1]
		}

		res, err := a.Backup(args[0], dest, opts)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		if res.Skipped {
			fmt.Printf("No changes since last backup (%s)\n", res.Reason)
			return nil
		}

		r := res.Record
		kind := "full"
		if r.Incremental {
			kind = "incremental"
		}
		fmt.Printf("Created %s backup %s\n", kind, r.BackupName)
		fmt.Printf("  files:    %d\n", r.FileCount)
		fmt.Printf("  artifact: %s\n", r.ArtifactPath)
		fmt.Printf("  size:     %d -> %d bytes (%.1f%% saved)\n", r.OriginalSizeBytes, r.BackupSizeBytes, r.CompressionRatio)
		fmt.Printf("  checksum: %s\n", r.Checksum)
		fmt.Printf("  metadata: %s\n", res.MetadataPath)
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore BACKUP OUTPUT_DIR",
	Short: "Restore a backup",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		prompt, _ := cmd.Flags().GetBool("password")
		password, err := readPassword(prompt || looksEncrypted(args[0]), false)
		if err != nil {
			return err
		}

		if err := a.Restore(args[0], args[1], password); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Printf("Restored %s to %s\n", args[0], args[1])
		return nil
	},
}

// verify command
var verifyCmd = &cobra.Command{
	Use:   "verify BACKUP [METADATA]",
	Short: "Verify a backup against its metadata",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		metadata := ""
		if len(args) > 1 {
			metadata = args[1]
		}

		res, err := a.Verify(args[0], metadata)
		if res != nil {
			switch res.Status {
			case sb.StatusVerified:
				fmt.Printf("OK  %s\n", args[0])
			case sb.StatusMismatched:
				fmt.Printf("BAD %s\n  expected: %s\n  actual:   %s\n", args[0], res.Expected, res.Actual)
			case sb.StatusUnverifiable:
				fmt.Printf("??  %s (no metadata; file is readable, %d bytes)\n", args[0], res.SizeBytes)
			}
		}
		if err != nil {
			return fmt.Errorf("verify failed: %w", err)
		}
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list [BACKUP_DIR]",
	Short: "List backups",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}

		records, err := a.List(dir)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No backups found.")
			return nil
		}

		for _, r := range records {
			flags := ""
			if r.Incremental {
				flags += "I"
			} else {
				flags += "F"
			}
			if r.Compressed {
				flags += "C"
			} else {
				flags += "-"
			}
			if r.Encrypted {
				flags += "E"
			} else {
				flags += "-"
			}
			fmt.Printf("%s  %s  %s  %5d files  %10d bytes  %s\n",
				flags,
				r.CreatedAt.Format("2006-01-02 15:04:05"),
				r.BackupName,
				r.FileCount,
				r.BackupSizeBytes,
				r.SourceDirectory,
			)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-8s  %s  %-10s  %-8s  %s  %s\n",
				op.ID,
				op.Kind,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Target,
				op.Detail,
			)
		}
		return nil
	},
}

// looksEncrypted reports whether a backup path carries an encryption suffix.
func looksEncrypted(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".age")
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Echo debug logs to stderr")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	backupCmd.Flags().BoolP("encrypt", "e", false, "Encrypt the backup (password from SB_PASSWORD or prompt)")
	backupCmd.Flags().BoolP("compress", "c", true, "Pack into a tar.gz instead of copying the tree")
	backupCmd.Flags().BoolP("incremental", "i", false, "Skip the run when nothing changed since the last backup")
	backupCmd.Flags().Int("full-interval-days", 0, "Force a full backup when the last one is older than this")

	restoreCmd.Flags().BoolP("password", "p", false, "Prompt for the password")

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
}
