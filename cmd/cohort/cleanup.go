package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cohort/internal/mailbox"
	"github.com/ShayCichocki/cohort/internal/state"
)

var (
	cleanupForce     bool
	cleanupDryRun    bool
	cleanupKill      bool
	cleanupRunsAge   time.Duration
	cleanupSkipQueue bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clear mailbox leftovers and interrupted runs",
	Long: `Clean up after a crash or an interrupted run.

This command:
  - Deletes every key left in the mailbox (commands, results, roles, shared state)
  - Marks runs that never finished as interrupted
  - With --kill, stops worker processes those runs left alive
  - With --runs-older-than, deletes finished runs from the ledger

Do not run it while 'cohort run' is active in the same project.

Examples:
  cohort cleanup                         # Interactive cleanup with confirmation
  cohort cleanup --force --kill          # No prompt, also kill orphaned workers
  cohort cleanup --dry-run               # Show what would be removed
  cohort cleanup --runs-older-than 720h  # Also purge runs older than 30 days`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
	cleanupCmd.Flags().BoolVar(&cleanupKill, "kill", false, "Kill worker processes left by interrupted runs")
	cleanupCmd.Flags().DurationVar(&cleanupRunsAge, "runs-older-than", 0, "Delete finished runs older than this")
	cleanupCmd.Flags().BoolVar(&cleanupSkipQueue, "keep-mailbox", false, "Leave the mailbox untouched")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Mailbox.Backend == "memory" {
		cleanupSkipQueue = true
	}
	logger := newLogger(cfg, "cleanup")
	defer logger.Sync()
	ctx := context.Background()

	var mb *mailbox.Mailbox
	var keys []string
	if !cleanupSkipQueue {
		mb, err = openMailbox(ctx, cfg, cfg.Mailbox.PollInterval, logger)
		if err != nil {
			return err
		}
		defer mb.Store().Close()
		keys, err = mb.Store().Keys(ctx, "")
		if err != nil {
			return fmt.Errorf("list mailbox keys: %w", err)
		}
	}

	var db *state.DB
	var interrupted []state.InterruptedRun
	if _, err := os.Stat(cfg.State.DBPath); err == nil {
		db, err = state.Open(cfg.State.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		interrupted, err = db.InterruptedRuns(ctx)
		if err != nil {
			return fmt.Errorf("find interrupted runs: %w", err)
		}
	}

	fmt.Printf("Mailbox (%s): %d keys\n", cfg.Mailbox.Backend, len(keys))
	for _, k := range keys {
		fmt.Printf("  %s\n", k)
	}
	fmt.Printf("Interrupted runs: %d\n", len(interrupted))
	for _, r := range interrupted {
		fmt.Printf("  %s  %s  (%d live workers)\n", shortID(r.ID), truncate(r.Goal, 50), len(r.LiveWorkers))
		for _, w := range r.LiveWorkers {
			fmt.Printf("      %s %s pid %d\n", w.ID, w.Role, w.PID)
		}
	}

	if cleanupDryRun {
		fmt.Println("\nDry run, nothing removed.")
		return nil
	}
	if len(keys) == 0 && len(interrupted) == 0 && cleanupRunsAge == 0 {
		fmt.Println("\nNothing to clean up.")
		return nil
	}
	if !cleanupForce && !confirm("\nProceed with cleanup?") {
		fmt.Println("Aborted.")
		return nil
	}

	for _, r := range interrupted {
		killed, err := db.CleanRun(ctx, r, cleanupKill)
		if err != nil {
			printStatus("✗", fmt.Sprintf("Run %s: %v", shortID(r.ID), err), color.FgRed)
			continue
		}
		msg := fmt.Sprintf("Marked run %s interrupted", shortID(r.ID))
		if killed > 0 {
			msg += fmt.Sprintf(", killed %d workers", killed)
		}
		printStatus("✓", msg, color.FgGreen)
	}

	if len(keys) > 0 {
		n, err := mb.Purge(ctx)
		if err != nil {
			return fmt.Errorf("purge mailbox: %w", err)
		}
		printStatus("✓", fmt.Sprintf("Removed %d mailbox keys", n), color.FgGreen)
	}

	if db != nil && cleanupRunsAge > 0 {
		n, err := db.PurgeOldRuns(ctx, cleanupRunsAge)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Deleted %d runs older than %s", n, cleanupRunsAge), color.FgGreen)
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
