package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/cohort/internal/metrics"
	"github.com/ShayCichocki/cohort/internal/reasoning"
	"github.com/ShayCichocki/cohort/internal/worker"
	"github.com/ShayCichocki/cohort/pkg/models"
)

var (
	workerID   string
	workerRole string
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve commands for one worker ID (started by 'cohort run')",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "Worker ID assigned by the orchestrator")
	workerCmd.Flags().StringVar(&workerRole, "role", "", "Role name; the role slot takes precedence when present")
	_ = workerCmd.MarkFlagRequired("id")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Mailbox.Backend == "memory" {
		return fmt.Errorf("worker processes cannot share the memory mailbox")
	}

	logger := newLogger(cfg, workerID).With(zap.String("worker_id", workerID))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := reasoning.New(ctx, cfg, metrics.NewCollector(logger), logger)
	if err != nil {
		return fmt.Errorf("create reasoning client: %w", err)
	}

	mb, err := openMailbox(ctx, cfg, cfg.Worker.PollInterval, logger)
	if err != nil {
		return err
	}
	defer mb.Store().Close()

	w := worker.New(models.WorkerID(workerID), mb, client,
		worker.WithDefaultRole(cfg.Worker.DefaultRole),
		worker.WithRole(models.RoleName(workerRole)),
		worker.WithIdleTimeout(cfg.Worker.IdleTimeout),
		worker.WithLogger(logger),
	)
	logger.Info("worker starting", zap.String("role", workerRole))
	if err := w.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		return err
	}
	logger.Info("worker stopped")
	return nil
}
