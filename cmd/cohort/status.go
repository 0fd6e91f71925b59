package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cohort/internal/state"
	"github.com/ShayCichocki/cohort/pkg/models"
)

var (
	statusRunID string
	statusLimit int
	statusFull  bool
)

// Output modes of renderRun. Other positive values truncate to that many runes.
const (
	hideOutput = 0
	fullOutput = -1

	statusPreviewLen = 300
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs",
	Long: `Display runs recorded in the ledger (.cohort/state.db).

Shows the latest run with its workers and step outcomes, followed by a list
of earlier runs. Use --run to inspect a specific run together with the
result of every step, and --full to print those results uncut.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Show this run instead of the latest")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 5, "Number of earlier runs to list")
	statusCmd.Flags().BoolVar(&statusFull, "full", false, "Show step results in full")
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(10)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	statusStyles = map[string]lipgloss.Style{
		"done":        lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"completed":   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"ready":       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"failed":      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"aborted":     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"interrupted": lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"timeout":     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"skipped":     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"canceled":    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"started":     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	}
)

func styleStatus(s string) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(s)
	}
	return s
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.State.DBPath); os.IsNotExist(err) {
		fmt.Println("No runs recorded. Run 'cohort run <goal>' to start.")
		return nil
	}

	db, err := state.Open(cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	ctx := context.Background()
	var run *state.Run
	if statusRunID != "" {
		run, err = db.GetRun(ctx, statusRunID)
	} else {
		run, err = db.LatestRun(ctx)
	}
	if err != nil {
		return err
	}
	if run == nil {
		if statusRunID != "" {
			return fmt.Errorf("run %s not found", statusRunID)
		}
		fmt.Println("No runs recorded. Run 'cohort run <goal>' to start.")
		return nil
	}

	workers, err := db.ListWorkers(ctx, run.ID)
	if err != nil {
		return err
	}
	steps, err := db.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	outputs := hideOutput
	switch {
	case statusFull:
		outputs = fullOutput
	case statusRunID != "":
		outputs = statusPreviewLen
	}
	fmt.Println(renderRun(run, workers, steps, time.Now(), outputs))

	if statusRunID == "" && statusLimit > 0 {
		runs, err := db.ListRuns(ctx, statusLimit+1)
		if err != nil {
			return err
		}
		if len(runs) > 1 {
			fmt.Println()
			fmt.Println(headerStyle.Render("Earlier runs"))
			for _, r := range runs[1:] {
				fmt.Printf("  %s  %-11s %s ago  %s\n", shortID(r.ID), styleStatus(r.Status),
					formatDuration(time.Since(r.StartedAt)), truncate(r.Goal, 60))
			}
		}
	}
	return nil
}

// renderRun draws a run with its workers and steps inside a bordered box.
// outputs selects whether step results are listed, see hideOutput.
func renderRun(run *state.Run, workers []models.Worker, steps []models.StepResult, now time.Time, outputs int) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Run "+run.ID) + "\n")
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + valueStyle.Render(value) + "\n")
	}
	row("Goal", run.Goal)
	row("Status", styleStatus(run.Status))
	elapsed := now.Sub(run.StartedAt)
	if run.FinishedAt != nil {
		elapsed = run.FinishedAt.Sub(run.StartedAt)
	}
	row("Duration", formatDuration(elapsed))

	if len(workers) > 0 {
		b.WriteString("\n" + headerStyle.Render("Workers") + "\n")
		for _, w := range workers {
			pid := "in-process"
			if w.PID > 0 {
				pid = fmt.Sprintf("pid %d", w.PID)
			}
			fmt.Fprintf(&b, "  %-14s %-20s %s  %s\n", w.ID, truncate(string(w.Role), 20), styleStatus(string(w.Status)), pid)
		}
	}

	total := 0
	if run.Plan != nil {
		total = len(run.Plan.Steps)
	}
	if total > 0 || len(steps) > 0 {
		b.WriteString("\n" + headerStyle.Render(fmt.Sprintf("Steps (%d of %d recorded)", len(steps), total)) + "\n")
		for _, s := range steps {
			line := fmt.Sprintf("  %2d. %-18s %s", s.Index+1, truncate(string(s.Agent), 18), styleStatus(string(s.Status)))
			if s.Duration > 0 {
				line += " " + formatDuration(s.Duration)
			}
			if s.Error != "" {
				line += "  " + truncate(s.Error, 60)
			}
			b.WriteString(line + "\n")
			if outputs != hideOutput && s.Status == models.StepStatusDone {
				limit := outputs
				if outputs == fullOutput {
					limit = 0
				}
				b.WriteString(indentOutput(s.Output, limit) + "\n")
			}
		}
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
