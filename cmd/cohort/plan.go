package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cohort/internal/planner"
	"github.com/ShayCichocki/cohort/internal/reasoning"
	"github.com/ShayCichocki/cohort/pkg/models"
)

var (
	planOutFile    string
	planShowPrompt bool
)

var planCmd = &cobra.Command{
	Use:   "plan <goal>",
	Short: "Produce a plan for a goal without running it",
	Long: `Ask the reasoning backend for a team and plan and print it as YAML.

Save the plan with --out, edit it if needed, and execute it with
'cohort run --plan <file> <goal>'.

Examples:
  cohort plan "Build a landing page"
  cohort plan --out plan.yaml "Build a landing page"
  cohort plan --prompt "Build a landing page"   # print the planning prompt only`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan to this YAML file")
	planCmd.Flags().BoolVar(&planShowPrompt, "prompt", false, "Print the planning prompt and exit")
}

func runPlan(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")
	if planShowPrompt {
		fmt.Println(planner.Prompt(goal))
		return nil
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "plan")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := reasoning.New(ctx, cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("create reasoning client: %w", err)
	}

	plan, err := planner.New(client, logger).CreatePlan(ctx, goal)
	if err != nil {
		return err
	}

	if unroutable := plan.UnroutableSteps(); len(unroutable) > 0 {
		for _, i := range unroutable {
			fmt.Fprintf(os.Stderr, "%s step %d names role %q which is not on the team; it will be skipped\n",
				color.YellowString("⚠"), i+1, plan.Steps[i].Agent)
		}
	}

	if planOutFile != "" {
		if err := planner.WritePlanFile(planOutFile, plan); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s (%s)\n", color.GreenString("✓"), planOutFile, describePlan(plan))
		return nil
	}

	data, err := planner.MarshalPlan(plan)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func describePlan(p *models.Plan) string {
	return fmt.Sprintf("%d roles, %d steps", len(p.Roster), len(p.Steps))
}
