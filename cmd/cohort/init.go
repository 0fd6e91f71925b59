package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cohort/internal/config"
	"github.com/ShayCichocki/cohort/internal/state"
)

var (
	initForce        bool
	initWithConfig   bool
	initSkipCLICheck bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a cohort project",
	Long: `Initialize a directory for use with cohort.

This command:
  - Verifies the reasoning backend (CLI command in PATH, or an API key)
  - Creates the .cohort directory with mailbox and logs
  - Creates the run ledger (.cohort/state.db)
  - Adds .cohort/ to .gitignore when the directory is a git repository
  - Optionally writes a .cohort.yaml template

The directory argument is optional and defaults to the current directory.

Examples:
  cohort init                 # Initialize current directory
  cohort init ./myproject     # Initialize specific directory
  cohort init --with-config   # Also write .cohort.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().BoolVar(&initWithConfig, "with-config", false, "Write a .cohort.yaml template")
	initCmd.Flags().BoolVar(&initSkipCLICheck, "skip-cli-check", false, "Skip the reasoning CLI availability check")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing cohort in %s...\n\n", absPath)

	projectDir := config.ProjectDir(absPath)
	if _, err := os.Stat(projectDir); err == nil && !initForce {
		fmt.Printf("Directory already initialized. Use --force to reinitialize.\n")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Resolve(absPath)

	if err := checkReasoningBackend(cfg); err != nil {
		return err
	}

	for _, dir := range []string{projectDir, cfg.Logging.Dir, cfg.Mailbox.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .cohort directory structure", color.FgGreen)

	db, err := state.Open(cfg.State.DBPath)
	if err != nil {
		return err
	}
	err = db.Migrate()
	db.Close()
	if err != nil {
		return fmt.Errorf("migrate run ledger: %w", err)
	}
	printStatus("✓", "Created run ledger", color.FgGreen)

	if _, err := os.Stat(filepath.Join(absPath, ".git")); err == nil {
		added, err := updateGitignore(absPath)
		if err != nil {
			return fmt.Errorf("updating .gitignore: %w", err)
		}
		if added {
			printStatus("✓", "Added .cohort/ to .gitignore", color.FgGreen)
		}
	}

	if initWithConfig {
		if err := createProjectConfig(absPath); err != nil {
			return fmt.Errorf("creating project config: %w", err)
		}
		printStatus("✓", "Created "+config.ProjectConfigName+" template", color.FgGreen)
	}

	fmt.Printf("\n%s cohort initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	fmt.Println("  cohort plan \"your goal here\"   # preview the team and plan")
	fmt.Println("  cohort run \"your goal here\"    # execute it")
	return nil
}

// checkReasoningBackend reports whether the configured backend can be reached.
func checkReasoningBackend(cfg *config.Config) error {
	switch cfg.Reasoning.Backend {
	case "cli":
		if initSkipCLICheck {
			return nil
		}
		if _, err := exec.LookPath(cfg.Reasoning.Command); err != nil {
			printStatus("✗", fmt.Sprintf("%s not found in PATH", cfg.Reasoning.Command), color.FgRed)
			return fmt.Errorf("reasoning command %q not found in PATH\n\n"+
				"Install it, point reasoning.command at another CLI, or use the API backend:\n"+
				"  cohort config reasoning.backend api", cfg.Reasoning.Command)
		}
		printStatus("✓", fmt.Sprintf("%s found", cfg.Reasoning.Command), color.FgGreen)
	case "api":
		if cfg.Anthropic.UseBedrock {
			printStatus("✓", "Using AWS Bedrock credentials", color.FgGreen)
			return nil
		}
		if _, err := config.GetAPIKey(cfg); err != nil {
			printStatus("⚠", "ANTHROPIC_API_KEY not set (you can set it later)", color.FgYellow)
			return nil
		}
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}
	return nil
}

// updateGitignore appends .cohort/ to .gitignore unless it is already listed.
func updateGitignore(root string) (bool, error) {
	path := filepath.Join(root, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	entry := config.ProjectDirName + "/"
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == entry || line == config.ProjectDirName {
			return false, nil
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	_, err = fmt.Fprintf(f, "%s# cohort\n%s\n", prefix, entry)
	return err == nil, err
}

const projectConfigTemplate = `# cohort project configuration. Values here override ~/.config/cohort/config.yaml.
reasoning:
  backend: cli            # cli or api
  command: gemini
  args: ["-p", "{prompt}", "--approval-mode", "yolo"]
  timeout: 10m
  rate_per_minute: 0      # 0 disables the limiter

mailbox:
  backend: file           # file, sqlite, redis or memory (--inproc only)
  poll_interval: 100ms

orchestrator:
  ready_timeout: 30s
  step_timeout: 10m
  terminate_grace: 2s

worker:
  idle_timeout: 0s        # 0 keeps workers until the run ends

logging:
  level: info
`

func createProjectConfig(root string) error {
	path := filepath.Join(root, config.ProjectConfigName)
	if _, err := os.Stat(path); err == nil && !initForce {
		return nil
	}
	return os.WriteFile(path, []byte(projectConfigTemplate), 0644)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
