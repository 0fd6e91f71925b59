package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cohort/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify cohort configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/cohort/config.yaml
Project-specific overrides can be placed in .cohort.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			return setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, key := range config.Keys() {
		value, _ := cfg.Get(key)
		fmt.Printf("%s: %s\n", key, value)
	}
	fmt.Printf("reasoning.args: %q\n", cfg.Reasoning.Args)
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Printf("\n(project overrides from %s)\n", p)
	}
}

// setConfigKey sets a configuration value and saves the user config.
func setConfigKey(cfg *config.Config, key, value string) error {
	if err := cfg.Set(key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	shown, _ := cfg.Get(key)
	fmt.Printf("Set %s = %s\n", key, shown)
	return nil
}
