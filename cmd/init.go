package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dayuer/livehub/internal/config"
	"github.com/dayuer/livehub/internal/validator"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and rules file",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing config")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		fmt.Printf("Config already exists at %s (use --force to overwrite)\n", path)
		return nil
	}

	cfg := config.DefaultConfig()
	rulesPath := filepath.Join(filepath.Dir(path), "rules.yaml")
	cfg.Validation.RulesFile = rulesPath

	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("creating config: %w", err)
	}
	fmt.Printf("✓ Created config at %s\n", path)

	if _, err := os.Stat(rulesPath); os.IsNotExist(err) || initForce {
		if err := validator.SaveRules(rulesPath, validator.DefaultRules()); err != nil {
			return fmt.Errorf("creating rules: %w", err)
		}
		fmt.Printf("✓ Created rules at %s\n", rulesPath)
	}

	fmt.Println("\n🤖 livehub is ready!")
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Pick a response backend under \"provider\" in %s\n", path)
	fmt.Println("  2. Start: livehub serve")
	fmt.Println("  3. Connect: ws://localhost:8080/api/v1/ws/<user_id>")
	return nil
}
