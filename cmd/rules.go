package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dayuer/livehub/internal/config"
	"github.com/dayuer/livehub/internal/validator"
)

var rulesFile string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect admission rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRulesForCLI()
		if err != nil {
			return err
		}
		for i, r := range rules {
			state := "on"
			if !r.Enabled {
				state = "off"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d. %-16s %-10s %-3s %s\n", i+1, r.ID, r.Kind, state, r.Name)
		}
		return nil
	},
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <text>",
	Short: "Run text through the rules offline and print the verdict",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRulesForCLI()
		if err != nil {
			return err
		}
		v := validator.New(rules)
		verdict := v.Validate("cli", strings.Join(args, " "))
		out := cmd.OutOrStdout()
		switch verdict.Action {
		case validator.ActionIgnore:
			fmt.Fprintf(out, "ignore: %s\n", verdict.Reason)
		case validator.ActionWarn:
			fmt.Fprintf(out, "warn: %s\n", verdict.Reason)
		default:
			fmt.Fprintln(out, "allow")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd, rulesCheckCmd)
	rulesCmd.PersistentFlags().StringVar(&rulesFile, "file", "", "Rules YAML (default from config, else built-in)")
}

func loadRulesForCLI() ([]validator.Rule, error) {
	path := rulesFile
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		path = cfg.Validation.RulesFile
	}
	if path == "" {
		return validator.DefaultRules(), nil
	}
	return validator.LoadRules(path)
}
