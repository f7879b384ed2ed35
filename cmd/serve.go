package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dayuer/livehub/internal/config"
	"github.com/dayuer/livehub/internal/hub"
)

var (
	serveHost     string
	servePort     int
	serveAPIKey   string
	serveRules    string
	serveInstance string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub (WebSocket gateway, platform ingestion, HTTP API)",
	Long: `Start the livehub server with:
  - WebSocket client sessions at /api/v1/ws/{user_id}
  - Live platform adapters (webhooks, relays, Telegram)
  - Admission rules in front of the response unit
  - Admin API for platforms, rules and the response backend`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen address (default 0.0.0.0)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "HTTP port (or LIVEHUB_PORT env)")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "Admin API key (or LIVEHUB_API_KEY env)")
	serveCmd.Flags().StringVar(&serveRules, "rules", "", "Admission rules YAML file")
	serveCmd.Flags().StringVar(&serveInstance, "instance", "", "Instance ID (or LIVEHUB_INSTANCE_ID env)")
}

// resolveServeConfig applies CLI flag → config file → env var precedence.
func resolveServeConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	config.ApplyEnv(&cfg)

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("api-key") {
		cfg.Server.APIKey = serveAPIKey
	}
	if flags.Changed("rules") {
		cfg.Validation.RulesFile = serveRules
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveServeConfig(cmd)
	if err != nil {
		return err
	}

	instanceID := serveInstance
	if instanceID == "" {
		instanceID = os.Getenv("LIVEHUB_INSTANCE_ID")
	}
	var opts []hub.Option
	if instanceID != "" {
		opts = append(opts, hub.WithInstanceID(instanceID))
	}

	h, err := hub.New(cfg, opts...)
	if err != nil {
		return err
	}

	fmt.Println("🚀 Starting livehub...")
	fmt.Printf("   Instance: %s\n", h.InstanceID())
	fmt.Printf("   Persona:  %s\n", cfg.Agent.Name)
	fmt.Printf("   Model:    %s\n", h.Generator.Model())
	fmt.Printf("   Platforms: %d configured\n", len(cfg.Platforms))
	if cfg.Server.APIKey == "" {
		fmt.Println("   ⚠️ No API key set, admin routes are open")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	fmt.Println("\n👋 livehub stopped")
	return nil
}
