package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/livehub/internal/config"
	"github.com/dayuer/livehub/internal/redis"
)

var relayCmd = &cobra.Command{
	Use:   "relay <room_id> <message>",
	Short: "Publish a danmaku message to a redis relay channel",
	Long: `Publish one chat message in danmaku format on the redis channel a
redis relay adapter listens to. Useful for driving a hub without a live
platform collector.`,
	Args: cobra.ExactArgs(2),
	RunE: runRelay,
}

var (
	relaySource   string
	relayUser     string
	relayUsername string
	relayChannel  string
)

func init() {
	relayCmd.Flags().StringVar(&relaySource, "source", "douyin", "Platform source name")
	relayCmd.Flags().StringVarP(&relayUser, "user", "u", "cli", "External user ID")
	relayCmd.Flags().StringVar(&relayUsername, "username", "", "Display name")
	relayCmd.Flags().StringVar(&relayChannel, "channel", "", "Channel override (default livehub:relay:<source>:<room>)")
	rootCmd.AddCommand(relayCmd)
}

// relayPayload builds the danmaku frame published for one message.
func relayPayload(roomID, userID, username, message string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"message":  message,
		"user_id":  userID,
		"username": username,
		"room_id":  roomID,
	})
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	config.ApplyEnv(&cfg)

	rc, err := redis.Open(cfg.Redis)
	if err != nil {
		return err
	}
	if rc == nil {
		return fmt.Errorf("relay: %w (set redis.url in config)", redis.ErrUnavailable)
	}
	defer rc.Close()

	roomID, message := args[0], args[1]
	channel := relayChannel
	if channel == "" {
		channel = redis.RelayKey(relaySource, roomID)
	}
	payload, err := relayPayload(roomID, relayUser, relayUsername, message)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "📡 Published to %s\n", channel)
	return nil
}
