package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/dayuer/livehub/internal/config"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running hub",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusURL, "url", "", "Hub base URL (default from config)")
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	labelStyle = lipgloss.NewStyle().Bold(true).Width(14)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00ff9f"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// healthReport mirrors GET /health.
type healthReport struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	InstanceID  string `json:"instanceId"`
	Uptime      int    `json:"uptime"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	Redis       string `json:"redis"`
	Platforms   map[string]struct {
		Running  bool   `json:"running"`
		Error    string `json:"error"`
		Received uint64 `json:"received"`
		Refused  uint64 `json:"refused"`
	} `json:"platforms"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, err := hubBaseURL(statusURL)
	if err != nil {
		return err
	}

	report, err := fetchHealth(base)
	if err != nil {
		fmt.Println(badStyle.Render("✗ livehub unreachable at " + base))
		return err
	}
	fmt.Println(renderHealth(base, report))
	return nil
}

// hubBaseURL returns override, or the local address from the config file.
func hubBaseURL(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	config.ApplyEnv(&cfg)
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port), nil
}

func fetchHealth(base string) (healthReport, error) {
	var report healthReport
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(base, "/") + "/health")
	if err != nil {
		return report, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return report, fmt.Errorf("health check returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("decoding health: %w", err)
	}
	return report, nil
}

func renderHealth(base string, r healthReport) string {
	row := func(label, value string) string {
		return labelStyle.Render(label) + value
	}

	status := okStyle.Render("● " + r.Status)
	if r.Status != "healthy" {
		status = badStyle.Render("● " + r.Status)
	}

	lines := []string{
		titleStyle.Render("🤖 livehub") + " " + dimStyle.Render(base),
		"",
		row("Status", status),
		row("Instance", r.InstanceID),
		row("Version", r.Version),
		row("Uptime", (time.Duration(r.Uptime) * time.Second).String()),
		row("Connections", fmt.Sprint(r.Connections)),
		row("Sessions", fmt.Sprint(r.Sessions)),
	}
	if r.Redis != "" {
		lines = append(lines, row("Redis", r.Redis))
	}

	if len(r.Platforms) > 0 {
		lines = append(lines, "", titleStyle.Render("Platforms"))
		ids := make([]string, 0, len(r.Platforms))
		for id := range r.Platforms {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p := r.Platforms[id]
			mark := okStyle.Render("✓")
			if !p.Running {
				mark = dimStyle.Render("–")
			}
			if p.Error != "" {
				mark = badStyle.Render("✗")
			}
			line := fmt.Sprintf("%s %s %s", mark, labelStyle.Render(id),
				dimStyle.Render(fmt.Sprintf("received %d, refused %d", p.Received, p.Refused)))
			if p.Error != "" {
				line += " " + badStyle.Render(p.Error)
			}
			lines = append(lines, line)
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
