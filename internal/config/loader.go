package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dayuer/livehub/internal/utils"
)

// GetConfigPath returns the default config file path (~/.livehub/config.json).
func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".livehub", "config.json")
}

// Load reads configuration from a JSON file.
// If path is empty, uses the default config path.
// If the file doesn't exist, returns DefaultConfig().
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, err
	}

	cfg := DefaultConfig() // start with defaults so zero-value fields get filled
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

// Save writes configuration to a JSON file.
// If path is empty, uses the default config path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFile(path, data, 0600)
}

// ApplyEnv fills settings from LIVEHUB_* environment variables. Values
// already set in the file win; a port equal to DefaultPort counts as unset.
func ApplyEnv(cfg *Config) {
	if cfg.Server.APIKey == "" {
		cfg.Server.APIKey = os.Getenv("LIVEHUB_API_KEY")
	}
	if v := os.Getenv("LIVEHUB_PORT"); v != "" && (cfg.Server.Port == 0 || cfg.Server.Port == DefaultPort) {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = os.Getenv("LIVEHUB_REDIS_URL")
	}
	if v := os.Getenv("LIVEHUB_PROVIDER"); v != "" && (cfg.Provider.Name == "" || cfg.Provider.Name == "echo") {
		cfg.Provider.Name = v
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = os.Getenv("LIVEHUB_MODEL")
	}
}
