package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.refulearn/config.toml.
// Empty fields fall back to REFULEARN_* variables and then to defaults.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Sync    ConfigSync    `toml:"sync"`
	Log     ConfigLog     `toml:"log"`
	Bridge  ConfigBridge  `toml:"bridge"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	DataDir string `toml:"data_dir"`
}

// ConfigSync holds cache and queue tuning.
type ConfigSync struct {
	CacheTTL            string `toml:"cache_ttl"`
	FlushInterval       string `toml:"flush_interval"`
	RetryBase           string `toml:"retry_base"`
	RetryMax            string `toml:"retry_max"`
	PrefetchConcurrency string `toml:"prefetch_concurrency"`
}

// ConfigLog holds logger settings.
type ConfigLog struct {
	Level string `toml:"level"`
	Dev   string `toml:"dev"`
}

// ConfigBridge holds defaults for `refulearn serve`.
type ConfigBridge struct {
	Addr   string `toml:"addr"`
	Secret string `toml:"secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.refulearn, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".refulearn")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if p := os.Getenv("REFULEARN_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configFields maps dot keys to the field they address and the environment
// variable the field feeds.
func configFields(cfg *Config) map[string]struct {
	ptr *string
	env string
} {
	type field = struct {
		ptr *string
		env string
	}
	return map[string]field{
		"default.base_url":          {&cfg.Default.BaseURL, "REFULEARN_BASE_URL"},
		"default.token":             {&cfg.Default.Token, "REFULEARN_TOKEN"},
		"default.data_dir":          {&cfg.Default.DataDir, "REFULEARN_DATA_DIR"},
		"sync.cache_ttl":            {&cfg.Sync.CacheTTL, "REFULEARN_CACHE_TTL"},
		"sync.flush_interval":       {&cfg.Sync.FlushInterval, "REFULEARN_FLUSH_INTERVAL"},
		"sync.retry_base":           {&cfg.Sync.RetryBase, "REFULEARN_RETRY_BASE"},
		"sync.retry_max":            {&cfg.Sync.RetryMax, "REFULEARN_RETRY_MAX"},
		"sync.prefetch_concurrency": {&cfg.Sync.PrefetchConcurrency, "REFULEARN_PREFETCH_CONCURRENCY"},
		"log.level":                 {&cfg.Log.Level, "REFULEARN_LOG_LEVEL"},
		"log.dev":                   {&cfg.Log.Dev, "REFULEARN_LOG_DEV"},
		"bridge.addr":               {&cfg.Bridge.Addr, ""},
		"bridge.secret":             {&cfg.Bridge.Secret, ""},
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	switch parts[0] {
	case "default", "sync", "log", "bridge":
	default:
		return fmt.Errorf("unknown config section %q (valid: default, sync, log, bridge)", parts[0])
	}
	f, ok := configFields(cfg)[key]
	if !ok {
		var valid []string
		for _, k := range configKeys() {
			if strings.HasPrefix(k, parts[0]+".") {
				valid = append(valid, k)
			}
		}
		return fmt.Errorf("unknown field %q in section [%s] (valid: %s)", parts[1], parts[0], strings.Join(valid, ", "))
	}
	*f.ptr = value
	return nil
}

// environ returns the file settings as REFULEARN_* variables.
func (c *Config) environ() map[string]string {
	out := make(map[string]string)
	for _, f := range configFields(c) {
		if f.env != "" && *f.ptr != "" {
			out[f.env] = *f.ptr
		}
	}
	return out
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "refulearn",
	Short: "RefuLearn offline cache CLI",
	Long: "Command-line interface for the RefuLearn offline-first cache.\n" +
		"Inspect and drain the sync queue, warm the cache, check progress and run the local bridge.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
