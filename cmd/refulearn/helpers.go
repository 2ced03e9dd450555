package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	refulearn "github.com/RefuLearn/refulearn/sdk/golang"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// resolveConfig layers the file settings under the environment and validates
// the result.
func resolveConfig(file *Config) (*refulearn.Config, error) {
	return refulearn.LoadConfigWith(file.environ())
}

// session is one opened cache: the store, the manager over it and the
// logger they share.
type session struct {
	cfg     *refulearn.Config
	file    *Config
	logger  *zap.Logger
	store   *refulearn.SQLiteStore
	metrics *refulearn.Metrics
	manager *refulearn.OfflineManager
}

// openSession opens the SQLite cache in the configured data dir and starts a
// manager over it. The caller must call close.
func openSession(ctx context.Context) (*session, error) {
	file, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := resolveConfig(file)
	if err != nil {
		return nil, err
	}
	logger, err := refulearn.NewLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create data directory: %w", err)
	}

	metrics := refulearn.NewMetrics("refulearn")
	store, err := refulearn.OpenSQLiteStore(cfg.DatabasePath(), &refulearn.SQLiteOptions{Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, err
	}

	client := refulearn.NewClient(cfg.BaseURL, refulearn.WithToken(cfg.Token), refulearn.WithTimeout(cfg.Timeout))
	opts := cfg.OfflineOptions()
	opts.Logger = logger
	opts.Metrics = metrics
	manager := refulearn.NewOfflineManager(store, client, opts)
	if err := manager.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if store.Rebuilt() {
		fmt.Fprintln(os.Stderr, "Local cache schema changed; the cache was rebuilt.")
	}

	return &session{
		cfg:     cfg,
		file:    file,
		logger:  logger,
		store:   store,
		metrics: metrics,
		manager: manager,
	}, nil
}

func (s *session) close() {
	s.manager.Destroy()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close store", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// printOutput writes v as JSON or YAML. JSON values such as raw payloads are
// re-decoded first so YAML output stays structured.
func printOutput(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unknown output format %q (valid: table, json, yaml)", format)
	}
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
