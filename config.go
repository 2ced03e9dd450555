package refulearn

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the runtime settings of the offline layer.
type Config struct {
	BaseURL       string        `env:"BASE_URL" envDefault:"http://localhost:5000" validate:"required,url"`
	Token         string        `env:"TOKEN"`
	DataDir       string        `env:"DATA_DIR" envDefault:".refulearn"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"24h" validate:"gt=0"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"30s" validate:"gt=0"`
	RetryBase     time.Duration `env:"RETRY_BASE" envDefault:"2s" validate:"gt=0"`
	RetryMax      time.Duration `env:"RETRY_MAX" envDefault:"5m" validate:"gtefield=RetryBase"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"30s" validate:"gt=0"`
	Concurrency   int           `env:"PREFETCH_CONCURRENCY" envDefault:"4" validate:"min=1,max=32"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogDev        bool          `env:"LOG_DEV"`
}

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "REFULEARN_"

// LoadConfig reads REFULEARN_* variables on top of the defaults and
// validates the result.
func LoadConfig() (*Config, error) {
	return LoadConfigWith(nil)
}

// LoadConfigWith is LoadConfig with base (full variable names to values)
// layered between the defaults and the process environment.
func LoadConfigWith(base map[string]string) (*Config, error) {
	environ := make(map[string]string, len(base))
	for k, v := range base {
		environ[k] = v
	}
	for k, v := range env.ToMap(os.Environ()) {
		if v != "" {
			environ[k] = v
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DatabasePath is the SQLite file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "refulearn.db")
}

// OfflineOptions derives manager options from the config.
func (c *Config) OfflineOptions() *OfflineOptions {
	return &OfflineOptions{
		CacheTTL:      c.CacheTTL,
		FlushInterval: c.FlushInterval,
		RetryBase:     c.RetryBase,
		MaxBackoff:    c.RetryMax,
		PrefsDir:      c.DataDir,
	}
}
