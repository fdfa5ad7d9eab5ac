package relay

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Service roles. The role is an explicit configuration value handed to
// NewService; the core never reads it from the environment.
const (
	// RoleRelay runs the relay engine plus the background sweeps.
	RoleRelay = "relay"
	// RoleJanitor runs only the ledger prune and statistics refresh loops,
	// for deployments that split maintenance out of the relay process.
	RoleJanitor = "janitor"
)

// Defaults. The failure threshold and per-send retry budget follow the
// values the production deployment ran with; both are configuration, not
// constants baked into the logic.
const (
	DefaultFailureThreshold = 3
	DefaultMaxAttempts      = 3
	DefaultSendTimeout      = 10 * time.Second
	DefaultRetryBackoff     = 500 * time.Millisecond
	DefaultQueueSize        = 64
	DefaultPruneAge         = 21 * 24 * time.Hour
	DefaultPruneInterval    = 24 * time.Hour
	DefaultStatsRefresh     = 7 * 24 * time.Hour
)

// Duration wraps time.Duration for yaml values like "10s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	DB   string `yaml:"db"`
	Role string `yaml:"role"`

	// Health tracking (legacy routes only).
	FailureThreshold int `yaml:"failure_threshold"`
	// DisableFailing gates the auto-disable sweep; when false the sweep only
	// logs what it would disable.
	DisableFailing *bool `yaml:"disable_failing"`

	// Relay attempt budget.
	MaxAttempts  int      `yaml:"max_attempts"`
	SendTimeout  Duration `yaml:"send_timeout"`
	RetryBackoff Duration `yaml:"retry_backoff"`
	QueueSize    int      `yaml:"queue_size"`

	// Background maintenance.
	PruneAge             Duration `yaml:"prune_age"`
	PruneInterval        Duration `yaml:"prune_interval"`
	StatsRefreshInterval Duration `yaml:"stats_refresh_interval"`

	Debug bool `yaml:"debug"`
}

// LoadConfig reads a yaml config file. Missing fields keep their zero value;
// callers apply defaults via WithDefaults.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WithDefaults fills zero-valued fields and returns the receiver.
func (c *Config) WithDefaults() *Config {
	if c.DB == "" {
		c.DB = "mirror.db"
	}
	if c.Role == "" {
		c.Role = RoleRelay
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.DisableFailing == nil {
		t := true
		c.DisableFailing = &t
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = Duration(DefaultSendTimeout)
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = Duration(DefaultRetryBackoff)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PruneAge <= 0 {
		c.PruneAge = Duration(DefaultPruneAge)
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = Duration(DefaultPruneInterval)
	}
	if c.StatsRefreshInterval <= 0 {
		c.StatsRefreshInterval = Duration(DefaultStatsRefresh)
	}
	return c
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleRelay, RoleJanitor:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if strings.TrimSpace(c.DB) == "" {
		return fmt.Errorf("db path is required")
	}
	return nil
}
