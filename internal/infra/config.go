package infra

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UnitConfig describes one execution identity: a wallet plus its risk profile.
// Signals are routed to a unit by matching the bot_name column against Name.
type UnitConfig struct {
	Name                   string  `yaml:"name"`
	WalletAddress          string  `yaml:"wallet_address"`
	PrivateKeyEnv          string  `yaml:"private_key_env"`
	RiskPerTrade           float64 `yaml:"risk_per_trade"`
	MaxLeverage            float64 `yaml:"max_leverage"`
	DefaultStopDistance    float64 `yaml:"default_stop_distance"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`

	// PrivateKey is resolved from PrivateKeyEnv at load time, never from YAML.
	PrivateKey string `yaml:"-"`
}

// EngineConfig groups the loop intervals and safety thresholds shared by
// every unit's three loops.
type EngineConfig struct {
	PollIntervalSec        int     `yaml:"poll_interval_sec"`
	FillMonitorIntervalSec int     `yaml:"fill_monitor_interval_sec"`
	ReconcileIntervalSec   int     `yaml:"reconcile_interval_sec"`
	FullScanIntervalSec    int     `yaml:"full_scan_interval_sec"`
	FillLookbackDays       int     `yaml:"fill_lookback_days"`
	PnLFillScan            int     `yaml:"pnl_fill_scan"`
	StaleOrderMaxAgeHours  int     `yaml:"stale_order_max_age_hours"`
	StalenessThreshold     float64 `yaml:"staleness_threshold"`
	EnableBreakeven        bool    `yaml:"enable_breakeven"`
	CancelPartialLegs      bool    `yaml:"cancel_partial_legs"`
}

// Config holds every setting the fleet process needs. Loaded once at startup
// and treated as immutable afterwards; each unit receives its own UnitConfig.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode string `yaml:"mode"` // PAPER or LIVE
	} `yaml:"trading"`

	Venue struct {
		APIURL    string `yaml:"api_url"`
		WSURL     string `yaml:"ws_url"`
		IsMainnet bool   `yaml:"is_mainnet"`
	} `yaml:"venue"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Engine EngineConfig `yaml:"engine"`

	Fleet []UnitConfig `yaml:"fleet"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the YAML config file, resolves per-unit secrets
// from the environment, applies defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	resolveSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	e := &c.Engine
	if e.PollIntervalSec <= 0 {
		e.PollIntervalSec = 2
	}
	if e.FillMonitorIntervalSec <= 0 {
		e.FillMonitorIntervalSec = 10
	}
	if e.ReconcileIntervalSec <= 0 {
		e.ReconcileIntervalSec = 60
	}
	if e.FullScanIntervalSec <= 0 {
		e.FullScanIntervalSec = 300
	}
	if e.FillLookbackDays <= 0 {
		e.FillLookbackDays = 30
	}
	if e.PnLFillScan <= 0 {
		e.PnLFillScan = 100
	}
	if e.StaleOrderMaxAgeHours <= 0 {
		e.StaleOrderMaxAgeHours = 24
	}
	if e.StalenessThreshold <= 0 {
		e.StalenessThreshold = 0.02
	}

	for i := range c.Fleet {
		u := &c.Fleet[i]
		if u.RiskPerTrade <= 0 {
			u.RiskPerTrade = 0.01
		}
		if u.MaxLeverage <= 0 {
			u.MaxLeverage = 5.0
		}
		if u.DefaultStopDistance <= 0 {
			u.DefaultStopDistance = 0.05
		}
		if u.MaxConcurrentPositions <= 0 {
			u.MaxConcurrentPositions = 3
		}
	}
}

// resolveSecrets pulls each unit's private key from the environment.
// Keys never live in the YAML file.
func resolveSecrets(cfg *Config) {
	for i := range cfg.Fleet {
		u := &cfg.Fleet[i]
		if u.PrivateKeyEnv != "" {
			u.PrivateKey = os.Getenv(u.PrivateKeyEnv)
		}
	}
}

// Validate checks configuration validity (fail fast before any loop starts).
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case "PAPER", "LIVE":
	default:
		return fmt.Errorf("trading mode must be PAPER or LIVE, got %q", c.Trading.Mode)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if len(c.Fleet) == 0 {
		return fmt.Errorf("at least one fleet unit is required")
	}

	seen := make(map[string]bool, len(c.Fleet))
	for _, u := range c.Fleet {
		if u.Name == "" {
			return fmt.Errorf("fleet unit with empty name")
		}
		if seen[u.Name] {
			return fmt.Errorf("duplicate fleet unit name: %s", u.Name)
		}
		seen[u.Name] = true

		if u.RiskPerTrade >= 1.0 {
			return fmt.Errorf("unit %s: risk_per_trade %.2f is a fraction, not a percentage", u.Name, u.RiskPerTrade)
		}
		if c.Trading.Mode == "LIVE" && u.PrivateKey == "" {
			return fmt.Errorf("unit %s: private key missing (env %s)", u.Name, u.PrivateKeyEnv)
		}
	}

	if c.Trading.Mode == "LIVE" && c.Venue.APIURL == "" {
		return fmt.Errorf("venue api_url is required in LIVE mode")
	}

	return nil
}

// PollInterval returns the signal processor tick interval.
func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSec) * time.Second
}

// FillMonitorInterval returns the fill monitor tick interval.
func (e EngineConfig) FillMonitorInterval() time.Duration {
	return time.Duration(e.FillMonitorIntervalSec) * time.Second
}

// ReconcileInterval returns the reconciliation tick interval.
func (e EngineConfig) ReconcileInterval() time.Duration {
	return time.Duration(e.ReconcileIntervalSec) * time.Second
}

// FullScanInterval returns how often the fill monitor resets its watermark
// to re-examine the whole lookback window for missed fills.
func (e EngineConfig) FullScanInterval() time.Duration {
	return time.Duration(e.FullScanIntervalSec) * time.Second
}

// FillLookback returns the bounded window for fill matching. The venue
// recycles order identifiers periodically, so older fills are never matched.
func (e EngineConfig) FillLookback() time.Duration {
	return time.Duration(e.FillLookbackDays) * 24 * time.Hour
}

// StaleOrderMaxAge returns the age past which a sent order is abandoned.
func (e EngineConfig) StaleOrderMaxAge() time.Duration {
	return time.Duration(e.StaleOrderMaxAgeHours) * time.Hour
}
