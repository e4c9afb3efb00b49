package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, defaulted, validated configuration for
// one run of the daemon.
type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	REST       RESTConfig       `yaml:"rest"`
	WS         WSConfig         `yaml:"ws"`
	State      StateConfig      `yaml:"state"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Entry      EntryConfig      `yaml:"entry"`
	Guardian   GuardianConfig   `yaml:"guardian"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	History    HistoryConfig    `yaml:"history"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ExchangeConfig selects the venue and the quote currency eligible
// pairs must settle in, plus the shared rate-limit budget the gateway
// enforces.
type ExchangeConfig struct {
	Name              string  `yaml:"name"`
	QuoteCurrency     string  `yaml:"quote_currency"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// ScannerConfig holds the MarketScanner's filter thresholds and tick
// period.
type ScannerConfig struct {
	PeriodSeconds   int     `yaml:"scanner_period_s"`
	MinFundingRate  float64 `yaml:"min_funding_rate"`
	MinVolume24h    float64 `yaml:"min_volume_24h"`
	MinSpread       float64 `yaml:"min_spread"`
	StaleAfterTicks int     `yaml:"stale_after_ticks"`
}

// EntryConfig holds OrderManager entry sizing and timing.
type EntryConfig struct {
	NotionalPerEntry         float64       `yaml:"notional_per_entry"`
	JoinTimeout              time.Duration `yaml:"join_timeout"`
	AmbiguousPoll            time.Duration `yaml:"ambiguous_poll_interval"`
	AmbiguousWindow          time.Duration `yaml:"ambiguous_window"`
	ManualInterventionWindow time.Duration `yaml:"manual_intervention_window"`
}

// GuardianConfig holds the PositionGuardian's exit triggers, debounce,
// margin rebalance thresholds, and tick period.
type GuardianConfig struct {
	PeriodSeconds      int           `yaml:"guardian_period_s"`
	TickBudget         time.Duration `yaml:"tick_budget"`
	ExitFundingRate    float64       `yaml:"exit_funding_rate"`
	ExitSpread         float64       `yaml:"exit_spread"`
	NegativeFRDebounce int           `yaml:"negative_fr_debounce"`
	MarginUsageHigh    float64       `yaml:"margin_usage_high"`
	MarginUsageTarget  float64       `yaml:"margin_usage_target"`
	ExitRetryAttempts  int           `yaml:"exit_retry_attempts"`
}

// SupervisorConfig holds the Supervisor's global limits and main tick
// period.
type SupervisorConfig struct {
	PeriodSeconds    int           `yaml:"supervisor_period_s"`
	MaxOpenPositions int           `yaml:"max_open_positions"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// HistoryConfig points at an optional Postgres/TimescaleDB instance
// that records every market and position snapshot for later backtest
// and incident review. Disabled by default; the daemon runs fine
// without it.
type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 15 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/carrybot.db"
	}
	if cfg.Exchange.QuoteCurrency == "" {
		cfg.Exchange.QuoteCurrency = "USDT"
	}
	if cfg.Exchange.RequestsPerSecond == 0 {
		cfg.Exchange.RequestsPerSecond = 10
	}
	if cfg.Exchange.BurstSize == 0 {
		cfg.Exchange.BurstSize = 20
	}
	if cfg.Scanner.PeriodSeconds == 0 {
		cfg.Scanner.PeriodSeconds = 60
	}
	if cfg.Scanner.MinFundingRate == 0 {
		cfg.Scanner.MinFundingRate = 0.0003
	}
	if cfg.Scanner.MinVolume24h == 0 {
		cfg.Scanner.MinVolume24h = 10_000_000
	}
	if cfg.Scanner.MinSpread == 0 {
		cfg.Scanner.MinSpread = 0.002
	}
	if cfg.Scanner.StaleAfterTicks == 0 {
		cfg.Scanner.StaleAfterTicks = 2
	}
	if cfg.Entry.NotionalPerEntry == 0 {
		cfg.Entry.NotionalPerEntry = 1000
	}
	if cfg.Entry.JoinTimeout == 0 {
		cfg.Entry.JoinTimeout = 10 * time.Second
	}
	if cfg.Entry.AmbiguousPoll == 0 {
		cfg.Entry.AmbiguousPoll = 500 * time.Millisecond
	}
	if cfg.Entry.AmbiguousWindow == 0 {
		cfg.Entry.AmbiguousWindow = 5 * time.Second
	}
	if cfg.Entry.ManualInterventionWindow == 0 {
		cfg.Entry.ManualInterventionWindow = 30 * time.Second
	}
	if cfg.Guardian.PeriodSeconds == 0 {
		cfg.Guardian.PeriodSeconds = 10
	}
	if cfg.Guardian.TickBudget == 0 {
		cfg.Guardian.TickBudget = 8 * time.Second
	}
	if cfg.Guardian.ExitFundingRate == 0 {
		cfg.Guardian.ExitFundingRate = 0.00005
	}
	if cfg.Guardian.ExitSpread == 0 {
		cfg.Guardian.ExitSpread = -0.01
	}
	if cfg.Guardian.NegativeFRDebounce == 0 {
		cfg.Guardian.NegativeFRDebounce = 3
	}
	if cfg.Guardian.MarginUsageHigh == 0 {
		cfg.Guardian.MarginUsageHigh = 0.80
	}
	if cfg.Guardian.MarginUsageTarget == 0 {
		cfg.Guardian.MarginUsageTarget = 0.50
	}
	if cfg.Guardian.ExitRetryAttempts == 0 {
		cfg.Guardian.ExitRetryAttempts = 3
	}
	if cfg.Supervisor.PeriodSeconds == 0 {
		cfg.Supervisor.PeriodSeconds = 5
	}
	if cfg.Supervisor.MaxOpenPositions == 0 {
		cfg.Supervisor.MaxOpenPositions = 3
	}
	if cfg.Supervisor.DrainTimeout == 0 {
		cfg.Supervisor.DrainTimeout = 60 * time.Second
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Exchange.Name == "" {
		return errors.New("exchange.name is required")
	}
	if cfg.REST.BaseURL == "" {
		return errors.New("rest.base_url is required")
	}
	if cfg.Entry.NotionalPerEntry <= 0 {
		return errors.New("entry.notional_per_entry must be > 0")
	}
	if cfg.Supervisor.MaxOpenPositions <= 0 {
		return errors.New("supervisor.max_open_positions must be > 0")
	}
	if cfg.Guardian.NegativeFRDebounce <= 0 {
		return errors.New("guardian.negative_fr_debounce must be > 0")
	}
	if cfg.Guardian.MarginUsageTarget >= cfg.Guardian.MarginUsageHigh {
		return errors.New("guardian.margin_usage_target must be below margin_usage_high")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history.enabled is true")
	}
	return nil
}
