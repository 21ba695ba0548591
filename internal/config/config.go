package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig   `yaml:"log"`
	Primary    VenueConfig     `yaml:"primary"`
	Hedge      VenueConfig     `yaml:"hedge"`
	Routing    RoutingConfig   `yaml:"routing"`
	Cycle      CycleConfig     `yaml:"cycle"`
	Sizing     SizingConfig    `yaml:"sizing"`
	Thresholds ThresholdConfig `yaml:"thresholds"`
	Safety     SafetyConfig    `yaml:"safety"`
	State      StateConfig     `yaml:"state"`
	Records    RecordsConfig   `yaml:"records"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Telegram   TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// VenueConfig describes one trading venue and the instrument traded
// there. Static instrument properties live here because not every venue
// API exposes them.
type VenueConfig struct {
	Name           string        `yaml:"name"`
	Symbol         string        `yaml:"symbol"`
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	TickSize       float64       `yaml:"tick_size"`
	LotSize        float64       `yaml:"lot_size"`
	MinOrderSize   float64       `yaml:"min_order_size"`
	MakerFeeBps    float64       `yaml:"maker_fee_bps"`
	TakerFeeBps    float64       `yaml:"taker_fee_bps"`
}

type RoutingConfig struct {
	MaxSlippageBps float64 `yaml:"max_slippage_bps"`
	MaxIterations  int     `yaml:"max_iterations"`
	DepthLimit     int     `yaml:"depth_limit"`
}

type CycleConfig struct {
	EntryTimeout      time.Duration `yaml:"entry_timeout"`
	EntryPollInterval time.Duration `yaml:"entry_poll_interval"`
	HoldPollInterval  time.Duration `yaml:"hold_poll_interval"`
	MaxHoldDuration   time.Duration `yaml:"max_hold_duration"`
	CyclePause        time.Duration `yaml:"cycle_pause"`
	ImbalanceTarget   float64       `yaml:"imbalance_target"`
}

type SizingConfig struct {
	LadderUSD      []float64 `yaml:"ladder_usd"`
	AdvanceAfter   int       `yaml:"advance_after"`
	DowngradeAfter int       `yaml:"downgrade_after"`
}

// ThresholdConfig overrides the built-in regime table. Regime keys are
// stable, widening, and narrowing; absent regimes keep their defaults.
type ThresholdConfig struct {
	Window             int                       `yaml:"window"`
	MinTrendBps        float64                   `yaml:"min_trend_bps"`
	SpreadToleranceBps float64                   `yaml:"spread_tolerance_bps"`
	Entry              map[string]float64        `yaml:"entry"`
	Exit               map[string]ExitBandConfig `yaml:"exit"`
}

type ExitBandConfig struct {
	ProfitBps    float64 `yaml:"profit_bps"`
	QuickExitBps float64 `yaml:"quick_exit_bps"`
	StopLossBps  float64 `yaml:"stop_loss_bps"`
}

type SafetyConfig struct {
	MinAvailableUSD   float64       `yaml:"min_available_usd"`
	MaxMarginRatio    float64       `yaml:"max_margin_ratio"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	FlatEpsilon       float64       `yaml:"flat_epsilon"`
}

type StateConfig struct {
	SQLitePath   string `yaml:"sqlite_path"`
	JournalLimit int    `yaml:"journal_limit"`
}

type RecordsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`

	// Operator commands are polled over getUpdates; empty allowed_user_ids
	// accepts any sender in the configured chat.
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
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
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	applyVenueDefaults(&cfg.Primary, "primary")
	applyVenueDefaults(&cfg.Hedge, "hedge")
	if cfg.Routing.MaxSlippageBps == 0 {
		cfg.Routing.MaxSlippageBps = 50
	}
	if cfg.Routing.MaxIterations == 0 {
		cfg.Routing.MaxIterations = 10
	}
	if cfg.Routing.DepthLimit == 0 {
		cfg.Routing.DepthLimit = 20
	}
	if cfg.Cycle.EntryTimeout == 0 {
		cfg.Cycle.EntryTimeout = 30 * time.Second
	}
	if cfg.Cycle.EntryPollInterval == 0 {
		cfg.Cycle.EntryPollInterval = time.Second
	}
	if cfg.Cycle.HoldPollInterval == 0 {
		cfg.Cycle.HoldPollInterval = 2 * time.Second
	}
	if cfg.Cycle.MaxHoldDuration == 0 {
		cfg.Cycle.MaxHoldDuration = 15 * time.Minute
	}
	if cfg.Cycle.CyclePause == 0 {
		cfg.Cycle.CyclePause = 5 * time.Second
	}
	if cfg.Cycle.ImbalanceTarget == 0 {
		cfg.Cycle.ImbalanceTarget = 0.001
	}
	if len(cfg.Sizing.LadderUSD) == 0 {
		cfg.Sizing.LadderUSD = []float64{100, 250, 500, 1000}
	}
	if cfg.Sizing.AdvanceAfter == 0 {
		cfg.Sizing.AdvanceAfter = 3
	}
	if cfg.Sizing.DowngradeAfter == 0 {
		cfg.Sizing.DowngradeAfter = 2
	}
	if cfg.Thresholds.Window == 0 {
		cfg.Thresholds.Window = 20
	}
	if cfg.Thresholds.MinTrendBps == 0 {
		cfg.Thresholds.MinTrendBps = 10
	}
	if cfg.Thresholds.SpreadToleranceBps == 0 {
		cfg.Thresholds.SpreadToleranceBps = 1
	}
	if cfg.Safety.MaxMarginRatio == 0 {
		cfg.Safety.MaxMarginRatio = 0.8
	}
	if cfg.Safety.ReconcileInterval == 0 {
		cfg.Safety.ReconcileInterval = 30 * time.Second
	}
	if cfg.Safety.FlatEpsilon == 0 {
		cfg.Safety.FlatEpsilon = 1e-6
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/cv-hedge-bot.db"
	}
	if cfg.State.JournalLimit == 0 {
		cfg.State.JournalLimit = 200
	}
	if cfg.Records.Schema == "" {
		cfg.Records.Schema = "public"
	}
	if cfg.Records.QueueSize == 0 {
		cfg.Records.QueueSize = 256
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyVenueDefaults(v *VenueConfig, fallbackName string) {
	if v.Name == "" {
		v.Name = fallbackName
	}
	if v.Timeout == 0 {
		v.Timeout = 10 * time.Second
	}
	if v.ReconnectDelay == 0 {
		v.ReconnectDelay = 3 * time.Second
	}
	if v.PingInterval == 0 {
		v.PingInterval = 30 * time.Second
	}
	if v.WSURL == "" && v.BaseURL != "" {
		v.WSURL = deriveWSURL(v.BaseURL)
	}
}

func deriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CV_PRIMARY_API_KEY"); v != "" {
		cfg.Primary.APIKey = v
	}
	if v := os.Getenv("CV_HEDGE_API_KEY"); v != "" {
		cfg.Hedge.APIKey = v
	}
	if v := os.Getenv("CV_RECORDS_DSN"); v != "" {
		cfg.Records.DSN = v
	}
	if v := os.Getenv("CV_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CV_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func validate(cfg *Config) error {
	if err := validateVenue(&cfg.Primary, "primary"); err != nil {
		return err
	}
	if err := validateVenue(&cfg.Hedge, "hedge"); err != nil {
		return err
	}
	if cfg.Primary.Name == cfg.Hedge.Name {
		return errors.New("primary and hedge venue names must differ")
	}
	for i, notional := range cfg.Sizing.LadderUSD {
		if notional <= 0 {
			return fmt.Errorf("sizing.ladder_usd[%d] must be > 0", i)
		}
		if i > 0 && notional <= cfg.Sizing.LadderUSD[i-1] {
			return fmt.Errorf("sizing.ladder_usd must be strictly increasing at index %d", i)
		}
	}
	if cfg.Routing.MaxSlippageBps <= 0 {
		return errors.New("routing.max_slippage_bps must be > 0")
	}
	if cfg.Cycle.ImbalanceTarget <= 0 || cfg.Cycle.ImbalanceTarget >= 1 {
		return errors.New("cycle.imbalance_target must be in (0, 1)")
	}
	for regime := range cfg.Thresholds.Entry {
		if !validRegime(regime) {
			return fmt.Errorf("thresholds.entry: unknown regime %q", regime)
		}
	}
	for regime, bands := range cfg.Thresholds.Exit {
		if !validRegime(regime) {
			return fmt.Errorf("thresholds.exit: unknown regime %q", regime)
		}
		if bands.ProfitBps <= 0 || bands.StopLossBps <= 0 {
			return fmt.Errorf("thresholds.exit.%s: profit_bps and stop_loss_bps must be > 0", regime)
		}
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Records.Enabled && strings.TrimSpace(cfg.Records.DSN) == "" {
		return errors.New("records.dsn is required when records are enabled")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}

func validateVenue(v *VenueConfig, label string) error {
	if v.Symbol == "" {
		return fmt.Errorf("%s.symbol is required", label)
	}
	if v.BaseURL == "" {
		return fmt.Errorf("%s.base_url is required", label)
	}
	if v.TickSize <= 0 {
		return fmt.Errorf("%s.tick_size must be > 0", label)
	}
	if v.LotSize <= 0 {
		return fmt.Errorf("%s.lot_size must be > 0", label)
	}
	if v.MinOrderSize < 0 || v.MakerFeeBps < 0 || v.TakerFeeBps < 0 {
		return fmt.Errorf("%s fees and min order size must be >= 0", label)
	}
	return nil
}

func validRegime(name string) bool {
	switch name {
	case "stable", "widening", "narrowing":
		return true
	}
	return false
}
