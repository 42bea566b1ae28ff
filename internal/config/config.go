package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log          LoggingConfig      `yaml:"log"`
	Session      SessionConfig      `yaml:"session"`
	Feed         FeedConfig         `yaml:"feed"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Execution    ExecutionConfig    `yaml:"execution"`
	State        StateConfig        `yaml:"state"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Engine       EngineConfig       `yaml:"engine"`
	Sides        SidesConfig        `yaml:"sides"`
	Universe     []InstrumentConfig `yaml:"universe"`
	UniversePath string             `yaml:"universe_path"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Timescale    TimescaleConfig    `yaml:"timescale"`
	Telegram     TelegramConfig     `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type SessionConfig struct {
	Timezone  string `yaml:"timezone"`
	SquareOff string `yaml:"square_off"`
}

// Location resolves the exchange timezone; callers run after validate, so the
// fallback only matters for hand-built configs in tests.
func (s SessionConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SquareOffClock returns the hour and minute of the daily square-off.
func (s SessionConfig) SquareOffClock() (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s.SquareOff))
	if err != nil {
		return 0, 0, fmt.Errorf("session.square_off %q: %w", s.SquareOff, err)
	}
	return t.Hour(), t.Minute(), nil
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type GatewayConfig struct {
	Mode    string        `yaml:"mode"`
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type ExecutionConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type AdmissionConfig struct {
	Backend            string        `yaml:"backend"`
	KeyPrefix          string        `yaml:"key_prefix"`
	MaxTradesPerSymbol int           `yaml:"max_trades_per_symbol"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
	RedisURL           string        `yaml:"redis_url"`
	BadgerPath         string        `yaml:"badger_path"`
}

type EngineConfig struct {
	MailboxSize     int `yaml:"mailbox_size"`
	AnalysisWorkers int `yaml:"analysis_workers"`
	AnalysisQueue   int `yaml:"analysis_queue"`
	ExecWorkers     int `yaml:"exec_workers"`
	ExecQueue       int `yaml:"exec_queue"`
}

type SidesConfig struct {
	Bull    SideConfig `yaml:"bull"`
	Bear    SideConfig `yaml:"bear"`
	MomBull SideConfig `yaml:"mom_bull"`
	MomBear SideConfig `yaml:"mom_bear"`
}

// SideKeys lists the strategy sides in evaluation order.
var SideKeys = []string{"bull", "bear", "mom_bull", "mom_bear"}

func (s *SidesConfig) ByKey(key string) (*SideConfig, bool) {
	switch key {
	case "bull":
		return &s.Bull, true
	case "bear":
		return &s.Bear, true
	case "mom_bull":
		return &s.MomBull, true
	case "mom_bear":
		return &s.MomBear, true
	}
	return nil, false
}

// SideConfig holds one side's limits. RiskTiers, when set, overrides
// RiskPerTrade by trade number of the day: entry n risks RiskTiers[n-1] and
// later entries reuse the last tier.
type SideConfig struct {
	Enabled         bool         `yaml:"enabled"`
	DailyTradeLimit int          `yaml:"daily_trade_limit"`
	RiskPerTrade    float64      `yaml:"risk_per_trade"`
	RiskTiers       []float64    `yaml:"risk_per_trade_tiers"`
	RiskReward      Ratio        `yaml:"risk_reward"`
	TrailingStop    Ratio        `yaml:"trailing_stop"`
	MaxExtensionPct float64      `yaml:"max_extension_pct"`
	VolumeMatrix    []VolumeTier `yaml:"volume_matrix"`
}

// VolumeTier keys keep the names used by the dashboard forms.
type VolumeTier struct {
	MinAverageVolume float64 `yaml:"min_sma_avg"`
	VolumeMultiplier float64 `yaml:"sma_multiplier"`
	MinTurnover      float64 `yaml:"min_vol_price_cr"`
}

type InstrumentConfig struct {
	Token     string  `yaml:"token"`
	Symbol    string  `yaml:"symbol"`
	PrevHigh  float64 `yaml:"pdh"`
	PrevLow   float64 `yaml:"pdl"`
	PrevClose float64 `yaml:"prev_close"`
	VolumeSMA float64 `yaml:"sma"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
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
	if cfg.UniversePath != "" {
		extra, err := LoadUniverse(cfg.UniversePath)
		if err != nil {
			return nil, err
		}
		cfg.Universe = append(cfg.Universe, extra...)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// LoadUniverse reads a YAML list of instruments with their reference levels.
func LoadUniverse(path string) ([]InstrumentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []InstrumentConfig
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("universe %s: %w", path, err)
	}
	return out, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.Session.Timezone == "" {
		cfg.Session.Timezone = "Asia/Kolkata"
	}
	if cfg.Session.SquareOff == "" {
		cfg.Session.SquareOff = "15:15"
	}
	if cfg.Feed.URL == "" {
		cfg.Feed.URL = "ws://127.0.0.1:8765/ticks"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 20 * time.Second
	}
	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = "paper"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Execution.Attempts == 0 {
		cfg.Execution.Attempts = 1
	}
	if cfg.Execution.Backoff == 0 {
		cfg.Execution.Backoff = 200 * time.Millisecond
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/breakout-bot.db"
	}
	if cfg.Admission.Backend == "" {
		cfg.Admission.Backend = "sqlite"
	}
	if cfg.Admission.KeyPrefix == "" {
		cfg.Admission.KeyPrefix = "nexus"
	}
	if cfg.Admission.MaxTradesPerSymbol == 0 {
		cfg.Admission.MaxTradesPerSymbol = 2
	}
	if cfg.Admission.LockTTL == 0 {
		cfg.Admission.LockTTL = 30 * time.Minute
	}
	if cfg.Admission.BadgerPath == "" {
		cfg.Admission.BadgerPath = "data/admission"
	}
	if cfg.Engine.MailboxSize == 0 {
		cfg.Engine.MailboxSize = 256
	}
	if cfg.Engine.AnalysisWorkers == 0 {
		cfg.Engine.AnalysisWorkers = 4
	}
	if cfg.Engine.AnalysisQueue == 0 {
		cfg.Engine.AnalysisQueue = 1024
	}
	if cfg.Engine.ExecWorkers == 0 {
		cfg.Engine.ExecWorkers = 8
	}
	if cfg.Engine.ExecQueue == 0 {
		cfg.Engine.ExecQueue = 256
	}
	for _, key := range SideKeys {
		side, _ := cfg.Sides.ByKey(key)
		applySideDefaults(side)
	}
	for i := range cfg.Universe {
		cfg.Universe[i].Token = strings.TrimSpace(cfg.Universe[i].Token)
		cfg.Universe[i].Symbol = strings.ToUpper(strings.TrimSpace(cfg.Universe[i].Symbol))
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9101"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applySideDefaults(side *SideConfig) {
	if side.DailyTradeLimit == 0 {
		side.DailyTradeLimit = 5
	}
	if side.RiskPerTrade == 0 {
		side.RiskPerTrade = 2000
		if len(side.RiskTiers) > 0 {
			side.RiskPerTrade = side.RiskTiers[0]
		}
	}
	if side.RiskReward.IsZero() {
		side.RiskReward = DefaultRiskReward
	}
	if side.TrailingStop.IsZero() {
		side.TrailingStop = DefaultTrailingStop
	}
}

func applyEnvOverrides(cfg *Config) {
	if url := firstEnv("BOT_REDIS_URL", "REDIS_TLS_URL", "REDIS_URL", "REDISCLOUD_URL"); url != "" {
		cfg.Admission.RedisURL = url
	}
	if token := strings.TrimSpace(os.Getenv("BOT_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("BOT_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if token := strings.TrimSpace(os.Getenv("BOT_GATEWAY_TOKEN")); token != "" {
		cfg.Gateway.Token = token
	}
	if dsn := strings.TrimSpace(os.Getenv("BOT_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return ""
}

func validate(cfg *Config) error {
	if _, err := time.LoadLocation(cfg.Session.Timezone); err != nil {
		return fmt.Errorf("session.timezone: %w", err)
	}
	if _, _, err := cfg.Session.SquareOffClock(); err != nil {
		return err
	}
	switch cfg.Gateway.Mode {
	case "paper":
	case "rest":
		if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
			return errors.New("gateway.base_url is required for rest mode")
		}
	default:
		return fmt.Errorf("gateway.mode must be paper or rest, got %q", cfg.Gateway.Mode)
	}
	if cfg.Execution.Attempts < 1 {
		return errors.New("execution.attempts must be >= 1")
	}
	switch cfg.Admission.Backend {
	case "memory", "sqlite", "badger":
	case "redis":
		if cfg.Admission.RedisURL == "" {
			return errors.New("admission.redis_url is required for redis backend")
		}
	default:
		return fmt.Errorf("admission.backend must be memory, sqlite, badger or redis, got %q", cfg.Admission.Backend)
	}
	if cfg.Admission.MaxTradesPerSymbol < 0 {
		return errors.New("admission.max_trades_per_symbol must be >= 0")
	}
	if cfg.Admission.LockTTL < time.Second {
		return errors.New("admission.lock_ttl must be at least 1s")
	}
	if cfg.Engine.MailboxSize < 0 || cfg.Engine.AnalysisWorkers < 0 || cfg.Engine.AnalysisQueue < 0 ||
		cfg.Engine.ExecWorkers < 0 || cfg.Engine.ExecQueue < 0 {
		return errors.New("engine sizes must be >= 0")
	}
	for _, key := range SideKeys {
		side, _ := cfg.Sides.ByKey(key)
		if err := ValidateSide(*side); err != nil {
			return fmt.Errorf("sides.%s: %w", key, err)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Universe))
	for i, inst := range cfg.Universe {
		if inst.Token == "" {
			return fmt.Errorf("universe[%d]: token is required", i)
		}
		if inst.Symbol == "" {
			return fmt.Errorf("universe[%d]: symbol is required", i)
		}
		if _, dup := seen[inst.Token]; dup {
			return fmt.Errorf("universe[%d]: duplicate token %s", i, inst.Token)
		}
		seen[inst.Token] = struct{}{}
		if inst.PrevHigh < 0 || inst.PrevLow < 0 || inst.VolumeSMA < 0 {
			return fmt.Errorf("universe[%d]: reference levels must be >= 0", i)
		}
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}

// ValidateSide checks one side's settings; the operator reuses it before
// swapping runtime overrides in.
func ValidateSide(side SideConfig) error {
	if side.DailyTradeLimit < 0 {
		return errors.New("daily_trade_limit must be >= 0")
	}
	if !(side.RiskPerTrade > 0) || math.IsInf(side.RiskPerTrade, 0) {
		return errors.New("risk_per_trade must be > 0")
	}
	if !(side.MaxExtensionPct >= 0) || math.IsInf(side.MaxExtensionPct, 0) {
		return errors.New("max_extension_pct must be >= 0")
	}
	for i, risk := range side.RiskTiers {
		if !(risk > 0) || math.IsInf(risk, 0) {
			return fmt.Errorf("risk_per_trade_tiers[%d] must be > 0", i)
		}
	}
	prev := -1.0
	for i, tier := range side.VolumeMatrix {
		if tier.MinAverageVolume < 0 || tier.VolumeMultiplier < 0 || tier.MinTurnover < 0 {
			return fmt.Errorf("volume_matrix[%d]: values must be >= 0", i)
		}
		if tier.MinAverageVolume < prev {
			return fmt.Errorf("volume_matrix[%d]: tiers must be sorted by min_sma_avg", i)
		}
		prev = tier.MinAverageVolume
	}
	return nil
}
