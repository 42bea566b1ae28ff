package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	cfg := &Config{
		Admission: AdmissionConfig{Backend: "memory"},
		Universe:  []InstrumentConfig{{Token: "738561", Symbol: "reliance", PrevHigh: 2950, PrevLow: 2890, VolumeSMA: 120000}},
	}
	applyDefaults(cfg)
	return cfg
}

func TestSideDefaults(t *testing.T) {
	cfg := validConfig()
	for _, key := range SideKeys {
		side, ok := cfg.Sides.ByKey(key)
		if !ok {
			t.Fatalf("expected side %s", key)
		}
		if side.DailyTradeLimit != 5 {
			t.Fatalf("%s: expected daily limit 5, got %d", key, side.DailyTradeLimit)
		}
		if side.RiskPerTrade != 2000 {
			t.Fatalf("%s: expected risk per trade 2000, got %f", key, side.RiskPerTrade)
		}
		if side.RiskReward != DefaultRiskReward {
			t.Fatalf("%s: expected default risk reward, got %v", key, side.RiskReward)
		}
		if side.TrailingStop != DefaultTrailingStop {
			t.Fatalf("%s: expected default trailing stop, got %v", key, side.TrailingStop)
		}
		if side.Enabled {
			t.Fatalf("%s: sides must start disabled", key)
		}
	}
}

func TestAdmissionDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Admission.Backend != "sqlite" {
		t.Fatalf("expected sqlite backend default, got %q", cfg.Admission.Backend)
	}
	if cfg.Admission.MaxTradesPerSymbol != 2 {
		t.Fatalf("expected 2 trades per symbol, got %d", cfg.Admission.MaxTradesPerSymbol)
	}
	if cfg.Admission.LockTTL != 30*time.Minute {
		t.Fatalf("expected 30m lock ttl, got %v", cfg.Admission.LockTTL)
	}
	if cfg.Session.Timezone != "Asia/Kolkata" {
		t.Fatalf("expected Asia/Kolkata, got %q", cfg.Session.Timezone)
	}
}

func TestUniverseSymbolsNormalized(t *testing.T) {
	cfg := validConfig()
	if cfg.Universe[0].Symbol != "RELIANCE" {
		t.Fatalf("expected upper-case symbol, got %q", cfg.Universe[0].Symbol)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := validConfig()
	if !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsUnsortedMatrix(t *testing.T) {
	cfg := validConfig()
	cfg.Sides.Bull.VolumeMatrix = []VolumeTier{
		{MinAverageVolume: 5000, VolumeMultiplier: 1},
		{MinAverageVolume: 1000, VolumeMultiplier: 2},
	}
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unsorted volume matrix")
	}
}

func TestRiskTiers(t *testing.T) {
	cfg := &Config{
		Admission: AdmissionConfig{Backend: "memory"},
		Sides:     SidesConfig{Bull: SideConfig{RiskTiers: []float64{3000, 2000}}},
	}
	applyDefaults(cfg)
	if cfg.Sides.Bull.RiskPerTrade != 3000 {
		t.Fatalf("expected first tier as base risk, got %f", cfg.Sides.Bull.RiskPerTrade)
	}
	if err := ValidateSide(cfg.Sides.Bull); err != nil {
		t.Fatalf("expected valid tiers, got %v", err)
	}
	bad := cfg.Sides.Bull
	bad.RiskTiers = []float64{3000, 0}
	if err := ValidateSide(bad); err == nil || !strings.Contains(err.Error(), "risk_per_trade_tiers[1]") {
		t.Fatalf("expected tier error, got %v", err)
	}
	bad.RiskTiers = nil
	bad.RiskPerTrade = math.NaN()
	if err := ValidateSide(bad); err == nil {
		t.Fatalf("expected NaN risk_per_trade to be rejected")
	}
}

func TestValidateRejectsDuplicateToken(t *testing.T) {
	cfg := validConfig()
	cfg.Universe = append(cfg.Universe, InstrumentConfig{Token: "738561", Symbol: "OTHER"})
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for duplicate token")
	}
}

func TestValidateRequiresRedisURL(t *testing.T) {
	cfg := validConfig()
	cfg.Admission.Backend = "redis"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for redis backend without url")
	}
	cfg.Admission.RedisURL = "redis://localhost:6379/0"
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid redis config, got %v", err)
	}
}

func TestValidateRejectsBadSquareOff(t *testing.T) {
	cfg := validConfig()
	cfg.Session.SquareOff = "3pm"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for malformed square off")
	}
}

func TestValidateRejectsRestWithoutBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Mode = "rest"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for rest gateway without base url")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv("BOT_TELEGRAM_TOKEN", "")
	t.Setenv("BOT_TELEGRAM_CHAT_ID", "")
	cfg := validConfig()
	cfg.Telegram.Enabled = true
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestRedisURLFromEnv(t *testing.T) {
	t.Setenv("BOT_REDIS_URL", "")
	t.Setenv("REDIS_TLS_URL", "rediss://tls:6380")
	t.Setenv("REDIS_URL", "redis://plain:6379")
	cfg := validConfig()
	applyEnvOverrides(cfg)
	if cfg.Admission.RedisURL != "rediss://tls:6380" {
		t.Fatalf("expected tls url to win, got %q", cfg.Admission.RedisURL)
	}
}

func TestParseRatio(t *testing.T) {
	r, err := ParseRatio(" 1 : 2.5 ")
	if err != nil {
		t.Fatalf("parse ratio: %v", err)
	}
	if r.Value() != 2.5 {
		t.Fatalf("expected 2.5, got %f", r.Value())
	}
	for _, bad := range []string{"2", "a:b", "0:1", "1:-2", ""} {
		if _, err := ParseRatio(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLoadRejectsMalformedRatio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "admission:\n  backend: memory\nsides:\n  bull:\n    risk_reward: \"1-2\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "1-2") {
		t.Fatalf("expected ratio error, got %v", err)
	}
}

func TestLoadWithUniverseFile(t *testing.T) {
	dir := t.TempDir()
	universe := []InstrumentConfig{{Token: "2885", Symbol: "TCS", PrevHigh: 4100, PrevLow: 4020, VolumeSMA: 9000}}
	raw, err := yaml.Marshal(universe)
	if err != nil {
		t.Fatalf("marshal universe: %v", err)
	}
	universePath := filepath.Join(dir, "universe.yaml")
	if err := os.WriteFile(universePath, raw, 0o600); err != nil {
		t.Fatalf("write universe: %v", err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	body := "admission:\n  backend: memory\nuniverse_path: " + universePath + "\nsides:\n  bull:\n    enabled: true\n    risk_reward: \"1:3\"\n    volume_matrix:\n      - {min_sma_avg: 0, sma_multiplier: 1.5, min_vol_price_cr: 1}\n"
	if err := os.WriteFile(configPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Universe) != 1 || cfg.Universe[0].Symbol != "TCS" {
		t.Fatalf("unexpected universe: %+v", cfg.Universe)
	}
	if !cfg.Sides.Bull.Enabled || cfg.Sides.Bull.RiskReward.Value() != 3 {
		t.Fatalf("unexpected bull side: %+v", cfg.Sides.Bull)
	}
	if len(cfg.Sides.Bull.VolumeMatrix) != 1 || cfg.Sides.Bull.VolumeMatrix[0].VolumeMultiplier != 1.5 {
		t.Fatalf("unexpected matrix: %+v", cfg.Sides.Bull.VolumeMatrix)
	}
}
