package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/calrelay/internal/model"
	"github.com/hitoshi/calrelay/internal/security"
)

// WebhookPath はプッシュ通知を受け付けるパス。チャンネルの通知先URLの末尾になる。
const WebhookPath = "/webhook/calendar"

// MaxChannelTTL はプロバイダーが許可するチャンネルの最大寿命。
const MaxChannelTTL = 7 * 24 * time.Hour

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	Port       int
	AdminToken string

	// Database
	DatabaseURL  string
	StoreTimeout time.Duration

	// Mapping
	MappingSource          string
	MappingSheetRange      string
	MappingRefreshInterval time.Duration

	// Webhook
	WebhookBaseURL string
	WebhookToken   string
	WebhookTimeout time.Duration

	// Google
	GoogleCredentialsFile string
	ProviderTimeout       time.Duration
	ProviderRPS           float64

	// Channel
	ChannelTTL              time.Duration
	ChannelRenewalThreshold time.Duration
	RenewalScanInterval     time.Duration
	CreateMaxAttempts       int
	RestoreMaxAttempts      int
	ReconcileMaxConcurrent  int

	// Dedup
	DedupTTL        time.Duration
	DedupMaxEntries int

	// Fanout
	FanoutMaxConcurrent int
}

// Load は環境変数からConfigを読み込み、検証する。
// 必須環境変数が未設定、または値が不正な場合は*model.ConfigErrorを返す。
// CHANNEL_TTL_MSがMaxChannelTTLを超える場合はMaxChannelTTLに切り詰める。
func Load() (*Config, error) {
	cfg := &Config{}

	var errs []error
	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			errs = append(errs, &model.ConfigError{Field: key, Reason: "required environment variable is not set"})
		}
		return v
	}

	cfg.MappingSource = required("MAPPING_SOURCE")
	cfg.WebhookBaseURL = strings.TrimRight(required("WEBHOOK_BASE_URL"), "/")
	cfg.DatabaseURL = required("DATABASE_URL")
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	port, err := loadPort()
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	// Optional fields with defaults
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.StoreTimeout = getEnvMillis("STORE_TIMEOUT_MS", 5*time.Second)
	cfg.MappingSheetRange = getEnvString("MAPPING_SHEET_RANGE", "Sheet1!A2:C")
	cfg.MappingRefreshInterval = getEnvMillis("MAPPING_REFRESH_INTERVAL_MS", 5*time.Minute)
	cfg.WebhookToken = os.Getenv("WEBHOOK_TOKEN")
	cfg.WebhookTimeout = getEnvMillis("WEBHOOK_TIMEOUT_MS", 20*time.Second)
	cfg.GoogleCredentialsFile = os.Getenv("GOOGLE_CREDENTIALS_FILE")
	cfg.ProviderTimeout = getEnvMillis("PROVIDER_TIMEOUT_MS", 10*time.Second)
	cfg.ProviderRPS = getEnvFloat("PROVIDER_RPS", 5)
	cfg.ChannelTTL = getEnvMillis("CHANNEL_TTL_MS", MaxChannelTTL)
	if cfg.ChannelTTL > MaxChannelTTL {
		cfg.ChannelTTL = MaxChannelTTL
	}
	cfg.ChannelRenewalThreshold = getEnvMillis("CHANNEL_RENEWAL_THRESHOLD_MS", 24*time.Hour)
	cfg.RenewalScanInterval = getEnvMillis("RENEWAL_SCAN_INTERVAL_MS", time.Hour)
	cfg.CreateMaxAttempts = getEnvInt("CREATE_MAX_ATTEMPTS", 5)
	cfg.RestoreMaxAttempts = getEnvInt("RESTORE_MAX_ATTEMPTS", 5)
	cfg.ReconcileMaxConcurrent = getEnvInt("RECONCILE_MAX_CONCURRENT", 4)
	cfg.DedupTTL = getEnvMillis("DEDUP_TTL_MS", 5*time.Minute)
	cfg.DedupMaxEntries = getEnvInt("DEDUP_MAX_ENTRIES", 100000)
	cfg.FanoutMaxConcurrent = getEnvInt("FANOUT_MAX_CONCURRENT", 4)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &model.ConfigError{Field: "PORT", Reason: "must be between 1 and 65535"}
	}
	if strings.HasPrefix(c.MappingSource, "http://") {
		return &model.ConfigError{Field: "MAPPING_SOURCE", Reason: "CSV export URL must use https"}
	}
	if c.MappingSourceIsURL() {
		if err := security.NewURLGuard().ValidatePublicHTTPS(c.MappingSource); err != nil {
			return &model.ConfigError{Field: "MAPPING_SOURCE", Reason: err.Error()}
		}
	}
	if err := security.NewURLGuard().ValidatePublicHTTPS(c.WebhookBaseURL); err != nil {
		return &model.ConfigError{Field: "WEBHOOK_BASE_URL", Reason: err.Error()}
	}
	if c.DedupTTL <= 0 {
		return &model.ConfigError{Field: "DEDUP_TTL_MS", Reason: "must be positive"}
	}
	if c.ChannelRenewalThreshold >= min(c.ChannelTTL, MaxChannelTTL) {
		return &model.ConfigError{Field: "CHANNEL_RENEWAL_THRESHOLD_MS", Reason: "must be shorter than CHANNEL_TTL_MS"}
	}
	return nil
}

// MappingSourceIsURL はマッピングソースがCSVエクスポートのURLかを返す。
// falseの場合はスプレッドシートIDとして扱う。
func (c *Config) MappingSourceIsURL() bool {
	return strings.HasPrefix(c.MappingSource, "https://")
}

// WebhookURL はチャンネル作成時に登録する通知先URLを返す。
func (c *Config) WebhookURL() string {
	return c.WebhookBaseURL + WebhookPath
}

// loadPort はPORT、未設定ならSERVER_PORTからポート番号を読み込む。
// 他の数値設定と異なり、不正な値はデフォルトにせず起動エラーとする。
func loadPort() (int, error) {
	key := "PORT"
	v := os.Getenv(key)
	if v == "" {
		key = "SERVER_PORT"
		v = os.Getenv(key)
	}
	if v == "" {
		return 8080, nil
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return 0, &model.ConfigError{Field: key, Reason: "must be an integer between 1 and 65535"}
	}
	return port, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

// getEnvMillis はミリ秒単位の整数をtime.Durationとして読み込む。
func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	ms := getEnvInt(key, 0)
	if ms == 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}
