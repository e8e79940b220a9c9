// Package config はゲートウェイの設定ファイルを読み込む。
//
// 設定はYAMLで記述し、読み込み後に既定値を補ってから検証する。
// ポートと秘密情報は環境変数で上書きできる。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// サービス一覧の取得元。
const (
	DiscoveryStatic = "static"
	DiscoveryRedis  = "redis"
)

// 既定値。
const (
	defaultPort               = 8080
	defaultKeyRefreshInterval = 10 * time.Second
	defaultIdPTimeout         = 10 * time.Second
	defaultUpstreamTimeout    = 30 * time.Second
	defaultDiscoveryInterval  = 10 * time.Second
	defaultRedisKey           = "bookshelf:services"
	defaultOutboxDSN          = "file:/data/profile_sync.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	defaultSyncInterval       = 30 * time.Second
	defaultSyncMaxAttempts    = 10
	defaultSyncBatchSize      = 50
)

// Config はゲートウェイ全体の設定。
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	IdP         IdPConfig         `yaml:"idp" validate:"required"`
	Discovery   DiscoveryConfig   `yaml:"discovery" validate:"required"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	ProfileSync ProfileSyncConfig `yaml:"profile_sync"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins" validate:"dive,url"`
	// TrustedNetworks は /oapi-inner 配下を呼び出せる接続元のCIDR。
	// 空ならループバックとプライベートアドレス。
	TrustedNetworks []string `yaml:"trusted_networks" validate:"dive,cidr"`
}

// Addr はリッスンアドレスを返す。
func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

// LogConfig はロガーの設定。
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// IdPConfig はIDプロバイダの設定。
type IdPConfig struct {
	BaseURL       string `yaml:"base_url" validate:"required,url"`
	Realm         string `yaml:"realm" validate:"required"`
	AdminRealm    string `yaml:"admin_realm"`
	ClientID      string `yaml:"client_id" validate:"required"`
	ClientSecret  string `yaml:"client_secret"`
	AdminClientID string `yaml:"admin_client_id"`
	AdminUser     string `yaml:"admin_user" validate:"required"`
	AdminPassword string `yaml:"admin_password"`
	// Issuer が空ならトークンの発行者を検査しない。
	Issuer string `yaml:"issuer"`
	// Discover がtrueならOIDCディスカバリでエンドポイントを取得する。
	Discover           bool     `yaml:"discover"`
	Timeout            Duration `yaml:"timeout"`
	KeyRefreshInterval Duration `yaml:"key_refresh_interval"`
}

// DiscoveryConfig はサービス一覧の取得元の設定。
type DiscoveryConfig struct {
	Source          string            `yaml:"source" validate:"oneof=static redis"`
	RefreshInterval Duration          `yaml:"refresh_interval"`
	Services        map[string]string `yaml:"services" validate:"required_if=Source static,dive,url"`
	Redis           *RedisConfig      `yaml:"redis" validate:"required_if=Source redis"`
}

// RedisConfig はサービス一覧を保持するRedisの設定。
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
	Key      string `yaml:"key"`
}

// UpstreamConfig はバックエンド呼び出しの設定。
type UpstreamConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// ProfileSyncConfig はIdPへのプロフィール反映の再試行設定。
type ProfileSyncConfig struct {
	OutboxDSN   string   `yaml:"outbox_dsn"`
	Interval    Duration `yaml:"interval"`
	MaxAttempts int      `yaml:"max_attempts" validate:"min=0"`
	BatchSize   int      `yaml:"batch_size" validate:"min=0"`
}

// Duration は "10s" のような文字列で書ける時間。
type Duration time.Duration

// UnmarshalYAML は time.ParseDuration の書式を受け付ける。
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("時間の読み込みに失敗: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("時間の形式が不正です %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std は time.Duration に変換する。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load はファイルから設定を読み込み、環境変数による上書きと既定値を適用して検証する。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	return Parse(data, os.Getenv)
}

// Parse はYAMLを読み込む。getenvで環境変数を参照する。
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値のバリデーションを実行する。
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする。
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("環境変数PORTが数値ではありません: %w", err)
		}
		c.Server.Port = port
	}
	c.Log.Level = getEnvOr(getenv, "LOG_LEVEL", c.Log.Level)
	c.IdP.ClientSecret = getEnvOr(getenv, "IDP_CLIENT_SECRET", c.IdP.ClientSecret)
	c.IdP.AdminPassword = getEnvOr(getenv, "IDP_ADMIN_PASSWORD", c.IdP.AdminPassword)
	if c.Discovery.Redis != nil {
		c.Discovery.Redis.Password = getEnvOr(getenv, "REDIS_PASSWORD", c.Discovery.Redis.Password)
	}
	return nil
}

// applyDefaults は未設定の項目に既定値を入れる。
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.IdP.AdminRealm == "" {
		c.IdP.AdminRealm = "master"
	}
	if c.IdP.AdminClientID == "" {
		c.IdP.AdminClientID = "admin-cli"
	}
	setDuration(&c.IdP.Timeout, defaultIdPTimeout)
	setDuration(&c.IdP.KeyRefreshInterval, defaultKeyRefreshInterval)
	if c.Discovery.Source == "" {
		c.Discovery.Source = DiscoveryStatic
	}
	setDuration(&c.Discovery.RefreshInterval, defaultDiscoveryInterval)
	if c.Discovery.Redis != nil && c.Discovery.Redis.Key == "" {
		c.Discovery.Redis.Key = defaultRedisKey
	}
	setDuration(&c.Upstream.Timeout, defaultUpstreamTimeout)
	if c.ProfileSync.OutboxDSN == "" {
		c.ProfileSync.OutboxDSN = defaultOutboxDSN
	}
	setDuration(&c.ProfileSync.Interval, defaultSyncInterval)
	if c.ProfileSync.MaxAttempts == 0 {
		c.ProfileSync.MaxAttempts = defaultSyncMaxAttempts
	}
	if c.ProfileSync.BatchSize == 0 {
		c.ProfileSync.BatchSize = defaultSyncBatchSize
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(getenv func(string) string, key, defaultValue string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return defaultValue
}
