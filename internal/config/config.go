// Package config は環境変数からゲートウェイの設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nao1215/secgate/pkg/credential"
	"github.com/nao1215/secgate/pkg/middleware"
	"github.com/nao1215/secgate/pkg/ratelimit"
	"github.com/nao1215/secgate/pkg/token"
)

// 既定値。
const (
	DefaultPort            = "3000"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultAllowedOrigins  = "http://localhost:3000"
	DefaultDatabasePath    = "gateway.db"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultUpstreamTimeout         = 30 * time.Second
	DefaultUpstreamBreakerFailures = 5
	DefaultUpstreamBreakerTimeout  = 30 * time.Second
)

// Config はゲートウェイ全体の設定を保持する。
type Config struct {
	// サーバー
	Port            string
	Env             string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// オリジンとプロキシ
	AllowedOrigins      []string
	TrustedProxies      []string
	TrustForwardedProto bool

	// レート制限
	RateLimitWindow        time.Duration
	RateLimitMax           int
	RateLimitSweepInterval time.Duration
	RedisURL               string

	// 資格情報とトークン
	BcryptCost        int
	HashMaxConcurrent int
	JWTSecret         string
	JWTIssuer         string
	TokenTTL          time.Duration

	// セキュリティヘッダー
	CSPDefaultSrc    []string
	CSPScriptSrc     []string
	CSPStyleSrc      []string
	CSPImgSrc        []string
	HSTSMaxAge       time.Duration
	HSTSForce        bool
	DNSPrefetchAllow bool

	// ストレージと上流
	DatabasePath            string
	UpstreamURL             string
	UpstreamTimeout         time.Duration
	UpstreamBreakerFailures int
	UpstreamBreakerTimeout  time.Duration
}

// Load は環境変数から設定を読み込み、検証する。
// カレントディレクトリに .env があれば先に読み込む。
func Load() (*Config, error) {
	_ = godotenv.Load()

	r := &envReader{}
	cfg := &Config{
		Port:            getEnv("PORT", getEnv("APP_PORT", DefaultPort)),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),

		AllowedOrigins:      splitList(getEnv("ALLOWED_ORIGINS", DefaultAllowedOrigins)),
		TrustedProxies:      splitList(os.Getenv("TRUSTED_PROXIES")),
		TrustForwardedProto: r.bool("TRUST_FORWARDED_PROTO", false),

		RateLimitWindow:        r.duration("RATE_LIMIT_WINDOW", ratelimit.DefaultWindow),
		RateLimitMax:           r.int("RATE_LIMIT_MAX", ratelimit.DefaultMaxRequests),
		RateLimitSweepInterval: r.duration("RATE_LIMIT_SWEEP_INTERVAL", ratelimit.DefaultSweepInterval),
		RedisURL:               os.Getenv("REDIS_URL"),

		BcryptCost:        r.int("BCRYPT_COST", credential.DefaultCost),
		HashMaxConcurrent: r.int("HASH_MAX_CONCURRENT", 0),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTIssuer:         getEnv("JWT_ISSUER", token.DefaultIssuer),
		TokenTTL:          r.duration("TOKEN_TTL", token.DefaultTTL),

		CSPDefaultSrc:    optionalList("CSP_DEFAULT_SRC"),
		CSPScriptSrc:     optionalList("CSP_SCRIPT_SRC"),
		CSPStyleSrc:      optionalList("CSP_STYLE_SRC"),
		CSPImgSrc:        optionalList("CSP_IMG_SRC"),
		HSTSMaxAge:       r.duration("HSTS_MAX_AGE", middleware.DefaultHSTSMaxAge),
		HSTSForce:        r.bool("HSTS_FORCE", false),
		DNSPrefetchAllow: r.bool("DNS_PREFETCH_ALLOW", false),

		DatabasePath:            getEnv("DATABASE_PATH", DefaultDatabasePath),
		UpstreamURL:             os.Getenv("UPSTREAM_URL"),
		UpstreamTimeout:         r.duration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout),
		UpstreamBreakerFailures: r.int("UPSTREAM_BREAKER_FAILURES", DefaultUpstreamBreakerFailures),
		UpstreamBreakerTimeout:  r.duration("UPSTREAM_BREAKER_TIMEOUT", DefaultUpstreamBreakerTimeout),
	}
	if err := r.err(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は必須項目と値の範囲を検証する。
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET は必須です")
	}
	if len(c.JWTSecret) < token.MinSecretLength {
		return fmt.Errorf("JWT_SECRET は%dバイト以上である必要があります", token.MinSecretLength)
	}
	if err := credential.ValidateCost(c.BcryptCost); err != nil {
		return fmt.Errorf("BCRYPT_COST が不正です: %w", err)
	}
	if c.HashMaxConcurrent < 0 {
		return fmt.Errorf("HASH_MAX_CONCURRENT は0以上である必要があります: %d", c.HashMaxConcurrent)
	}
	if err := c.RateLimit().Validate(); err != nil {
		return err
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL は正の値である必要があります: %s", c.TokenTTL)
	}
	if c.HSTSMaxAge < 0 {
		return fmt.Errorf("HSTS_MAX_AGE は0以上である必要があります: %s", c.HSTSMaxAge)
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("UPSTREAM_URL が不正です: %q", c.UpstreamURL)
		}
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT は正の値である必要があります: %s", c.UpstreamTimeout)
	}
	if c.UpstreamBreakerFailures < 0 {
		return fmt.Errorf("UPSTREAM_BREAKER_FAILURES は0以上である必要があります: %d", c.UpstreamBreakerFailures)
	}
	return nil
}

// IsDevelopment は開発モードで動作しているかを返す。
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction は本番モードで動作しているかを返す。
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RateLimit はレート制限の設定を返す。
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Window:      c.RateLimitWindow,
		MaxRequests: c.RateLimitMax,
	}
}

// Headers はセキュリティヘッダーの上書き設定を返す。
// 環境変数で指定されていないCSPカテゴリは既定値のままになる。
func (c *Config) Headers() middleware.HeaderConfig {
	return middleware.HeaderConfig{
		HSTSMaxAge:       middleware.Duration(c.HSTSMaxAge),
		HSTSForce:        middleware.Bool(c.HSTSForce),
		CSPDefaultSrc:    c.CSPDefaultSrc,
		CSPScriptSrc:     c.CSPScriptSrc,
		CSPStyleSrc:      c.CSPStyleSrc,
		CSPImgSrc:        c.CSPImgSrc,
		DNSPrefetchAllow: middleware.Bool(c.DNSPrefetchAllow),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList はカンマ区切りの値を分割し、空要素を除く。
func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// optionalList は環境変数が未設定ならnilを返す。
func optionalList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	list := splitList(value)
	if list == nil {
		return []string{}
	}
	return list
}

// envReader は型付きの環境変数を読み込み、解析エラーをまとめて保持する。
type envReader struct {
	errs []error
}

func (r *envReader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s の値が整数ではありません: %q", key, value))
		return defaultValue
	}
	return i
}

func (r *envReader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s の値が真偽値ではありません: %q", key, value))
		return defaultValue
	}
	return b
}

func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s の値が期間ではありません: %q", key, value))
		return defaultValue
	}
	return d
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}
