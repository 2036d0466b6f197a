package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// 環境フラグの値。
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// セッショントークンの配送モード。
const (
	DeliveryCookie = "cookie"
	DeliveryQuery  = "query"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Session
	JWTSecret       string
	SessionTTL      time.Duration
	SessionDelivery string // "cookie" または "query"

	// URL
	FrontendURL string // フロントエンドのオリジン
	BackendURL  string // 公開バックエンドのオリジン

	// Environment
	Environment string // "development" または "production"

	// OAuth
	ExchangeTimeout time.Duration // トークン交換・プロフィール取得の各往復のタイムアウト

	// Rate Limit
	RateLimitLogin int // ログイン系エンドポイントのreq/min/IP

	// Audit
	LogRetentionDays int

	// Server
	ServerPort string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
// APP_ENV=productionでSESSION_DELIVERY=queryの組み合わせは拒否する
// （クエリパラメータ配送は開発プロキシ向けの妥協であり、本番では許可しない）。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.FrontendURL = os.Getenv("FRONTEND_URL")
	if cfg.FrontendURL == "" {
		missing = append(missing, "FRONTEND_URL")
	}

	cfg.BackendURL = os.Getenv("BACKEND_URL")
	if cfg.BackendURL == "" {
		missing = append(missing, "BACKEND_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	for _, u := range []string{cfg.FrontendURL, cfg.BackendURL} {
		if _, err := url.Parse(u); err != nil {
			return nil, fmt.Errorf("invalid origin URL %q: %w", u, err)
		}
	}

	// Optional fields with defaults
	cfg.Environment = getEnvString("APP_ENV", EnvDevelopment)
	if cfg.Environment != EnvDevelopment && cfg.Environment != EnvProduction {
		return nil, fmt.Errorf("APP_ENV must be %q or %q, got %q", EnvDevelopment, EnvProduction, cfg.Environment)
	}

	defaultDelivery := DeliveryQuery
	if cfg.Environment == EnvProduction {
		defaultDelivery = DeliveryCookie
	}
	cfg.SessionDelivery = getEnvString("SESSION_DELIVERY", defaultDelivery)
	if cfg.SessionDelivery != DeliveryCookie && cfg.SessionDelivery != DeliveryQuery {
		return nil, fmt.Errorf("SESSION_DELIVERY must be %q or %q, got %q", DeliveryCookie, DeliveryQuery, cfg.SessionDelivery)
	}
	if cfg.Environment == EnvProduction && cfg.SessionDelivery == DeliveryQuery {
		return nil, fmt.Errorf("SESSION_DELIVERY=query is not allowed when APP_ENV=production")
	}

	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 7*24*time.Hour)
	cfg.ExchangeTimeout = getEnvDuration("EXCHANGE_TIMEOUT", 10*time.Second)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 30)
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 14)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = cfg.Environment == EnvProduction
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.FrontendURL)

	return cfg, nil
}

// RedirectAllowList はログイン後リダイレクト先として許可するオリジンの一覧を返す。
// 先頭要素が許可リスト外のredirect指定時のフォールバック先になる。
func (c *Config) RedirectAllowList() []string {
	return []string{c.FrontendURL, c.BackendURL}
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
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
