package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soichiro/inkline/internal/middleware"
	"github.com/soichiro/inkline/internal/session"
)

// HealthChecker はDB疎通確認のためのインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	TokenVerifier     middleware.TokenVerifier
	UserFinder        middleware.UserFinder
	Providers         middleware.ProviderConfigSource
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// レスポンスフィルター
	CallbackBase   string // redirect_uri書き換え先のオリジン（環境別に選択される）
	SessionOptions session.Options

	// 運用
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → AuthGuard
//
// AuthGuardは対象ルートで認証済みユーザーをコンテキストに付与するだけで、
// リクエストを拒否しない。401の判断は各ハンドラーが行う。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// 全ルート共通のミドルウェア
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewAuthGuardMiddleware(deps.TokenVerifier, deps.UserFinder, middleware.ProtectedRoutes()))

	authHandler := NewAuthHandler(deps.AuthService, deps.Providers, deps.AuthConfig, nil)

	// ログイン系エンドポイント。200応答にトークンが含まれる場合、
	// レスポンスフィルターがセッションCookieを付与する。コールバック自体は
	// リダイレクトで応答するため通常は発火しないが、対象には含めておく
	loginPaths := []middleware.RoutePattern{
		{Method: http.MethodPost, Path: "/api/auth/local"},
		{Method: http.MethodGet, Path: "/api/connect/*"},
	}
	sessionWriter := middleware.NewSessionCookieWriterMiddleware(deps.SessionOptions, loginPaths)

	// --- 運用系エンドポイント ---
	r.Get("/health", newHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- OAuthフロー ---
	r.Route("/api/connect/{provider}", func(r chi.Router) {
		// プロバイダへのリダイレクトはredirect_uriを環境別に書き換える
		r.With(middleware.NewRedirectRewriterMiddleware(deps.Providers, deps.CallbackBase)).
			Get("/", authHandler.Connect)
		r.With(sessionWriter).Get("/callback", authHandler.Callback)
	})

	// --- ローカル認証 ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.LoginMiddleware())
		r.Use(sessionWriter)

		r.Post("/api/auth/local", authHandler.LocalLogin)
	})

	// --- セッション管理 ---
	// Cookieセッションを使うため、状態変更となるログアウトはCSRFトークンを必須とする
	csrfConfig := middleware.CSRFConfig{
		CookieSecure: deps.AuthConfig.CookieSecure,
		CookieDomain: deps.AuthConfig.CookieDomain,
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig))
	r.With(middleware.NewCSRFMiddleware(csrfConfig)).
		Post("/api/auth/logout", authHandler.Logout)
	r.Get("/api/users/me", authHandler.Me)

	return r
}

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check: database unreachable", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
