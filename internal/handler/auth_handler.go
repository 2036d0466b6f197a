// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/soichiro/inkline/internal/auth"
	"github.com/soichiro/inkline/internal/middleware"
	"github.com/soichiro/inkline/internal/model"
	"github.com/soichiro/inkline/internal/session"
)

// oauthStateCookie はCSRF対策のstate値を保持するCookie名。
const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	HandleCallback(ctx context.Context, provider, code string) (*auth.LoginResult, error)
	LocalLogin(ctx context.Context, identifier, password string) (*auth.LoginResult, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	RedirectAllowList []string // ログイン後リダイレクトとして許可するオリジン。先頭がフォールバック先
	SessionDelivery   string   // config.DeliveryCookie または config.DeliveryQuery
	CookieDomain      string
	CookieSecure      bool
	SessionMaxAge     int // セッションCookieの有効期間（秒）
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
// fallbackはパイプラインのソフト失敗時に処理を委譲するデフォルトハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	providers middleware.ProviderConfigSource
	config    AuthHandlerConfig
	fallback  http.Handler
}

// NewAuthHandler はAuthHandlerを生成する。
// fallbackがnilの場合は汎用の400応答を返すデフォルトハンドラーを使用する。
func NewAuthHandler(service AuthServiceInterface, providers middleware.ProviderConfigSource, config AuthHandlerConfig, fallback http.Handler) *AuthHandler {
	if fallback == nil {
		fallback = http.HandlerFunc(defaultCallbackHandler)
	}
	return &AuthHandler{
		service:   service,
		providers: providers,
		config:    config,
		fallback:  fallback,
	}
}

// defaultCallbackHandler はパイプラインがフォールスルーした場合の既定の応答。
// 失敗理由はサーバーログのみに残し、クライアントには汎用メッセージを返す。
func defaultCallbackHandler(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "AUTH_CALLBACK_FAILED",
		Message:  "ログインを完了できませんでした。",
		Category: "auth",
		Action:   "最初からログインをやり直してください。",
	})
}

// Connect はOAuthフローを開始する。
// GET /api/connect/{provider}
// redirect_uriの環境別書き換えはレスポンス側のリライターミドルウェアが行う。
func (h *AuthHandler) Connect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	cfg, err := h.providers.Get(r.Context(), provider)
	if err != nil || cfg == nil || !cfg.Enabled || cfg.Key == "" {
		slog.Warn("oauth connect for unavailable provider",
			slog.String("provider", provider),
		)
		h.fallback.ServeHTTP(w, r)
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, auth.AuthCodeURL(cfg, state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /api/connect/{provider}/callback?code=xxx&state=yyy&redirect=zzz
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	// 1. stateの検証（CSRF対策）。不一致はソフト失敗としてデフォルトハンドラーに委譲
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("provider", provider),
		)
		h.fallback.ServeHTTP(w, r)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		slog.Warn("oauth callback without authorization code",
			slog.String("provider", provider),
		)
		h.fallback.ServeHTTP(w, r)
		return
	}

	// 3. 交換からセッション発行までのパイプライン
	result, err := h.service.HandleCallback(r.Context(), provider, code)
	if err != nil {
		h.writeCallbackError(w, r, provider, err)
		return
	}

	// 4. リダイレクト先の検証とトークン配送
	origin := auth.ResolveRedirectOrigin(r.URL.Query().Get("redirect"), h.config.RedirectAllowList)
	target := origin + "/auth/callback"

	if h.config.SessionDelivery == "query" {
		// 開発環境: クロスオリジンの開発プロキシ越しではCookieが確実に届かないため
		// クエリパラメータで1回だけ渡す。フロントエンドが読み取り後すぐ破棄する
		http.Redirect(w, r, target+"?access_token="+url.QueryEscape(result.Token), http.StatusTemporaryRedirect)
		return
	}

	session.Write(w, result.Token, session.Options{
		Secure: h.config.CookieSecure,
		Domain: h.config.CookieDomain,
		MaxAge: h.config.SessionMaxAge,
	})
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// writeCallbackError はパイプラインの失敗種別に応じた応答を書き込む。
func (h *AuthHandler) writeCallbackError(w http.ResponseWriter, r *http.Request, provider string, err error) {
	var fallthroughErr *auth.FallthroughError
	switch {
	case errors.As(err, &fallthroughErr):
		h.fallback.ServeHTTP(w, r)
	case errors.Is(err, auth.ErrBlocked):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewUserBlockedError())
	default:
		// デフォルトロール欠落・ユーザー名試行の枯渇などのシステム不変条件違反
		slog.Error("oauth callback failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}

// localLoginRequest はローカルログインのリクエストボディ。
type localLoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LocalLogin はメールアドレス（またはユーザー名）とパスワードでログインする。
// POST /api/auth/local
// 成功応答のセッションCookieはレスポンスフィルターが付与する。
func (h *AuthHandler) LocalLogin(w http.ResponseWriter, r *http.Request) {
	var req localLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" || req.Password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidCredentialsError())
		return
	}

	result, err := h.service.LocalLogin(r.Context(), req.Identifier, req.Password)
	if err != nil {
		h.writeLocalLoginError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jwt":  result.Token,
		"user": userResponse(result.User),
	})
}

// writeLocalLoginError はローカルログインの失敗種別に応じた応答を書き込む。
func (h *AuthHandler) writeLocalLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidCredentialsError())
	case errors.Is(err, auth.ErrBlocked):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewUserBlockedError())
	case errors.Is(err, auth.ErrUnconfirmed):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewUnconfirmedAccountError())
	default:
		slog.Error("local login failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// Logout はセッションCookieを失効させる。
// POST /api/auth/logout
// トークンはステートレスのためサーバー側の失効処理はない。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session.Clear(w, session.Options{
		Secure: h.config.CookieSecure,
		Domain: h.config.CookieDomain,
	})
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /api/users/me
// 認証ガードがユーザーを付与しなかったリクエストには401を返す
// （ガード自身は拒否しないため、ここで明示的に拒否する）。
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, userResponse(user))
}

// userResponse はAPIレスポンス用のユーザー表現を生成する。
// パスワードハッシュやブロックフラグは露出しない。
func userResponse(user *model.User) map[string]any {
	return map[string]any{
		"id":        user.ID,
		"username":  user.Username,
		"email":     user.Email,
		"provider":  user.Provider,
		"confirmed": user.Confirmed,
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
