// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/soichiro/inkline/internal/model"
	"github.com/soichiro/inkline/internal/session"
	"github.com/soichiro/inkline/internal/token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var userContextKey = contextKey("user")

// RoutePattern は認証ガードの対象となるメソッドとパスのパターン。
// Pathの末尾の*はプレフィックス一致を表す。
type RoutePattern struct {
	Method string
	Path   string
}

// ProtectedRoutes は認証ガードが対象とする固定のルートパターン一覧を返す。
// 現在ユーザーの参照、コンテンツ変更系、アップロードのみが対象。
func ProtectedRoutes() []RoutePattern {
	return []RoutePattern{
		{Method: http.MethodGet, Path: "/api/users/me"},
		{Method: http.MethodPost, Path: "/api/articles*"},
		{Method: http.MethodPut, Path: "/api/articles*"},
		{Method: http.MethodDelete, Path: "/api/articles*"},
		{Method: http.MethodPost, Path: "/api/comments*"},
		{Method: http.MethodPut, Path: "/api/comments*"},
		{Method: http.MethodDelete, Path: "/api/comments*"},
		{Method: http.MethodPost, Path: "/api/upload"},
	}
}

// UserFinder は認証ガードが必要とするユーザー検索のインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserFinder interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
}

// TokenVerifier はセッショントークンの検証インターフェース。
type TokenVerifier interface {
	Verify(tokenString string) (int64, error)
}

// NewAuthGuardMiddleware はセッショントークンを検証し、解決したユーザーを
// リクエストコンテキストに付与するミドルウェアを返す。
//
// このガードはリクエストを拒否しない。検証失敗（署名不正、期限切れ、不正な形式、
// ユーザー不在、ブロック済み）はすべて握りつぶし、ユーザーを付与しないまま
// リクエストを通す。401を返す責務は下流のハンドラーにある。
// 上流で既にユーザーが付与されている場合は何もしない（上書き禁止）。
// 対象はpatternsに一致するリクエストのみ。
func NewAuthGuardMiddleware(verifier TokenVerifier, users UserFinder, patterns []RoutePattern) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 上流で確立済みのアイデンティティは上書きしない
			if _, ok := UserFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			if !matchesRoute(r.Method, r.URL.Path, patterns) {
				next.ServeHTTP(w, r)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				tokenString = session.TokenFromRequest(r)
			}
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := verifier.Verify(tokenString)
			if errors.Is(err, token.ErrNotConfigured) {
				slog.Warn("session token secret is not configured; skipping verification",
					slog.String("path", r.URL.Path),
				)
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				// 他システムのトークンや期限切れを含め、検証失敗は無視して通す
				next.ServeHTTP(w, r)
				return
			}

			user, err := users.FindByID(r.Context(), userID)
			if err != nil {
				slog.Error("failed to load user for verified token",
					slog.Int64("user_id", userID),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if user == nil || user.Blocked {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// ContextWithUser はコンテキストに認証済みユーザーを注入する。
// テストや上流の認証レイヤーからのコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// matchesRoute はメソッドとパスがパターン一覧のいずれかに一致するかを判定する。
func matchesRoute(method, path string, patterns []RoutePattern) bool {
	for _, p := range patterns {
		if p.Method != method {
			continue
		}
		if strings.HasSuffix(p.Path, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p.Path, "*")) {
				return true
			}
			continue
		}
		if p.Path == path {
			return true
		}
	}
	return false
}
