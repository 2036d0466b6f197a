// Package session はセッショントークンのCookie配送を提供する。
// コールバックハンドラーとレスポンスフィルターの両方から同じヘルパーを使い、
// Cookieフラグの二重管理によるドリフトを防ぐ。
package session

import "net/http"

// セッショントークンを保持するCookie名。両方に同じトークンを書き込む。
const (
	AccessTokenCookie = "accessToken"
	JWTTokenCookie    = "jwtToken"
)

// CookieNames はセッションCookie名の一覧を返す。
func CookieNames() []string {
	return []string{AccessTokenCookie, JWTTokenCookie}
}

// Options はセッションCookieの属性を保持する。
type Options struct {
	Secure bool // 本番環境のみtrue
	Domain string
	MaxAge int // 秒。通常は7日間
}

// Write はセッショントークンを両方のセッションCookieに書き込む。
// HttpOnly・SameSite=Lax・Path=/は固定で、呼び出し元から変更できない。
// 同一トークンの重複書き込みは冪等になる。
func Write(w http.ResponseWriter, tokenString string, opts Options) {
	for _, name := range CookieNames() {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    tokenString,
			Path:     "/",
			Domain:   opts.Domain,
			MaxAge:   opts.MaxAge,
			HttpOnly: true,
			Secure:   opts.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// Clear は両方のセッションCookieを失効させる。
func Clear(w http.ResponseWriter, opts Options) {
	for _, name := range CookieNames() {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   opts.Domain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   opts.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// TokenFromRequest はリクエストのセッションCookieからトークンを読み取る。
// どちらのCookieにも存在しない場合は空文字列を返す。
func TokenFromRequest(r *http.Request) string {
	for _, name := range CookieNames() {
		if cookie, err := r.Cookie(name); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}
	return ""
}
