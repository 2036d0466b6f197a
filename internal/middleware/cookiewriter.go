package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/soichiro/inkline/internal/session"
)

// loginResponseBody はログイン系エンドポイントの応答からトークンフィールドを
// 読み取るための最小の形。どちらかのフィールドが埋まっていれば対象とする。
type loginResponseBody struct {
	JWT         string `json:"jwt"`
	AccessToken string `json:"accessToken"`
}

// NewSessionCookieWriterMiddleware はログイン系エンドポイントの成功応答に
// セッションCookieを付与するレスポンスフィルターを返す。
//
// 対象はloginPathsに一致するリクエストのみ。応答が200かつJSONボディに
// トークンフィールド（jwtまたはaccessToken）を含む場合に、共有ヘルパーで
// 両方のセッションCookieを書き込む。コールバックハンドラー自身のCookie
// 書き込みとは同一トークン・同一フラグのため冪等で、両方発火しても衝突しない。
func NewSessionCookieWriterMiddleware(opts session.Options, loginPaths []RoutePattern) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !matchesRoute(r.Method, r.URL.Path, loginPaths) {
				next.ServeHTTP(w, r)
				return
			}

			buf := newBufferedResponse()
			next.ServeHTTP(buf, r)

			if buf.statusCode == http.StatusOK {
				if tokenString := tokenFromBody(buf); tokenString != "" {
					session.Write(w, tokenString, opts)
				}
			}

			flushBuffered(w, buf, r)
		})
	}
}

// tokenFromBody はバッファしたJSON応答からトークンフィールドを読み取る。
// JSON以外のボディやトークンフィールドのない応答には空文字列を返す。
func tokenFromBody(buf *bufferedResponse) string {
	contentType := buf.Header().Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return ""
	}

	var body loginResponseBody
	if err := json.Unmarshal(buf.body.Bytes(), &body); err != nil {
		return ""
	}
	if body.JWT != "" {
		return body.JWT
	}
	return body.AccessToken
}
