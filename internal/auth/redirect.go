package auth

import (
	"net/url"
	"strings"
)

// ResolveRedirectOrigin は呼び出し元指定のリダイレクト先を許可リストで検証し、
// ログイン後リダイレクトに使用するオリジンを返す。
// rawのオリジンが許可リストのいずれかと完全一致する場合のみ採用し、
// それ以外（不一致・空・パース不能）は黙って破棄して先頭の許可オリジンに
// フォールバックする。オープンリダイレクト防御であり、不正なURLによる
// 例外経路でも検証を迂回できない。
func ResolveRedirectOrigin(raw string, allowList []string) string {
	fallback := originOf(allowList[0])

	if raw == "" {
		return fallback
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fallback
	}
	origin := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range allowList {
		if origin == originOf(allowed) {
			return origin
		}
	}
	return fallback
}

// originOf は設定値からオリジン部分（scheme://host[:port]）を取り出す。
// パス付きで設定されていても末尾を落として比較できるようにする。
func originOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	return parsed.Scheme + "://" + parsed.Host
}
