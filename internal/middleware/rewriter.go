package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/soichiro/inkline/internal/auth"
	"github.com/soichiro/inkline/internal/model"
)

// ProviderConfigSource はリライターが必要とするIdP設定取得のインターフェース。
// repository.ProviderRepositoryの部分集合として定義する。
type ProviderConfigSource interface {
	Get(ctx context.Context, provider string) (*model.ProviderConfig, error)
}

// NewRedirectRewriterMiddleware はOAuth開始リクエストのレスポンスを検査し、
// IdPへのリダイレクトに含まれるredirect_uriを現在の環境から計算した値に
// 書き換えるミドルウェアを返す。
//
// callbackBaseは環境由来のコールバック先オリジン（開発環境ではフロントエンド
// プロキシのオリジン、本番環境ではバックエンドのオリジン）。書き換え後の値は
// `{callbackBase}/api/connect/{provider}/callback` になる。
//
// リダイレクト先のホストがIdPの認可エンドポイントと一致しないレスポンス、
// リダイレクト以外のレスポンスは無修正で通す。リダイレクトURLのパースに
// 失敗した場合はログを残し、元のリダイレクトをそのまま転送する
// （フェイルセーフ。セキュリティ判断を伴う箇所ではないため転送してよい）。
func NewRedirectRewriterMiddleware(providers ProviderConfigSource, callbackBase string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := newBufferedResponse()
			next.ServeHTTP(buf, r)

			location := buf.Header().Get("Location")
			if buf.statusCode < 300 || buf.statusCode > 399 || location == "" {
				flushBuffered(w, buf, r)
				return
			}

			provider := chi.URLParam(r, "provider")
			rewritten, ok := rewriteRedirectURI(r.Context(), providers, provider, location, callbackBase)
			if ok {
				buf.Header().Set("Location", rewritten)
			}

			flushBuffered(w, buf, r)
		})
	}
}

// rewriteRedirectURI はIdP向けリダイレクトのredirect_uriを書き換える。
// 書き換えを行わない場合はfalseを返す。
func rewriteRedirectURI(ctx context.Context, providers ProviderConfigSource, provider, location, callbackBase string) (string, bool) {
	cfg, err := providers.Get(ctx, provider)
	if err != nil || cfg == nil {
		return "", false
	}

	authURL, err := url.Parse(cfg.AuthURL)
	if err != nil {
		return "", false
	}

	target, err := url.Parse(location)
	if err != nil {
		slog.Warn("failed to parse provider redirect URL; forwarding unmodified",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return "", false
	}

	// IdPの認可エンドポイント以外へのリダイレクトには触れない
	if target.Host == "" || target.Host != authURL.Host {
		return "", false
	}

	query := target.Query()
	if query.Get("redirect_uri") == "" {
		return "", false
	}
	// コード交換側と同じ計算を使う。食い違うとIdPが交換を拒否する
	query.Set("redirect_uri", auth.CallbackURI(callbackBase, provider))
	target.RawQuery = query.Encode()

	return target.String(), true
}

// flushBuffered はバッファしたレスポンスを書き出す。書き出しの失敗はログのみ残す。
func flushBuffered(w http.ResponseWriter, buf *bufferedResponse, r *http.Request) {
	if err := buf.flush(w); err != nil {
		slog.Error("failed to write buffered response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
