package middleware

import (
	"bytes"
	"net/http"
)

// bufferedResponse はレスポンス全体をバッファし、後から検査・修正してから
// 実際のResponseWriterに書き出すためのラッパー。
// リダイレクトのLocation書き換えとログイン応答のCookie付与で使用する。
type bufferedResponse struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

// newBufferedResponse はbufferedResponseを生成する。
func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{
		header:     make(http.Header),
		statusCode: http.StatusOK,
	}
}

// Header はバッファ中のレスポンスヘッダーを返す。
func (b *bufferedResponse) Header() http.Header {
	return b.header
}

// WriteHeader はステータスコードを記録する。実際の書き出しはflushで行う。
func (b *bufferedResponse) WriteHeader(code int) {
	b.statusCode = code
}

// Write はレスポンスボディをバッファに書き込む。
func (b *bufferedResponse) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

// flush はバッファした内容を実際のResponseWriterに書き出す。
// 呼び出し前にヘッダーを修正したりCookieを追加したりできる。
func (b *bufferedResponse) flush(w http.ResponseWriter) error {
	for key, values := range b.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(b.statusCode)
	_, err := w.Write(b.body.Bytes())
	return err
}
