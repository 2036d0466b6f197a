package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/soichiro/inkline/internal/model"
)

// newIntegrationRouter はサーバー本体と同じ順序でミドルウェアを積んだ
// chi.Routerを組み立てる。
func newIntegrationRouter(verifier TokenVerifier, finder UserFinder, providers ProviderConfigSource, callbackBase string) chi.Router {
	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware())
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewCORSMiddleware("https://app.inkline.test"))
	r.Use(NewAuthGuardMiddleware(verifier, finder, ProtectedRoutes()))

	r.With(NewRedirectRewriterMiddleware(providers, callbackBase)).
		Get("/api/connect/{provider}", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r,
				"https://idp.example.com/oauth/authorize?client_id=abc&redirect_uri="+
					url.QueryEscape("https://stale.example.com/api/connect/github/callback"),
				http.StatusTemporaryRedirect)
		})

	r.Get("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// TestRouterIntegration_ConnectRedirectRewritten はOAuth開始ルートの
// リダイレクトがチェーン全体を通った上で書き換えられることを検証する。
func TestRouterIntegration_ConnectRedirectRewritten(t *testing.T) {
	providers := &mockProviderSource{cfg: &model.ProviderConfig{
		Provider: "github",
		Enabled:  true,
		AuthURL:  "https://idp.example.com/oauth/authorize",
	}}
	r := newIntegrationRouter(&mockVerifier{}, &mockUserFinder{}, providers, "https://api.inkline.test")

	req := httptest.NewRequest(http.MethodGet, "/api/connect/github", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse Location: %v", err)
	}
	if got := location.Query().Get("redirect_uri"); got != "https://api.inkline.test/api/connect/github/callback" {
		t.Errorf("redirect_uri = %q, want rewritten callback", got)
	}

	// チェーン外側のヘッダーも付与されている
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.inkline.test" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

// TestRouterIntegration_MeWithoutToken はガードが素通しした未認証リクエストを
// エンドポイント側が401で拒否することを検証する。
func TestRouterIntegration_MeWithoutToken(t *testing.T) {
	verifier := &mockVerifier{}
	r := newIntegrationRouter(verifier, &mockUserFinder{}, &mockProviderSource{}, "https://api.inkline.test")

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if verifier.called {
		t.Error("Verify should not be called without a token")
	}
}

// TestRouterIntegration_MeWithValidToken は有効なセッションCookie付きの
// リクエストがガードを経てユーザーとして扱われることを検証する。
func TestRouterIntegration_MeWithValidToken(t *testing.T) {
	verifier := &mockVerifier{userID: 42}
	finder := &mockUserFinder{user: &model.User{ID: 42, Username: "alice"}}
	r := newIntegrationRouter(verifier, finder, &mockProviderSource{}, "https://api.inkline.test")

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if verifier.token != "valid-token" {
		t.Errorf("verified token = %q, want valid-token", verifier.token)
	}
}
