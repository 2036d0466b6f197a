package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/soichiro/inkline/internal/auth"
	"github.com/soichiro/inkline/internal/middleware"
	"github.com/soichiro/inkline/internal/model"
	"github.com/soichiro/inkline/internal/session"
)

// --- モック定義 ---

type mockAuthService struct {
	handleCallbackFn func(ctx context.Context, provider, code string) (*auth.LoginResult, error)
	localLoginFn     func(ctx context.Context, identifier, password string) (*auth.LoginResult, error)

	callbackCalls int
}

func (m *mockAuthService) HandleCallback(ctx context.Context, provider, code string) (*auth.LoginResult, error) {
	m.callbackCalls++
	if m.handleCallbackFn == nil {
		return &auth.LoginResult{
			User:  &model.User{ID: 1, Username: "alice", Email: "alice@example.com", Provider: provider, Confirmed: true},
			Token: "session-jwt",
		}, nil
	}
	return m.handleCallbackFn(ctx, provider, code)
}

func (m *mockAuthService) LocalLogin(ctx context.Context, identifier, password string) (*auth.LoginResult, error) {
	if m.localLoginFn == nil {
		return &auth.LoginResult{
			User:  &model.User{ID: 1, Username: "alice", Email: "alice@example.com", Provider: "local", Confirmed: true},
			Token: "session-jwt",
		}, nil
	}
	return m.localLoginFn(ctx, identifier, password)
}

type mockProviderSource struct {
	cfg *model.ProviderConfig
	err error
}

func (m *mockProviderSource) Get(ctx context.Context, provider string) (*model.ProviderConfig, error) {
	return m.cfg, m.err
}

func enabledProvider(provider string) *model.ProviderConfig {
	return &model.ProviderConfig{
		Provider:    provider,
		Key:         "client-id",
		Secret:      "client-secret",
		Enabled:     true,
		RedirectURI: "https://api.inkline.test/api/connect/" + provider + "/callback",
		AuthURL:     "https://idp.example.com/oauth/authorize",
		TokenURL:    "https://idp.example.com/oauth/token",
		UserInfoURL: "https://idp.example.com/userinfo",
	}
}

func defaultAuthConfig() AuthHandlerConfig {
	return AuthHandlerConfig{
		RedirectAllowList: []string{"https://app.inkline.test", "https://api.inkline.test"},
		SessionDelivery:   "cookie",
		SessionMaxAge:     3600,
	}
}

// serveAuthRoutes はprovider URLパラメータを解決するためchi経由でハンドラーを実行する。
func serveAuthRoutes(h *AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/connect/{provider}", h.Connect)
	r.Get("/api/connect/{provider}/callback", h.Callback)
	return r
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body.Code
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// --- Connect ---

func TestConnect_RedirectsToProvider(t *testing.T) {
	providers := &mockProviderSource{cfg: enabledProvider("google")}
	h := NewAuthHandler(&mockAuthService{}, providers, defaultAuthConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/connect/google", nil)
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse Location: %v", err)
	}
	if location.Host != "idp.example.com" {
		t.Errorf("redirect host = %q, want idp.example.com", location.Host)
	}
	if got := location.Query().Get("client_id"); got != "client-id" {
		t.Errorf("client_id = %q", got)
	}
	if got := location.Query().Get("response_type"); got != "code" {
		t.Errorf("response_type = %q", got)
	}

	// stateはCookieとリダイレクトURLで一致する
	stateCookie := cookieByName(rec, "oauth_state")
	if stateCookie == nil {
		t.Fatal("oauth_state cookie not set")
	}
	if !stateCookie.HttpOnly {
		t.Error("oauth_state cookie should be HttpOnly")
	}
	if stateCookie.MaxAge != 600 {
		t.Errorf("oauth_state MaxAge = %d, want 600", stateCookie.MaxAge)
	}
	if got := location.Query().Get("state"); got == "" || got != stateCookie.Value {
		t.Errorf("state param %q does not match cookie %q", got, stateCookie.Value)
	}
}

func TestConnect_UnknownProvider_FallsBack(t *testing.T) {
	providers := &mockProviderSource{cfg: nil}
	h := NewAuthHandler(&mockAuthService{}, providers, defaultAuthConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/connect/unknown", nil)
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeErrorCode(t, rec); got != "AUTH_CALLBACK_FAILED" {
		t.Errorf("error code = %q", got)
	}
}

func TestConnect_DisabledProvider_FallsBack(t *testing.T) {
	cfg := enabledProvider("google")
	cfg.Enabled = false
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{cfg: cfg}, defaultAuthConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/connect/google", nil)
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// --- Callback ---

func callbackRequest(query string, state string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/connect/google/callback?"+query, nil)
	if state != "" {
		req.AddCookie(&http.Cookie{Name: "oauth_state", Value: state})
	}
	return req
}

func TestCallback_Success_CookieDelivery(t *testing.T) {
	service := &mockAuthService{}
	h := NewAuthHandler(service, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), nil)

	req := callbackRequest("code=abc123&state=st", "st")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}

	// リダイレクト先は許可リスト先頭のオリジン。トークンはURLに含めない
	location := rec.Header().Get("Location")
	if location != "https://app.inkline.test/auth/callback" {
		t.Errorf("Location = %q", location)
	}
	if strings.Contains(location, "session-jwt") {
		t.Error("session token must not appear in redirect URL")
	}

	// 両方のセッションCookieが発行される
	for _, name := range session.CookieNames() {
		c := cookieByName(rec, name)
		if c == nil {
			t.Fatalf("cookie %q not set", name)
		}
		if c.Value != "session-jwt" {
			t.Errorf("cookie %q = %q", name, c.Value)
		}
	}

	// stateクッキーは失効する
	stateCookie := cookieByName(rec, "oauth_state")
	if stateCookie == nil || stateCookie.MaxAge != -1 {
		t.Errorf("oauth_state cookie should be expired, got %+v", stateCookie)
	}
}

func TestCallback_Success_QueryDelivery(t *testing.T) {
	cfg := defaultAuthConfig()
	cfg.SessionDelivery = "query"
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{cfg: enabledProvider("google")}, cfg, nil)

	req := callbackRequest("code=abc123&state=st", "st")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse Location: %v", err)
	}
	if got := location.Query().Get("access_token"); got != "session-jwt" {
		t.Errorf("access_token param = %q", got)
	}

	// クエリ配送ではセッションCookieを発行しない
	for _, name := range session.CookieNames() {
		if cookieByName(rec, name) != nil {
			t.Errorf("cookie %q must not be set in query delivery mode", name)
		}
	}
}

func TestCallback_RedirectParam_AllowedOrigin(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), nil)

	req := callbackRequest("code=abc&state=st&redirect="+url.QueryEscape("https://api.inkline.test/somewhere"), "st")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if got := rec.Header().Get("Location"); got != "https://api.inkline.test/auth/callback" {
		t.Errorf("Location = %q, want allowed origin callback", got)
	}
}

func TestCallback_RedirectParam_UnlistedOrigin_FallsBack(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), nil)

	req := callbackRequest("code=abc&state=st&redirect="+url.QueryEscape("https://evil.example.com"), "st")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if got := rec.Header().Get("Location"); got != "https://app.inkline.test/auth/callback" {
		t.Errorf("Location = %q, want fallback origin callback", got)
	}
}

func TestCallback_StateMismatch_FallsBack(t *testing.T) {
	service := &mockAuthService{}
	h := NewAuthHandler(service, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), nil)

	req := callbackRequest("code=abc&state=attacker", "legit")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if service.callbackCalls != 0 {
		t.Error("exchange must not run on state mismatch")
	}
}

func TestCallback_MissingStateCookie_FallsBack(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), nil)

	req := callbackRequest("code=abc&state=st", "")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCallback_MissingCode_FallsBack(t *testing.T) {
	service := &mockAuthService{}
	h := NewAuthHandler(service, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), nil)

	req := callbackRequest("state=st", "st")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if service.callbackCalls != 0 {
		t.Error("exchange must not run without a code")
	}
}

func TestCallback_PipelineFallthrough_DelegatesToFallback(t *testing.T) {
	service := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, provider, code string) (*auth.LoginResult, error) {
			return nil, &auth.FallthroughError{Step: auth.StepExchange, Err: errors.New("exchange failed")}
		},
	}
	h := NewAuthHandler(service, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), nil)

	req := callbackRequest("code=expired&state=st", "st")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeErrorCode(t, rec); got != "AUTH_CALLBACK_FAILED" {
		t.Errorf("error code = %q", got)
	}
}

func TestCallback_CustomFallbackHandler(t *testing.T) {
	service := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, provider, code string) (*auth.LoginResult, error) {
			return nil, &auth.FallthroughError{Step: auth.StepConfig, Err: errors.New("unknown provider")}
		},
	}
	fallbackCalled := false
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalled = true
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewAuthHandler(service, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), fallback)

	req := callbackRequest("code=abc&state=st", "st")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if !fallbackCalled {
		t.Fatal("custom fallback handler was not invoked")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want fallback status", rec.Code)
	}
}

func TestCallback_BlockedUser_Returns403WithoutSession(t *testing.T) {
	service := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, provider, code string) (*auth.LoginResult, error) {
			return nil, auth.ErrBlocked
		},
	}
	h := NewAuthHandler(service, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), nil)

	req := callbackRequest("code=abc&state=st", "st")
	rec := httptest.NewRecorder()
	serveAuthRoutes(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := decodeErrorCode(t, rec); got != model.ErrCodeUserBlocked {
		t.Errorf("error code = %q", got)
	}
	for _, name := range session.CookieNames() {
		if cookieByName(rec, name) != nil {
			t.Errorf("session cookie %q must not be set for blocked user", name)
		}
	}
}

func TestCallback_InvariantViolation_Returns500(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "role missing", err: auth.ErrRoleMissing},
		{name: "username exhausted", err: auth.ErrUsernameExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &mockAuthService{
				handleCallbackFn: func(ctx context.Context, provider, code string) (*auth.LoginResult, error) {
					return nil, tt.err
				},
			}
			h := NewAuthHandler(service, &mockProviderSource{cfg: enabledProvider("google")}, defaultAuthConfig(), nil)

			req := callbackRequest("code=abc&state=st", "st")
			rec := httptest.NewRecorder()
			serveAuthRoutes(h).ServeHTTP(rec, req)

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
		})
	}
}

// --- LocalLogin ---

func localLoginRequestBody(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/local", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestLocalLogin_Success(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{}, defaultAuthConfig(), nil)

	rec := httptest.NewRecorder()
	h.LocalLogin(rec, localLoginRequestBody(`{"identifier":"alice@example.com","password":"pw"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		JWT  string         `json:"jwt"`
		User map[string]any `json:"user"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.JWT != "session-jwt" {
		t.Errorf("jwt = %q", body.JWT)
	}
	if body.User["username"] != "alice" {
		t.Errorf("username = %v", body.User["username"])
	}
	// 内部フィールドは露出しない
	if _, ok := body.User["password"]; ok {
		t.Error("password must not appear in response")
	}
	if _, ok := body.User["blocked"]; ok {
		t.Error("blocked flag must not appear in response")
	}
}

func TestLocalLogin_MalformedBody(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{}, defaultAuthConfig(), nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid JSON", body: `{not json`},
		{name: "missing identifier", body: `{"password":"pw"}`},
		{name: "missing password", body: `{"identifier":"alice"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.LocalLogin(rec, localLoginRequestBody(tt.body))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestLocalLogin_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "invalid credentials", err: auth.ErrInvalidCredentials, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidCredentials},
		{name: "blocked", err: auth.ErrBlocked, wantStatus: http.StatusForbidden, wantCode: model.ErrCodeUserBlocked},
		{name: "unconfirmed", err: auth.ErrUnconfirmed, wantStatus: http.StatusForbidden, wantCode: model.ErrCodeUnconfirmedAccount},
		{name: "unexpected", err: errors.New("db down"), wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &mockAuthService{
				localLoginFn: func(ctx context.Context, identifier, password string) (*auth.LoginResult, error) {
					return nil, tt.err
				},
			}
			h := NewAuthHandler(service, &mockProviderSource{}, defaultAuthConfig(), nil)

			rec := httptest.NewRecorder()
			h.LocalLogin(rec, localLoginRequestBody(`{"identifier":"alice","password":"pw"}`))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeErrorCode(t, rec); got != tt.wantCode {
				t.Errorf("error code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

// --- Logout / Me ---

func TestLogout_ClearsSessionCookies(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{}, defaultAuthConfig(), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	rec := httptest.NewRecorder()
	h.Logout(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	for _, name := range session.CookieNames() {
		c := cookieByName(rec, name)
		if c == nil {
			t.Fatalf("cookie %q not cleared", name)
		}
		if c.MaxAge != -1 {
			t.Errorf("cookie %q MaxAge = %d, want -1", name, c.MaxAge)
		}
	}
}

func TestMe_AuthenticatedUser(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{}, defaultAuthConfig(), nil)

	user := &model.User{ID: 42, Username: "alice", Email: "alice@example.com", Provider: "google", Confirmed: true}
	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req = req.WithContext(middleware.ContextWithUser(req.Context(), user))

	rec := httptest.NewRecorder()
	h.Me(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["username"] != "alice" {
		t.Errorf("username = %v", body["username"])
	}
	if body["provider"] != "google" {
		t.Errorf("provider = %v", body["provider"])
	}
}

func TestMe_Unauthenticated_Returns401(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockProviderSource{}, defaultAuthConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	rec := httptest.NewRecorder()
	h.Me(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeErrorCode(t, rec); got != model.ErrCodeUnauthorized {
		t.Errorf("error code = %q", got)
	}
}
