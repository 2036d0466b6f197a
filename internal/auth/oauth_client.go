package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/soichiro/inkline/internal/model"
)

// defaultScope はプロバイダー設定にスコープ指定がない場合に使用する。
const defaultScope = "openid email profile"

// Profile はプロバイダーのuserinfoエンドポイントから取得したユーザー情報を表す。
// EmailVerifiedはプロバイダーが明示した場合のみtrueになる（クレーム欠落はfalse扱い）。
type Profile struct {
	Email         string
	EmailVerified bool
}

// OAuthClient は認可コード交換とプロフィール取得のインターフェース。
// エンドポイントはプロバイダー設定行から与えられ、実装は固定URLを持たない。
type OAuthClient interface {
	// ExchangeCode は認可コードをアクセストークンに交換する。
	// redirectURIには認可リクエストで実際に使用された値を渡す。
	ExchangeCode(ctx context.Context, cfg *model.ProviderConfig, code, redirectURI string) (string, error)
	// FetchProfile はアクセストークンでプロフィールを取得する。
	FetchProfile(ctx context.Context, cfg *model.ProviderConfig, accessToken string) (*Profile, error)
}

// CallbackURI は環境由来のコールバックオリジンからredirect_uriを組み立てる。
// リライターミドルウェアの書き換え先とコード交換で送る値は、必ずこの関数で
// 計算した同一の値を使う（両者が食い違うとIdPが交換を拒否する）。
func CallbackURI(base, provider string) string {
	return base + "/api/connect/" + provider + "/callback"
}

// HTTPOAuthClient はHTTP経由でOAuthエンドポイントと通信するOAuthClient実装。
// クライアントにはタイムアウトとSSRF防止が設定済みのものを渡すこと
// （エンドポイントURLは管理者設定の行から来るため、内部ネットワークを
// 指していないことをトランスポート層で保証する）。
type HTTPOAuthClient struct {
	client *http.Client
}

// NewHTTPOAuthClient はHTTPOAuthClientを生成する。
func NewHTTPOAuthClient(client *http.Client) *HTTPOAuthClient {
	return &HTTPOAuthClient{client: client}
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// userInfoResponse はuserinfoエンドポイントのレスポンス。
type userInfoResponse struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// AuthCodeURL は認可リクエストのURLを組み立てる。
// redirect_uriには設定行のRedirectURIをそのまま使用する。初期リクエストと
// コード交換で同一値を送る必要があるため、書き換えはレスポンス側の
// ミドルウェアで行う。
func AuthCodeURL(cfg *model.ProviderConfig, state string) string {
	scope := cfg.Scope
	if scope == "" {
		scope = defaultScope
	}
	params := url.Values{
		"client_id":     {cfg.Key},
		"redirect_uri":  {cfg.RedirectURI},
		"response_type": {"code"},
		"scope":         {scope},
		"state":         {state},
	}
	return cfg.AuthURL + "?" + params.Encode()
}

// ExchangeCode は認可コードをアクセストークンに交換する。
// redirect_uriは認可リクエスト時と同一の値を送る必要がある。リライターが
// 書き換えた後の値をredirectURIとして受け取り、空の場合のみ設定行の
// RedirectURIにフォールバックする。
// 失敗時のリトライは行わない。失敗はそのままフォールスルーに委ねる。
func (c *HTTPOAuthClient) ExchangeCode(ctx context.Context, cfg *model.ProviderConfig, code, redirectURI string) (string, error) {
	if redirectURI == "" {
		redirectURI = cfg.RedirectURI
	}
	data := url.Values{
		"code":          {code},
		"client_id":     {cfg.Key},
		"client_secret": {cfg.Secret},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("token exchange failed with status %d", resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}

	return tokenResp.AccessToken, nil
}

// FetchProfile はアクセストークンでプロフィールを取得する。
// メールアドレスが空の場合はエラーを返す（呼び出し側でフォールスルー）。
func (c *HTTPOAuthClient) FetchProfile(ctx context.Context, cfg *model.ProviderConfig, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("user info fetch failed with status %d", resp.StatusCode)
	}

	var userInfo userInfoResponse
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}

	if userInfo.Email == "" {
		return nil, fmt.Errorf("empty email in user info response")
	}

	return &Profile{
		Email:         userInfo.Email,
		EmailVerified: userInfo.EmailVerified,
	}, nil
}

// compile-time interface check
var _ OAuthClient = (*HTTPOAuthClient)(nil)
