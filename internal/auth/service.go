// Package auth はOAuth認可コード交換とセッションブートストラップを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/soichiro/inkline/internal/model"
	"github.com/soichiro/inkline/internal/repository"
)

// パイプラインのステップ名。ログと監査イベントで使用する。
const (
	StepConfig   = "config"
	StepExchange = "exchange"
	StepProfile  = "profile"
	StepResolve  = "resolve"
	StepIssue    = "issue"
	StepLocal    = "local"
)

// FallthroughError はパイプラインのソフト失敗を示す。
// 呼び出し側はデフォルトハンドラーに処理を委譲する（終了応答は返さない）。
type FallthroughError struct {
	Step string
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *FallthroughError) Error() string {
	return fmt.Sprintf("fallthrough at %s: %v", e.Step, e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *FallthroughError) Unwrap() error {
	return e.Err
}

// パイプラインの終了エラー。
var (
	// ErrBlocked はブロック済みユーザーのログイン試行を示す。終了応答は403。
	ErrBlocked = errors.New("user is blocked")
	// ErrRoleMissing はデフォルトロールの欠落を示す。終了応答は500。
	ErrRoleMissing = errors.New("default role not found")
	// ErrInvalidCredentials はローカルログインの認証情報不一致を示す。
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnconfirmed はメール未確認アカウントのローカルログイン試行を示す。
	ErrUnconfirmed = errors.New("account email is not confirmed")
)

// TokenIssuer はセッショントークンの発行インターフェース。
type TokenIssuer interface {
	Issue(userID int64) (string, error)
}

// MetricsRecorder はログインパイプラインのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordLoginSuccess(provider string)
	RecordLoginFallthrough(provider, step string)
	RecordLoginDenied(provider string)
	RecordExchangeLatency(duration time.Duration)
}

// LoginResult はログイン成功時の結果を表す。
type LoginResult struct {
	User  *model.User
	Token string
}

// Service はOAuthコールバック処理とローカルログインのビジネスロジックを提供する。
type Service struct {
	providers    repository.ProviderRepository
	users        repository.UserRepository
	roles        repository.RoleRepository
	events       repository.LoginEventRepository
	oauth        OAuthClient
	issuer       TokenIssuer
	metrics      MetricsRecorder
	callbackBase string
	now          func() time.Time
}

// NewService はServiceを生成する。
// callbackBaseはリライターミドルウェアと同じ環境由来のコールバックオリジン。
// コード交換では認可リクエストで実際に使われた（書き換え後の）redirect_uriと
// 同一の値を送る必要があるため、ここから再計算する。空の場合は設定行の
// RedirectURIをそのまま使う。
// nowがnilの場合はtime.Nowを使用する（テスト時のみ差し替える）。
func NewService(
	providers repository.ProviderRepository,
	users repository.UserRepository,
	roles repository.RoleRepository,
	events repository.LoginEventRepository,
	oauth OAuthClient,
	issuer TokenIssuer,
	metrics MetricsRecorder,
	callbackBase string,
	now func() time.Time,
) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		providers:    providers,
		users:        users,
		roles:        roles,
		events:       events,
		oauth:        oauth,
		issuer:       issuer,
		metrics:      metrics,
		callbackBase: callbackBase,
		now:          now,
	}
}

// HandleCallback はOAuthコールバックの認可コード交換からセッション発行までを処理する。
//
// 失敗の扱いは3系統に分かれる:
//   - ソフト失敗（プロバイダー設定不備、交換失敗、プロフィール不備、その他未列挙の例外）
//     は*FallthroughErrorを返し、呼び出し側がデフォルトハンドラーに委譲する。
//   - ブロック済みユーザーはErrBlockedを返す（403、セッションは発行しない）。
//   - デフォルトロール欠落・ユーザー名試行の枯渇はシステム不変条件違反（500）。
func (s *Service) HandleCallback(ctx context.Context, provider, code string) (*LoginResult, error) {
	// 1. プロバイダー設定のロード
	cfg, err := s.providers.Get(ctx, provider)
	if err != nil {
		return nil, s.fallthroughAt(ctx, provider, StepConfig, nil, err)
	}
	if cfg == nil || !cfg.Enabled || cfg.Key == "" || cfg.Secret == "" {
		return nil, s.fallthroughAt(ctx, provider, StepConfig, nil, errors.New("provider unknown, disabled, or missing credentials"))
	}

	// 2. 認可コードをアクセストークンに交換
	// redirect_uriはリライターが書き換えた初期リクエストの値と一致させる
	redirectURI := cfg.RedirectURI
	if s.callbackBase != "" {
		redirectURI = CallbackURI(s.callbackBase, provider)
	}
	start := s.now()
	accessToken, err := s.oauth.ExchangeCode(ctx, cfg, code, redirectURI)
	s.metrics.RecordExchangeLatency(s.now().Sub(start))
	if err != nil {
		return nil, s.fallthroughAt(ctx, provider, StepExchange, nil, err)
	}

	// 3. プロフィール取得
	profile, err := s.oauth.FetchProfile(ctx, cfg, accessToken)
	if err != nil {
		return nil, s.fallthroughAt(ctx, provider, StepProfile, nil, err)
	}

	// 4. ユーザーの解決または作成
	user, err := s.resolveUser(ctx, provider, profile)
	if err != nil {
		return nil, err
	}

	// 5. セッショントークンの発行
	token, err := s.issuer.Issue(user.ID)
	if err != nil {
		return nil, s.fallthroughAt(ctx, provider, StepIssue, &user.ID, err)
	}

	s.metrics.RecordLoginSuccess(provider)
	s.recordEvent(ctx, provider, StepIssue, model.OutcomeSuccess, &user.ID)
	slog.Info("oauth login succeeded",
		slog.String("provider", provider),
		slog.Int64("user_id", user.ID),
	)

	return &LoginResult{User: user, Token: token}, nil
}

// resolveUser はプロフィールのメールアドレスからユーザーを解決または作成する。
func (s *Service) resolveUser(ctx context.Context, provider string, profile *Profile) (*model.User, error) {
	user, err := s.users.FindByEmail(ctx, profile.Email)
	if err != nil {
		return nil, s.fallthroughAt(ctx, provider, StepResolve, nil, err)
	}

	if user == nil {
		user, err = s.createUser(ctx, provider, profile)
		if err != nil {
			return nil, err
		}
	}

	// 作成直後の再取得を含め、ブロック済みユーザーにはセッションを発行しない
	if user.Blocked {
		s.metrics.RecordLoginDenied(provider)
		s.recordEvent(ctx, provider, StepResolve, model.OutcomeForbidden, &user.ID)
		slog.Warn("blocked user attempted oauth login",
			slog.String("provider", provider),
			slog.Int64("user_id", user.ID),
		)
		return nil, ErrBlocked
	}

	// 最後に使用したプロバイダーを記録する
	if user.Provider != provider {
		if err := s.users.UpdateProvider(ctx, user.ID, provider); err != nil {
			return nil, s.fallthroughAt(ctx, provider, StepResolve, &user.ID, err)
		}
		user.Provider = provider
	}

	return user, nil
}

// createUser は初回ログインのユーザーを作成する。
// 一意制約違反（同一メールアドレスへの同時初回ログイン）は
// 「既に存在する。再取得せよ」として扱う。
func (s *Service) createUser(ctx context.Context, provider string, profile *Profile) (*model.User, error) {
	role, err := s.roles.FindDefault(ctx)
	if err != nil {
		return nil, s.fallthroughAt(ctx, provider, StepResolve, nil, err)
	}
	if role == nil {
		s.recordEvent(ctx, provider, StepResolve, model.OutcomeServerError, nil)
		slog.Error("default role is missing",
			slog.String("provider", provider),
			slog.String("step", StepResolve),
		)
		return nil, ErrRoleMissing
	}

	exists := func(ctx context.Context, username string) (bool, error) {
		found, err := s.users.FindByUsername(ctx, username)
		if err != nil {
			return false, err
		}
		return found != nil, nil
	}

	username, err := ResolveUsername(ctx, exists, DeriveUsername(profile.Email), s.now())
	if errors.Is(err, ErrUsernameExhausted) {
		s.recordEvent(ctx, provider, StepResolve, model.OutcomeServerError, nil)
		slog.Error("username collision attempts exhausted",
			slog.String("provider", provider),
			slog.String("step", StepResolve),
			slog.String("email", profile.Email),
		)
		return nil, err
	}
	if err != nil {
		return nil, s.fallthroughAt(ctx, provider, StepResolve, nil, err)
	}

	user := &model.User{
		Username:  username,
		Email:     profile.Email,
		Provider:  provider,
		Confirmed: profile.EmailVerified,
		Blocked:   false,
		RoleID:    role.ID,
	}

	err = s.users.Create(ctx, user)
	if errors.Is(err, repository.ErrDuplicate) {
		// 同時初回ログインに負けた側。勝った側が作成した行を再取得する
		existing, ferr := s.users.FindByEmail(ctx, profile.Email)
		if ferr != nil || existing == nil {
			return nil, s.fallthroughAt(ctx, provider, StepResolve, nil, fmt.Errorf("failed to refetch user after duplicate: %w", ferr))
		}
		return existing, nil
	}
	if err != nil {
		return nil, s.fallthroughAt(ctx, provider, StepResolve, nil, err)
	}

	slog.Info("new user created",
		slog.Int64("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("provider", provider),
		slog.Bool("confirmed", user.Confirmed),
	)

	return user, nil
}

// LocalLogin はメールアドレス（またはユーザー名）とパスワードでログインする。
func (s *Service) LocalLogin(ctx context.Context, identifier, password string) (*LoginResult, error) {
	user, err := s.users.FindByEmail(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		user, err = s.users.FindByUsername(ctx, identifier)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
	}
	if user == nil || user.Password == "" {
		s.metrics.RecordLoginDenied("local")
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		s.metrics.RecordLoginDenied("local")
		s.recordEvent(ctx, "local", StepLocal, model.OutcomeForbidden, &user.ID)
		return nil, ErrInvalidCredentials
	}

	if user.Blocked {
		s.metrics.RecordLoginDenied("local")
		s.recordEvent(ctx, "local", StepLocal, model.OutcomeForbidden, &user.ID)
		slog.Warn("blocked user attempted local login", slog.Int64("user_id", user.ID))
		return nil, ErrBlocked
	}
	if !user.Confirmed {
		s.metrics.RecordLoginDenied("local")
		return nil, ErrUnconfirmed
	}

	tokenString, err := s.issuer.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	s.metrics.RecordLoginSuccess("local")
	s.recordEvent(ctx, "local", StepLocal, model.OutcomeSuccess, &user.ID)
	slog.Info("local login succeeded", slog.Int64("user_id", user.ID))

	return &LoginResult{User: user, Token: tokenString}, nil
}

// fallthroughAt はソフト失敗のログと監査イベントを記録し、FallthroughErrorを返す。
func (s *Service) fallthroughAt(ctx context.Context, provider, step string, userID *int64, err error) error {
	s.metrics.RecordLoginFallthrough(provider, step)
	s.recordEvent(ctx, provider, step, model.OutcomeFallthrough, userID)

	attrs := []any{
		slog.String("provider", provider),
		slog.String("step", step),
		slog.String("error", err.Error()),
	}
	if userID != nil {
		attrs = append(attrs, slog.Int64("user_id", *userID))
	}
	slog.Warn("oauth pipeline fell through", attrs...)

	return &FallthroughError{Step: step, Err: err}
}

// recordEvent は監査イベントを記録する。
// 監査の失敗でログイン自体を失敗させない（ログのみ残す）。
func (s *Service) recordEvent(ctx context.Context, provider, step, outcome string, userID *int64) {
	event := &model.LoginEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		Provider:  provider,
		Step:      step,
		Outcome:   outcome,
		CreatedAt: s.now(),
	}
	if err := s.events.Create(ctx, event); err != nil {
		slog.Error("failed to record login event",
			slog.String("provider", provider),
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
	}
}
