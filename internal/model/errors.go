// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// プロバイダーのレスポンス本文やスタックトレースは含めない（ログのみに記録する）。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeProviderDisabled   = "PROVIDER_DISABLED"
	ErrCodeExchangeFailed     = "EXCHANGE_FAILED"
	ErrCodeUserBlocked        = "USER_BLOCKED"
	ErrCodeRoleMissing        = "ROLE_MISSING"
	ErrCodeUsernameExhausted  = "USERNAME_EXHAUSTED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeUnconfirmedAccount = "UNCONFIRMED_ACCOUNT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
)

// NewUserBlockedError はブロック済みユーザーのログイン試行エラーを生成する。
func NewUserBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeUserBlocked,
		Message:  "このアカウントは利用を制限されています。",
		Category: "auth",
		Action:   "サポートに問い合わせてください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// ユーザーの存在有無を区別しない汎用メッセージを返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewUnconfirmedAccountError はメール未確認アカウントのログイン試行エラーを生成する。
func NewUnconfirmedAccountError() *APIError {
	return &APIError{
		Code:     ErrCodeUnconfirmedAccount,
		Message:  "メールアドレスの確認が完了していません。",
		Category: "auth",
		Action:   "確認メールのリンクを開いてから再度ログインしてください。",
	}
}

// NewUnauthorizedError は認証が必要なエンドポイントへの未認証アクセスエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}
