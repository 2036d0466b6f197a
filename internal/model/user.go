// Package model はドメインモデルを定義する。
package model

import "time"

// User はプラットフォームの利用ユーザーを表す。
// Passwordはローカルログインユーザーのみbcryptハッシュを保持し、
// OAuthのみのユーザーでは空文字列になる。
type User struct {
	ID        int64
	Username  string
	Email     string
	Provider  string // "local", "google" 等。最後にログインしたプロバイダー
	Password  string
	Confirmed bool // プロバイダーがemail_verifiedを明示した場合のみtrue
	Blocked   bool
	RoleID    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Role はユーザーに付与される権限ロールを表す。
// Typeは内部識別子（"authenticated", "public" 等）。
type Role struct {
	ID   int64
	Name string
	Type string
}

// DefaultRoleType は新規作成ユーザーに付与されるロールのType値。
const DefaultRoleType = "authenticated"

// ProviderConfig は外部IdPごとの接続設定を表す。
// このサブシステムからは読み取り専用で、管理画面側で永続化される。
type ProviderConfig struct {
	Provider    string
	Key         string // client_id
	Secret      string // client_secret
	Enabled     bool
	RedirectURI string // 認可リクエストで使用したredirect_uri。交換時も同一値を送る
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	Scope       string
}

// LoginEvent はログインパイプラインの監査イベントを表す。
// 成功・フォールスルー・拒否のいずれの終了経路でも1件記録される。
type LoginEvent struct {
	ID        string
	UserID    *int64 // ユーザー解決前に終了した場合はnil
	Provider  string
	Step      string // パイプラインのステップ名
	Outcome   string // "success", "fallthrough", "forbidden", "server_error"
	CreatedAt time.Time
}

// LoginEventの終了経路。
const (
	OutcomeSuccess     = "success"
	OutcomeFallthrough = "fallthrough"
	OutcomeForbidden   = "forbidden"
	OutcomeServerError = "server_error"
)
