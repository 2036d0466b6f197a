// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/soichiro/inkline/internal/model"
)

// ErrDuplicate は一意制約違反を示す。
// 同一メールアドレスへの同時初回ログインの衝突検出に使用する。
// 呼び出し側はこのエラーを「既に存在する。再取得せよ」として扱うこと。
var ErrDuplicate = errors.New("duplicate key violates unique constraint")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByEmail は指定メールアドレスのユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByUsername は指定ユーザー名のユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// Create はユーザーを作成し、採番されたIDをuser.IDに書き戻す。
	// email/usernameの一意制約違反の場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateProvider はユーザーのproviderフィールドを更新する。
	UpdateProvider(ctx context.Context, id int64, provider string) error
}

// RoleRepository はロールデータの永続化インターフェース。
type RoleRepository interface {
	// FindDefault は新規ユーザーに付与するデフォルトロールを取得する。
	// 見つからない場合はnilを返す（呼び出し側はシステム不変条件違反として扱う）。
	FindDefault(ctx context.Context) (*model.Role, error)
}

// ProviderRepository は外部IdP設定の読み取りインターフェース。
// 設定は管理画面側で永続化され、このサブシステムからは読み取り専用。
type ProviderRepository interface {
	// Get は指定プロバイダーの設定を取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, provider string) (*model.ProviderConfig, error)
}

// LoginEventRepository はログイン監査イベントの永続化インターフェース。
type LoginEventRepository interface {
	// Create はログインイベントを記録する。
	Create(ctx context.Context, event *model.LoginEvent) error

	// DeleteOlderThan は指定時刻より古いイベントを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
