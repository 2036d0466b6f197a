package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/soichiro/inkline/internal/model"
)

// PostgresProviderRepo はPostgreSQLを使用したIdP設定リポジトリ。
// 設定行は管理画面側で書き込まれ、ここでは読み取りのみ行う。
type PostgresProviderRepo struct {
	db *sql.DB
}

// NewPostgresProviderRepo はPostgresProviderRepoを生成する。
func NewPostgresProviderRepo(db *sql.DB) *PostgresProviderRepo {
	return &PostgresProviderRepo{db: db}
}

// Get は指定プロバイダーの設定を取得する。見つからない場合はnilを返す。
func (r *PostgresProviderRepo) Get(ctx context.Context, provider string) (*model.ProviderConfig, error) {
	cfg := &model.ProviderConfig{}
	err := r.db.QueryRowContext(ctx,
		`SELECT provider, key, secret, enabled, redirect_uri, auth_url, token_url, userinfo_url, scope
		 FROM auth_providers
		 WHERE provider = $1`,
		provider,
	).Scan(
		&cfg.Provider, &cfg.Key, &cfg.Secret, &cfg.Enabled,
		&cfg.RedirectURI, &cfg.AuthURL, &cfg.TokenURL, &cfg.UserInfoURL, &cfg.Scope,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find provider config: %w", err)
	}

	return cfg, nil
}

// compile-time interface check
var _ ProviderRepository = (*PostgresProviderRepo)(nil)
