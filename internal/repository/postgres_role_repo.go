package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/soichiro/inkline/internal/model"
)

// PostgresRoleRepo はPostgreSQLを使用したロールリポジトリ。
type PostgresRoleRepo struct {
	db *sql.DB
}

// NewPostgresRoleRepo はPostgresRoleRepoを生成する。
func NewPostgresRoleRepo(db *sql.DB) *PostgresRoleRepo {
	return &PostgresRoleRepo{db: db}
}

// FindDefault は新規ユーザーに付与するデフォルトロールを取得する。
// 見つからない場合はnilを返す。デフォルトロールの欠落はマイグレーション漏れであり、
// 呼び出し側はシステム不変条件違反（500）として扱う。
func (r *PostgresRoleRepo) FindDefault(ctx context.Context) (*model.Role, error) {
	role := &model.Role{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, type FROM roles WHERE type = $1`,
		model.DefaultRoleType,
	).Scan(&role.ID, &role.Name, &role.Type)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find default role: %w", err)
	}

	return role, nil
}

// compile-time interface check
var _ RoleRepository = (*PostgresRoleRepo)(nil)
