package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/soichiro/inkline/internal/model"
)

// PostgresLoginEventRepo はPostgreSQLを使用したログイン監査イベントリポジトリ。
type PostgresLoginEventRepo struct {
	db *sql.DB
}

// NewPostgresLoginEventRepo はPostgresLoginEventRepoを生成する。
func NewPostgresLoginEventRepo(db *sql.DB) *PostgresLoginEventRepo {
	return &PostgresLoginEventRepo{db: db}
}

// Create はログインイベントを記録する。
func (r *PostgresLoginEventRepo) Create(ctx context.Context, event *model.LoginEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_events (id, user_id, provider, step, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.UserID, event.Provider, event.Step, event.Outcome, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert login event: %w", err)
	}
	return nil
}

// DeleteOlderThan は指定時刻より古いイベントを削除し、削除件数を返す。
func (r *PostgresLoginEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM login_events WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old login events: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ LoginEventRepository = (*PostgresLoginEventRepo)(nil)
