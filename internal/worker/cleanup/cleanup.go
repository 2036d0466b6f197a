// Package cleanup はログイン監査イベントの自動削除ジョブを提供する。
// 保持期間（デフォルト14日）を超過したlogin_eventsの行を日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventPruner は保持期間を超過したイベントの削除を抽象化するインターフェース。
// repository.LoginEventRepositoryが満たす。
type EventPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したログインイベントの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	events        EventPruner
	logger        *slog.Logger
	RetentionDays int // イベントの保持日数（デフォルト: 14）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は14日。
func NewCleanupJob(events EventPruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		events:        events,
		logger:        logger,
		RetentionDays: 14,
	}
}

// Run は保持期間を超過したログインイベントを削除する。
// created_atがRetentionDays日前より古い行をDELETEする。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("ログインイベントクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("ログインイベントクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("ログインイベントクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
