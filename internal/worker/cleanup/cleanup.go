// Package cleanup は利用履歴の自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過した日付キーを
// 日次バッチで全アカウントのdaily_usage_historyから削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// HistoryPruner は保持期間より古い利用履歴を削除するインターフェース。
// usage.Ledgerが実装する。
type HistoryPruner interface {
	PruneHistory(ctx context.Context, retentionDays int) (int64, error)
}

// CleanupJob は保持期間を超過した利用履歴の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	pruner        HistoryPruner
	logger        *slog.Logger
	RetentionDays int // 履歴の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は90日。
func NewCleanupJob(pruner HistoryPruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		pruner:        pruner,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Run は保持期間を超過した履歴キーを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	n, err := j.pruner.PruneHistory(ctx, j.RetentionDays)
	if err != nil {
		j.logger.Error("利用履歴クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("利用履歴クリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("利用履歴クリーンアップジョブが完了しました",
		slog.Int64("pruned_accounts", n),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Schedule はcron式specに従ってジョブを定期実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまでブロックする。
// 停止時は実行中のジョブの完了を待つ。
func (j *CleanupJob) Schedule(ctx context.Context, spec string, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))

	// エラーはRun内で記録済みのため、次回の実行で再試行する
	if _, err := c.AddFunc(spec, func() { _ = j.Run(ctx) }); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}

	if err := j.Run(ctx); err != nil {
		j.logger.Warn("起動時のクリーンアップに失敗しました。スケジュール実行は継続します")
	}

	c.Start()
	j.logger.Info("クリーンアップスケジューラを開始しました",
		slog.String("schedule", spec),
		slog.String("location", loc.String()),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("クリーンアップスケジューラを停止しました")
	return nil
}
