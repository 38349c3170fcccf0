// Package cleanup は期限切れのセッションと使用済みトークンの自動削除ジョブを提供する。
// 削除対象ごとに並行して実行し、冪等な削除処理を保証する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Target は期限切れのレコードを削除できる保存先。
// *repository.PostgresSessionRepo と *repository.PostgresTokenLedger が満たす。
type Target interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

type namedTarget struct {
	name   string
	target Target
}

// CleanupJob は登録された保存先から期限切れのレコードを削除するジョブ。
// Redisのように期限切れを自動で消す保存先は登録しない。
type CleanupJob struct {
	targets []namedTarget
	logger  *slog.Logger
	Timeout time.Duration // 1回の実行の上限（デフォルト: 5分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		logger:  logger,
		Timeout: 5 * time.Minute,
	}
}

// Add は削除対象を登録する。nameはログに出力される。
func (j *CleanupJob) Add(name string, t Target) *CleanupJob {
	j.targets = append(j.targets, namedTarget{name: name, target: t})
	return j
}

// Targets は登録済みの削除対象名を返す。
func (j *CleanupJob) Targets() []string {
	names := make([]string, 0, len(j.targets))
	for _, t := range j.targets {
		names = append(names, t.name)
	}
	return names
}

// Run は全ての削除対象を並行して処理する。
// 1つが失敗しても他の対象は最後まで実行し、最初のエラーを返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	var g errgroup.Group
	for _, t := range j.targets {
		g.Go(func() error {
			deleted, err := t.target.DeleteExpired(ctx)
			if err != nil {
				j.logger.Error("クリーンアップに失敗しました",
					slog.String("target", t.name),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("%s のクリーンアップに失敗: %w", t.name, err)
			}
			j.logger.Info("クリーンアップが完了しました",
				slog.String("target", t.name),
				slog.Int64("deleted_count", deleted),
			)
			return nil
		})
	}
	err := g.Wait()

	j.logger.Info("クリーンアップジョブが終了しました",
		slog.Int("target_count", len(j.targets)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return err
}
