package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job はスケジューラから実行されるジョブ。
type Job interface {
	Run(ctx context.Context) error
}

// Scheduler はcron式に従ってジョブを実行する。時刻はUTCで解釈する。
type Scheduler struct {
	cron   *cron.Cron
	job    Job
	spec   string
	logger *slog.Logger
}

// NewScheduler はSchedulerを生成する。specは5フィールドのcron式または@every記法。
func NewScheduler(job Job, spec string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		job:    job,
		spec:   spec,
		logger: logger,
	}
}

// Start は起動直後に1回ジョブを実行し、以後はスケジュールに従って実行する。
// ctxがキャンセルされると実行中のジョブの終了を待って戻る。
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.spec, err)
	}

	s.logger.Info("クリーンアップスケジューラを開始しました",
		slog.String("schedule", s.spec),
	)

	s.RunOnce(ctx)
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()

	s.logger.Info("クリーンアップスケジューラを停止しました")
	return nil
}

// RunOnce はジョブを1回実行する。エラーはログに記録して握りつぶす。
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.job.Run(ctx); err != nil {
		s.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
