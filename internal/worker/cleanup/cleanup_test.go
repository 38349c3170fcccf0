package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockTarget はTargetのモック実装。
type mockTarget struct {
	calls           atomic.Int32
	deleteExpiredFn func(ctx context.Context) (int64, error)
}

func (m *mockTarget) DeleteExpired(ctx context.Context) (int64, error) {
	m.calls.Add(1)
	if m.deleteExpiredFn != nil {
		return m.deleteExpiredFn(ctx)
	}
	return 0, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// logEntries はJSONログを1行ずつパースする。
func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("ログのパースに失敗: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	job := NewCleanupJob(nil)
	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", job.Timeout)
	}
	if len(job.Targets()) != 0 {
		t.Errorf("Targets = %v, want empty", job.Targets())
	}
}

func TestCleanupJob_Run_CallsEveryTarget(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockTarget{deleteExpiredFn: func(ctx context.Context) (int64, error) { return 3, nil }}
	tokens := &mockTarget{deleteExpiredFn: func(ctx context.Context) (int64, error) { return 7, nil }}

	job := NewCleanupJob(newTestLogger(&buf)).Add("sessions", sessions).Add("used_tokens", tokens)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if sessions.calls.Load() != 1 || tokens.calls.Load() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", sessions.calls.Load(), tokens.calls.Load())
	}

	deleted := map[string]float64{}
	for _, e := range logEntries(t, &buf) {
		if name, ok := e["target"].(string); ok {
			deleted[name], _ = e["deleted_count"].(float64)
		}
	}
	if deleted["sessions"] != 3 || deleted["used_tokens"] != 7 {
		t.Errorf("deleted counts = %v", deleted)
	}
}

func TestCleanupJob_Run_ContinuesAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	failing := &mockTarget{deleteExpiredFn: func(ctx context.Context) (int64, error) {
		return 0, errors.New("connection refused")
	}}
	healthy := &mockTarget{}

	job := NewCleanupJob(newTestLogger(&buf)).Add("sessions", failing).Add("used_tokens", healthy)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("Run() はエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sessions") || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %v", err)
	}
	if healthy.calls.Load() != 1 {
		t.Error("失敗した対象があっても他の対象は実行されるべき")
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Error("失敗はERRORレベルでログに記録されるべき")
	}
}

func TestCleanupJob_Run_AppliesTimeout(t *testing.T) {
	var buf bytes.Buffer
	slow := &mockTarget{deleteExpiredFn: func(ctx context.Context) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	job := NewCleanupJob(newTestLogger(&buf)).Add("sessions", slow)
	job.Timeout = 10 * time.Millisecond

	err := job.Run(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestCleanupJob_Run_NoTargets(t *testing.T) {
	var buf bytes.Buffer
	if err := NewCleanupJob(newTestLogger(&buf)).Run(context.Background()); err != nil {
		t.Errorf("削除対象がなくてもエラーにならないこと: %v", err)
	}
}

// --- Scheduler ---

type jobFunc func(ctx context.Context) error

func (f jobFunc) Run(ctx context.Context) error { return f(ctx) }

func TestScheduler_InvalidSpec(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(jobFunc(func(ctx context.Context) error { return nil }), "not a cron spec", newTestLogger(&buf))

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("不正なcron式はエラーになるべき")
	}
}

func TestScheduler_RunsAtStartupAndStops(t *testing.T) {
	var buf bytes.Buffer
	ran := make(chan struct{}, 1)
	job := jobFunc(func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return errors.New("boom")
	})
	s := NewScheduler(job, "@every 1h", newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("起動直後にジョブが実行されなかった")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後にStartが戻らなかった")
	}
}

func TestScheduler_RunOnce_SkipsWhenCancelled(t *testing.T) {
	var buf bytes.Buffer
	called := false
	s := NewScheduler(jobFunc(func(ctx context.Context) error {
		called = true
		return nil
	}), "0 3 * * *", newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)

	if called {
		t.Error("キャンセル済みのコンテキストではジョブを実行しないこと")
	}
}
