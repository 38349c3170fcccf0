package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/moody/internal/docstore"
	"github.com/hitoshi/moody/internal/model"
)

// State はフィードの公開状態。
// Errは一度設定されると購読を張り直すまで残る。
type State struct {
	Posts   []model.Post
	Loading bool
	Err     error
}

// Observer はフィードのライフサイクルを観測する。メトリクス収集用。
type Observer interface {
	FeedOpened()
	FeedClosed()
	FeedPublished(posts int)
	SubscriptionFailed(source Source)
}

type noopObserver struct{}

func (noopObserver) FeedOpened()               {}
func (noopObserver) FeedClosed()               {}
func (noopObserver) FeedPublished(int)         {}
func (noopObserver) SubscriptionFailed(Source) {}

// Aggregator は閲覧者ごとのフィードを生成する。
type Aggregator struct {
	store    docstore.Store
	logger   *slog.Logger
	observer Observer
}

// NewAggregator はAggregatorを生成する。observerはnilでもよい。
func NewAggregator(store docstore.Store, logger *slog.Logger, observer Observer) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &Aggregator{store: store, logger: logger, observer: observer}
}

// Option はフィードの設定を変更する。
type Option func(*options)

type options struct {
	order Ordering
}

// WithOrdering は並び順を指定する。既定は作成日時の降順。
func WithOrdering(field string, desc bool) Option {
	return func(o *options) { o.order = Ordering{Field: field, Desc: desc} }
}

// sourceEvent は購読からループへ渡す1件の通知。
type sourceEvent struct {
	src  Source
	snap docstore.Snapshot
	err  error
}

// Feed は1人の閲覧者に対する統合フィード。
// 2つの購読の通知は単一のgoroutineに集約され、そこだけがMergerを操作する。
type Feed struct {
	updates chan State
	events  chan sourceEvent
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	logger    *slog.Logger
	observer  Observer
}

// Open は閲覧者のフィードを開始する。
// identityがnilの場合は空のフィードを1回公開し、購読は行わない。
// 取得したFeedは必ずCloseすること。
func (a *Aggregator) Open(ctx context.Context, identity *model.User, opts ...Option) *Feed {
	o := options{order: DefaultOrdering}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		updates:  make(chan State, 1),
		events:   make(chan sourceEvent),
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   a.logger,
		observer: a.observer,
	}
	a.observer.FeedOpened()

	if identity == nil {
		f.offer(State{Loading: false})
		go f.run(ctx, nil, nil, nil)
		return f
	}

	f.logger = a.logger.With(slog.String("user_id", identity.ID))

	queries := []struct {
		src Source
		q   docstore.Query
	}{
		{SourceOwn, docstore.Collection(model.PostsCollection).Where(model.FieldAuthorID, identity.ID)},
		{SourcePublic, docstore.Collection(model.PostsCollection).Where(model.FieldIsPrivate, false)},
	}

	var unsubs []docstore.Unsubscribe
	var failed []sourceEvent
	for _, s := range queries {
		unsub, err := a.store.Subscribe(ctx, s.q, f.onChange(s.src), f.onError(s.src))
		if err != nil {
			failed = append(failed, sourceEvent{src: s.src, err: err})
			continue
		}
		unsubs = append(unsubs, unsub)
	}

	go f.run(ctx, NewMerger(o.order), unsubs, failed)
	return f
}

// Updates は公開状態を受け取るチャンネルを返す。
// 受信側が遅れた場合は最新の状態だけが残る。Close後にチャンネルは閉じられる。
func (f *Feed) Updates() <-chan State {
	return f.updates
}

// Next は次の公開状態を待つ。ctxが終了するかFeedが閉じられた場合はfalseを返す。
func (f *Feed) Next(ctx context.Context) (State, bool) {
	select {
	case s, ok := <-f.updates:
		return s, ok
	case <-ctx.Done():
		return State{}, false
	}
}

// Close は両方の購読を解除し、保持していた状態を破棄する。複数回呼んでも安全。
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.cancel()
		<-f.done
	})
}

func (f *Feed) onChange(src Source) func(docstore.Snapshot) {
	return func(snap docstore.Snapshot) {
		select {
		case f.events <- sourceEvent{src: src, snap: snap}:
		case <-f.done:
		}
	}
}

func (f *Feed) onError(src Source) func(error) {
	return func(err error) {
		select {
		case f.events <- sourceEvent{src: src, err: err}:
		case <-f.done:
		}
	}
}

// run はMergerを所有するループ。終了時に購読を解除してUpdatesを閉じる。
func (f *Feed) run(ctx context.Context, merger *Merger, unsubs []docstore.Unsubscribe, failed []sourceEvent) {
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
		f.observer.FeedClosed()
		f.logger.Debug("feed closed")
		close(f.updates)
		close(f.done)
	}()

	var stickyErr error
	handle := func(ev sourceEvent) {
		if ev.err != nil {
			f.logger.Warn("feed subscription failed",
				slog.String("source", ev.src.String()),
				slog.String("error", ev.err.Error()),
			)
			f.observer.SubscriptionFailed(ev.src)
			if stickyErr == nil {
				stickyErr = ev.err
			}
			posts, _ := merger.Fail(ev.src)
			f.offer(State{Posts: posts, Loading: false, Err: stickyErr})
			return
		}

		posts, publish := merger.Apply(ev.src, ev.snap.Changes)
		if !publish {
			return
		}
		f.observer.FeedPublished(len(posts))
		f.offer(State{Posts: posts, Loading: false, Err: stickyErr})
	}

	for _, ev := range failed {
		handle(ev)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.events:
			handle(ev)
		}
	}
}

// offer は最新の状態だけを残すように公開する。書き込むのはrunのgoroutineとOpenだけ。
func (f *Feed) offer(s State) {
	for {
		select {
		case f.updates <- s:
			return
		default:
		}
		select {
		case <-f.updates:
		default:
		}
	}
}
