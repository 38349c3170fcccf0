package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore はプロセス内で完結するStore実装。
// 書き込みのたびに同じコレクションの購読を評価し、コミット順にスナップショットを配送する。
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	collections map[string]map[string][]byte
	watchers    map[*memoryWatcher]struct{}
}

// MemoryOption はMemoryStoreの設定を変更する。
type MemoryOption func(*MemoryStore)

// WithClock はServerTimestampの解決に使う時計を差し替える。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:         time.Now,
		collections: make(map[string]map[string][]byte),
		watchers:    make(map[*memoryWatcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create は新しいIDを採番してドキュメントを作成する。
func (s *MemoryStore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resolved, err := resolveData(data, s.now())
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	id := uuid.NewString()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string][]byte)
		s.collections[collection] = docs
	}
	docs[id] = raw
	s.publishLocked(collection)

	return id, nil
}

// Update は指定フィールドのみを上書きする。
func (s *MemoryStore) Update(ctx context.Context, collection, id string, partial map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPartial(partial); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	current := make(map[string]any)
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	resolved, err := resolveData(partial, s.now())
	if err != nil {
		return err
	}
	for k, v := range resolved {
		current[k] = v
	}

	updated, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	s.collections[collection][id] = updated
	s.publishLocked(collection)

	return nil
}

// Delete はドキュメントを削除する。
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collection][id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	delete(s.collections[collection], id)
	s.publishLocked(collection)

	return nil
}

// Get はドキュメントを取得する。見つからない場合はnilを返す。
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.collections[collection][id]
	if !ok {
		return nil, nil
	}
	doc, err := decodeDocument(id, raw)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List はクエリに一致するドキュメントを返す。
func (s *MemoryStore) List(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listLocked(q)
}

// Subscribe はクエリ結果のライブ購読を開始する。
// ctxが終了すると購読も解除される。
func (s *MemoryStore) Subscribe(ctx context.Context, q Query, onChange func(Snapshot), onError func(error)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w := &memoryWatcher{
		query:    q,
		onChange: onChange,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	docs, err := s.listLocked(q)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	changes, current := diff(nil, docs)
	w.last = current
	w.enqueue(Snapshot{Docs: docs, Changes: changes})
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go w.run()

	unsubscribe := func() {
		w.stop()
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-w.done:
		}
	}()

	return unsubscribe, nil
}

// publishLocked は書き込み後に同じコレクションの購読へ差分を積む。s.muを保持して呼ぶこと。
func (s *MemoryStore) publishLocked(collection string) {
	for w := range s.watchers {
		if w.query.Collection != collection {
			continue
		}
		docs, err := s.listLocked(w.query)
		if err != nil {
			continue
		}
		changes, current := diff(w.last, docs)
		if len(changes) == 0 {
			continue
		}
		w.last = current
		w.enqueue(Snapshot{Docs: docs, Changes: changes})
	}
}

func (s *MemoryStore) listLocked(q Query) ([]Document, error) {
	all := make([]Document, 0, len(s.collections[q.Collection]))
	for id, raw := range s.collections[q.Collection] {
		doc, err := decodeDocument(id, raw)
		if err != nil {
			return nil, err
		}
		all = append(all, doc)
	}
	return q.apply(all), nil
}

func decodeDocument(id string, raw []byte) (Document, error) {
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return Document{}, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return Document{ID: id, Data: data}, nil
}

// memoryWatcher は1購読分の配送キュー。
// スナップショットはストアのロック下で積まれ、専用goroutineが順に配送する。
type memoryWatcher struct {
	query    Query
	onChange func(Snapshot)
	last     resultSet // MemoryStore.muで保護

	mu      sync.Mutex
	pending []Snapshot
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (w *memoryWatcher) enqueue(s Snapshot) {
	w.mu.Lock()
	w.pending = append(w.pending, s)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memoryWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			w.mu.Lock()
			if len(w.pending) == 0 {
				w.mu.Unlock()
				break
			}
			snap := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()

			select {
			case <-w.done:
				return
			default:
			}
			w.onChange(snap)
		}
	}
}

func (w *memoryWatcher) stop() {
	w.once.Do(func() { close(w.done) })
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
