package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// notifyChannel はdocumentsテーブルのトリガーが通知するチャンネル名。
// ペイロードは変更されたコレクション名。
const notifyChannel = "docstore_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresStore はPostgreSQLのJSONBテーブルを使用したStore実装。
// ライブ購読はLISTEN/NOTIFYで変更を検知し、購読ごとにクエリを再実行して差分を通知する。
// 再実行の間に複数のコミットがあった場合は1つのスナップショットにまとまる。
type PostgresStore struct {
	db          *sql.DB
	databaseURL string
	logger      *slog.Logger
	now         func() time.Time

	hubMu sync.Mutex
	hub   *listenerHub
}

// NewPostgresStore はPostgresStoreを生成する。
// databaseURLはライブ購読用のLISTEN接続に使用する。
func NewPostgresStore(db *sql.DB, databaseURL string, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:          db,
		databaseURL: databaseURL,
		logger:      logger,
		now:         time.Now,
	}
}

// Create は新しいIDを採番してドキュメントを作成する。
func (s *PostgresStore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	resolved, err := resolveData(data, s.now())
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES ($1, $2, $3::jsonb, now(), now())`,
		collection, id, string(raw),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert document: %w", err)
	}
	return id, nil
}

// Update は指定フィールドのみを上書きする（JSONBの || によるトップレベルのマージ）。
func (s *PostgresStore) Update(ctx context.Context, collection, id string, partial map[string]any) error {
	if err := checkPartial(partial); err != nil {
		return err
	}
	if !validID(id) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	resolved, err := resolveData(partial, s.now())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		 WHERE collection = $1 AND id = $2`,
		collection, id, string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return expectOneRow(result, collection, id)
}

// Delete はドキュメントを削除する。
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return expectOneRow(result, collection, id)
}

// Get はドキュメントを取得する。見つからない場合はnilを返す。
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if !validID(id) {
		return nil, nil
	}

	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}

	doc, err := decodeDocument(id, raw)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List はクエリに一致するドキュメントを返す。
func (s *PostgresStore) List(ctx context.Context, q Query) ([]Document, error) {
	query, args, err := buildListQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeDocument(id, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// buildListQuery はQueryをSQLに変換する。
// 等価条件は @> 、並び順は ->> のテキスト比較で表現し、欠落値は方向によらず末尾に置く。
func buildListQuery(q Query) (string, []any, error) {
	var b strings.Builder
	args := []any{q.Collection}
	b.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)

	if len(q.Filters) > 0 {
		obj, err := q.filterObject()
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode filters: %w", err)
		}
		args = append(args, string(obj))
		fmt.Fprintf(&b, ` AND data @> $%d::jsonb`, len(args))
	}

	if q.Order != nil {
		args = append(args, q.Order.Field)
		dir := "ASC"
		if q.Order.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, ` ORDER BY data->>$%d %s NULLS LAST, id`, len(args), dir)
	} else {
		b.WriteString(` ORDER BY id`)
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}

	return b.String(), args, nil
}

// Subscribe はクエリ結果のライブ購読を開始する。
func (s *PostgresStore) Subscribe(ctx context.Context, q Query, onChange func(Snapshot), onError func(error)) (Unsubscribe, error) {
	hub, err := s.listenerHub()
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &pgWatcher{
		store:    s,
		query:    q,
		onChange: onChange,
		onError:  onError,
		dirty:    make(chan struct{}, 1),
	}

	// 初回クエリより先に登録し、その間のコミットを取りこぼさないようにする
	hub.add(w)
	go func() {
		defer hub.remove(w)
		w.run(wctx)
	}()

	return Unsubscribe(cancel), nil
}

// Close はLISTEN接続を閉じる。購読中のwatcherは以降の変更を受け取らない。
func (s *PostgresStore) Close() error {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()

	if s.hub == nil {
		return nil
	}
	err := s.hub.close()
	s.hub = nil
	return err
}

// listenerHub はLISTEN接続を初回購読時に開始して返す。
func (s *PostgresStore) listenerHub() (*listenerHub, error) {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()

	if s.hub != nil {
		return s.hub, nil
	}

	logger := s.logger
	listener := pq.NewListener(s.databaseURL, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("docstore listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	hub := &listenerHub{
		listener: listener,
		logger:   logger,
		watchers: make(map[*pgWatcher]struct{}),
		done:     make(chan struct{}),
	}
	go hub.run()

	logger.Info("docstore listener started", slog.String("channel", notifyChannel))
	s.hub = hub
	return hub, nil
}

// listenerHub は1本のLISTEN接続への通知を購読ごとに振り分ける。
type listenerHub struct {
	listener *pq.Listener
	logger   *slog.Logger

	mu       sync.Mutex
	watchers map[*pgWatcher]struct{}
	done     chan struct{}
	once     sync.Once
}

func (h *listenerHub) run() {
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case n, ok := <-h.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// 再接続直後は取りこぼしがあり得るため全購読を再評価する
				h.logger.Info("docstore listener reconnected")
				h.markDirty("")
				continue
			}
			h.markDirty(n.Extra)
		case <-ticker.C:
			go func() {
				if err := h.listener.Ping(); err != nil {
					h.logger.Warn("docstore listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// markDirty は指定コレクションの購読に再評価を要求する。空文字は全購読。
func (h *listenerHub) markDirty(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for w := range h.watchers {
		if collection == "" || w.query.Collection == collection {
			w.markDirty()
		}
	}
}

func (h *listenerHub) add(w *pgWatcher) {
	h.mu.Lock()
	h.watchers[w] = struct{}{}
	h.mu.Unlock()
}

func (h *listenerHub) remove(w *pgWatcher) {
	h.mu.Lock()
	delete(h.watchers, w)
	h.mu.Unlock()
}

func (h *listenerHub) close() error {
	var err error
	h.once.Do(func() {
		close(h.done)
		err = h.listener.Close()
	})
	return err
}

// pgWatcher は1購読分の状態。run内のgoroutineだけがlastを読み書きする。
type pgWatcher struct {
	store    *PostgresStore
	query    Query
	onChange func(Snapshot)
	onError  func(error)
	dirty    chan struct{}

	last        resultSet
	initialized bool
}

func (w *pgWatcher) markDirty() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

func (w *pgWatcher) run(ctx context.Context) {
	if err := w.refresh(ctx); err != nil {
		w.fail(ctx, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.dirty:
			if err := w.refresh(ctx); err != nil {
				w.fail(ctx, err)
				return
			}
		}
	}
}

func (w *pgWatcher) refresh(ctx context.Context) error {
	docs, err := w.store.List(ctx, w.query)
	if err != nil {
		return err
	}

	changes, current := diff(w.last, docs)
	if w.initialized && len(changes) == 0 {
		return nil
	}
	w.initialized = true
	w.last = current

	if ctx.Err() != nil {
		return nil
	}
	w.onChange(Snapshot{Docs: docs, Changes: changes})
	return nil
}

// fail は購読解除による中断以外のエラーを通知する。
func (w *pgWatcher) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	w.store.logger.Warn("docstore subscription failed",
		slog.String("query", w.query.String()),
		slog.String("error", err.Error()),
	)
	if w.onError != nil {
		w.onError(err)
	}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func expectOneRow(result sql.Result, collection, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return nil
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
