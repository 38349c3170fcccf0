// Package docstore はコレクション単位のドキュメントストアを提供する。
//
// 作成・部分更新・削除・取得・条件付き一覧に加え、クエリ結果の変化を
// スナップショットとして通知するライブ購読を備える。
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound は更新・削除対象のドキュメントが存在しないことを表す。
var ErrNotFound = errors.New("docstore: document not found")

// ErrImmutableField は不変フィールドを書き換えようとしたことを表す。
var ErrImmutableField = errors.New("docstore: field is immutable")

// TimestampLayout はストアが書き込むタイムスタンプの固定幅フォーマット。
// 固定幅のため文字列比較と時刻順が一致する。
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// IDField は部分更新で指定できない予約フィールド名。
const IDField = "id"

type serverTimestamp struct{}

// ServerTimestamp はストアのコミット時刻に置き換えられるセンチネル値。
var ServerTimestamp any = serverTimestamp{}

// Document はストア上の1ドキュメント。
type Document struct {
	ID   string
	Data map[string]any
}

// Unsubscribe はライブ購読を解除する。複数回呼んでも安全。
type Unsubscribe func()

// Store はドキュメントストアの境界インターフェース。
type Store interface {
	// Create は新しいIDを採番してドキュメントを作成する。
	Create(ctx context.Context, collection string, data map[string]any) (string, error)

	// Update は指定フィールドのみを上書きする。存在しない場合はErrNotFoundを返す。
	Update(ctx context.Context, collection, id string, partial map[string]any) error

	// Delete はドキュメントを削除する。存在しない場合はErrNotFoundを返す。
	Delete(ctx context.Context, collection, id string) error

	// Get はドキュメントを取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, collection, id string) (*Document, error)

	// List はクエリに一致するドキュメントを返す。
	List(ctx context.Context, q Query) ([]Document, error)

	// Subscribe はクエリ結果のライブ購読を開始する。
	// 最初のスナップショットは一致する全ドキュメントをAddedとして含む。
	// 以降は結果集合が変化するたびにコミット順でスナップショットが届く。
	// onErrorが呼ばれた購読はそれ以降通知しない。
	Subscribe(ctx context.Context, q Query, onChange func(Snapshot), onError func(error)) (Unsubscribe, error)
}

// resolveData はServerTimestampとtime.Timeを固定幅文字列に置き換え、
// JSONの往復で値を正規化したコピーを返す。
func resolveData(data map[string]any, now time.Time) (map[string]any, error) {
	stamp := now.UTC().Format(TimestampLayout)
	resolved := make(map[string]any, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case serverTimestamp:
			resolved[k] = stamp
		case time.Time:
			resolved[k] = t.UTC().Format(TimestampLayout)
		default:
			resolved[k] = v
		}
	}
	return normalize(resolved)
}

// normalize はJSONの往復で値をJSON互換の型に揃える。
func normalize(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return out, nil
}

func checkPartial(partial map[string]any) error {
	if _, ok := partial[IDField]; ok {
		return fmt.Errorf("%w: %s", ErrImmutableField, IDField)
	}
	return nil
}
