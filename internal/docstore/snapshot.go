package docstore

import (
	"reflect"
	"sort"
)

// ChangeKind はスナップショット内の変更種別。
type ChangeKind int

const (
	// Added は結果集合に新たに含まれたドキュメント。
	Added ChangeKind = iota + 1
	// Modified は結果集合に含まれたまま内容が変わったドキュメント。
	Modified
	// Removed は削除された、または条件に一致しなくなったドキュメント。
	Removed
)

// String はログ出力用の表現を返す。
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change は1ドキュメント分の変更。RemovedのDocは直前の内容を保持する。
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Snapshot はライブ購読が通知するクエリ結果。
type Snapshot struct {
	Docs    []Document
	Changes []Change
}

// resultSet は購読ごとの直前の結果集合。
type resultSet map[string]Document

// diff は直前の結果集合と新しい結果を比較して変更を求め、新しい結果集合を返す。
// Added/Modifiedは新しい結果の並び順、Removedはその後にIDの昇順で並ぶ。
func diff(prev resultSet, next []Document) ([]Change, resultSet) {
	current := make(resultSet, len(next))
	var changes []Change

	for _, doc := range next {
		current[doc.ID] = doc
		old, ok := prev[doc.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: Added, Doc: doc})
		case !reflect.DeepEqual(old.Data, doc.Data):
			changes = append(changes, Change{Kind: Modified, Doc: doc})
		}
	}

	var removed []string
	for id := range prev {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		changes = append(changes, Change{Kind: Removed, Doc: prev[id]})
	}

	return changes, current
}
