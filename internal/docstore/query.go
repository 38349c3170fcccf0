package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Filter はフィールドの等価条件。
type Filter struct {
	Field string
	Value any
}

// Ordering は並び順の指定。
type Ordering struct {
	Field string
	Desc  bool
}

// Query はコレクションに対する条件付き検索。
// 値型のため、メソッドはコピーを返し元のQueryを変更しない。
type Query struct {
	Collection string
	Filters    []Filter
	Order      *Ordering
	Limit      int
}

// Constraint はQueryに条件を追加する関数。
type Constraint func(Query) Query

// Collection は指定コレクションの全件を対象とするQueryを返す。
func Collection(name string) Query {
	return Query{Collection: name}
}

// Where は等価条件を追加したQueryを返す。
func (q Query) Where(field string, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Value: value})
	return q
}

// OrderBy は並び順を指定したQueryを返す。
func (q Query) OrderBy(field string, desc bool) Query {
	q.Order = &Ordering{Field: field, Desc: desc}
	return q
}

// WithLimit は最大件数を指定したQueryを返す。0以下は無制限。
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Apply は制約を順に適用したQueryを返す。
func (q Query) Apply(cs ...Constraint) Query {
	for _, c := range cs {
		q = c(q)
	}
	return q
}

// Where は等価条件の制約を返す。
func Where(field string, value any) Constraint {
	return func(q Query) Query { return q.Where(field, value) }
}

// OrderBy は並び順の制約を返す。
func OrderBy(field string, desc bool) Constraint {
	return func(q Query) Query { return q.OrderBy(field, desc) }
}

// Limit は最大件数の制約を返す。
func Limit(n int) Constraint {
	return func(q Query) Query { return q.WithLimit(n) }
}

// String はログ出力用の表現を返す。
func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Filters {
		fmt.Fprintf(&b, " where %s == %v", f.Field, f.Value)
	}
	if q.Order != nil {
		dir := "asc"
		if q.Order.Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, " order by %s %s", q.Order.Field, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " limit %d", q.Limit)
	}
	return b.String()
}

// Matches はドキュメントデータが全ての等価条件を満たすかを返す。
// 比較はJSON正規化後の値で行う。
func (q Query) Matches(data map[string]any) bool {
	for _, f := range q.Filters {
		v, ok := data[f.Field]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(v, normalizeValue(f.Value)) {
			return false
		}
	}
	return true
}

// filterObject は等価条件をJSONオブジェクト（@> 演算子の右辺）に変換する。
func (q Query) filterObject() ([]byte, error) {
	obj := make(map[string]any, len(q.Filters))
	for _, f := range q.Filters {
		obj[f.Field] = f.Value
	}
	return json.Marshal(obj)
}

func normalizeValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// apply はQueryの条件・並び順・件数制限をドキュメント列に適用する。
func (q Query) apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d.Data) {
			out = append(out, d)
		}
	}
	sortDocuments(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// sortDocuments はOrderingに従って並べる。
// 並び替えフィールドを持たないドキュメントは方向によらず末尾に置き、同値はIDの昇順とする。
func sortDocuments(docs []Document, order *Ordering) {
	sort.SliceStable(docs, func(i, j int) bool {
		if order != nil {
			a, aok := docs[i].Data[order.Field]
			b, bok := docs[j].Data[order.Field]
			aok = aok && a != nil
			bok = bok && b != nil
			switch {
			case aok && !bok:
				return true
			case !aok && bok:
				return false
			case aok && bok:
				if c := compareValues(a, b); c != 0 {
					if order.Desc {
						return c > 0
					}
					return c < 0
				}
			}
		}
		return docs[i].ID < docs[j].ID
	})
}

// compareValues はJSON由来の値を比較する。型が異なる場合は文字列表現で比較する。
func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
