package docstore

import (
	"context"
	"fmt"
)

// Gateway は1コレクションに対するCRUDの窓口。
// 状態を持たず再入可能で、失敗時の再試行は呼び出し側が判断する。
type Gateway struct {
	store      Store
	collection string
}

// NewGateway はGatewayを生成する。
func NewGateway(store Store, collection string) *Gateway {
	return &Gateway{store: store, collection: collection}
}

// Collection は対象のコレクション名を返す。
func (g *Gateway) Collection() string {
	return g.collection
}

// Create はドキュメントを作成し、採番されたIDを返す。
func (g *Gateway) Create(ctx context.Context, data map[string]any) (string, error) {
	id, err := g.store.Create(ctx, g.collection, data)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", g.collection, err)
	}
	return id, nil
}

// Update はドキュメントを部分更新する。存在しないIDはErrNotFoundとなる。
func (g *Gateway) Update(ctx context.Context, id string, partial map[string]any) error {
	if err := g.store.Update(ctx, g.collection, id, partial); err != nil {
		return fmt.Errorf("update %s/%s: %w", g.collection, id, err)
	}
	return nil
}

// Delete はドキュメントを削除する。
func (g *Gateway) Delete(ctx context.Context, id string) error {
	if err := g.store.Delete(ctx, g.collection, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", g.collection, id, err)
	}
	return nil
}

// GetOne はドキュメントを1件取得する。
// 見つからない場合はnil, nilを返し、通信エラーとは区別される。
func (g *Gateway) GetOne(ctx context.Context, id string) (*Document, error) {
	doc, err := g.store.Get(ctx, g.collection, id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", g.collection, id, err)
	}
	return doc, nil
}

// GetMany は条件に一致するドキュメントを返す。
// 並び順の制約を渡さない場合の順序は保証しない。
func (g *Gateway) GetMany(ctx context.Context, cs ...Constraint) ([]Document, error) {
	docs, err := g.store.List(ctx, Collection(g.collection).Apply(cs...))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", g.collection, err)
	}
	return docs, nil
}
