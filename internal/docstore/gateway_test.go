package docstore

import (
	"context"
	"errors"
	"testing"
)

// mockStore はStoreのモック実装。
type mockStore struct {
	createFn func(ctx context.Context, collection string, data map[string]any) (string, error)
	getFn    func(ctx context.Context, collection, id string) (*Document, error)
	listFn   func(ctx context.Context, q Query) ([]Document, error)
}

func (m *mockStore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	return m.createFn(ctx, collection, data)
}

func (m *mockStore) Update(ctx context.Context, collection, id string, partial map[string]any) error {
	return nil
}

func (m *mockStore) Delete(ctx context.Context, collection, id string) error {
	return nil
}

func (m *mockStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	return m.getFn(ctx, collection, id)
}

func (m *mockStore) List(ctx context.Context, q Query) ([]Document, error) {
	return m.listFn(ctx, q)
}

func (m *mockStore) Subscribe(ctx context.Context, q Query, onChange func(Snapshot), onError func(error)) (Unsubscribe, error) {
	return func() {}, nil
}

func TestGateway_CreateWrapsError(t *testing.T) {
	transport := errors.New("connection reset")
	g := NewGateway(&mockStore{
		createFn: func(ctx context.Context, collection string, data map[string]any) (string, error) {
			return "", transport
		},
	}, "posts")

	id, err := g.Create(context.Background(), map[string]any{"title": "x"})
	if id != "" {
		t.Errorf("expected empty id on failure, got %q", id)
	}
	if !errors.Is(err, transport) {
		t.Errorf("expected wrapped transport error, got %v", err)
	}
}

func TestGateway_GetOneDistinguishesNotFoundFromError(t *testing.T) {
	ctx := context.Background()

	notFound := NewGateway(&mockStore{
		getFn: func(ctx context.Context, collection, id string) (*Document, error) { return nil, nil },
	}, "posts")
	doc, err := notFound.GetOne(ctx, "x")
	if doc != nil || err != nil {
		t.Errorf("not found: got (%v, %v), want (nil, nil)", doc, err)
	}

	failing := NewGateway(&mockStore{
		getFn: func(ctx context.Context, collection, id string) (*Document, error) {
			return nil, errors.New("permission denied")
		},
	}, "posts")
	doc, err = failing.GetOne(ctx, "x")
	if doc != nil || err == nil {
		t.Errorf("transport error: got (%v, %v), want (nil, error)", doc, err)
	}
}

func TestGateway_GetManyAppliesConstraints(t *testing.T) {
	var got Query
	g := NewGateway(&mockStore{
		listFn: func(ctx context.Context, q Query) ([]Document, error) {
			got = q
			return nil, nil
		},
	}, "posts")

	if _, err := g.GetMany(context.Background(), Where("authorId", "u1"), OrderBy("createdAt", true)); err != nil {
		t.Fatalf("GetMany returned error: %v", err)
	}
	if got.Collection != "posts" {
		t.Errorf("collection = %q, want posts", got.Collection)
	}
	if len(got.Filters) != 1 || got.Filters[0].Field != "authorId" {
		t.Errorf("filters = %+v", got.Filters)
	}
	if got.Order == nil || got.Order.Field != "createdAt" || !got.Order.Desc {
		t.Errorf("order = %+v", got.Order)
	}
}

func TestGateway_WithMemoryStore(t *testing.T) {
	ctx := context.Background()
	g := NewGateway(NewMemoryStore(), "posts")

	id, err := g.Create(ctx, map[string]any{"title": "a"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := g.Update(ctx, id, map[string]any{"title": "b"}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if err := g.Delete(ctx, id); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := g.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}
