package docstore

import (
	"testing"
)

func TestQuery_WhereDoesNotAliasParent(t *testing.T) {
	base := Collection("posts").Where("a", 1)
	left := base.Where("b", 2)
	right := base.Where("c", 3)

	if len(base.Filters) != 1 {
		t.Errorf("base filters = %d, want 1", len(base.Filters))
	}
	if left.Filters[1].Field != "b" || right.Filters[1].Field != "c" {
		t.Errorf("derived queries share filter storage: left=%v right=%v", left.Filters, right.Filters)
	}
}

func TestQuery_Matches(t *testing.T) {
	data := map[string]any{"authorId": "u1", "isPrivate": false, "n": float64(2)}

	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"no filters", Collection("posts"), true},
		{"string equality", Collection("posts").Where("authorId", "u1"), true},
		{"string mismatch", Collection("posts").Where("authorId", "u2"), false},
		{"bool equality", Collection("posts").Where("isPrivate", false), true},
		{"int normalized", Collection("posts").Where("n", 2), true},
		{"missing field", Collection("posts").Where("mood", "x"), false},
		{"all filters", Collection("posts").Where("authorId", "u1").Where("isPrivate", true), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Matches(data); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortDocuments_MissingValuesSinkInBothDirections(t *testing.T) {
	docs := func() []Document {
		return []Document{
			{ID: "b", Data: map[string]any{}},
			{ID: "c", Data: map[string]any{"t": "2024-01-02"}},
			{ID: "a", Data: map[string]any{"t": nil}},
			{ID: "d", Data: map[string]any{"t": "2024-01-01"}},
		}
	}

	desc := docs()
	sortDocuments(desc, &Ordering{Field: "t", Desc: true})
	assertIDs(t, desc, "c", "d", "a", "b")

	asc := docs()
	sortDocuments(asc, &Ordering{Field: "t"})
	assertIDs(t, asc, "d", "c", "a", "b")
}

func TestSortDocuments_TiesBreakOnID(t *testing.T) {
	docs := []Document{
		{ID: "z", Data: map[string]any{"t": "x"}},
		{ID: "m", Data: map[string]any{"t": "x"}},
		{ID: "a", Data: map[string]any{"t": "x"}},
	}
	sortDocuments(docs, &Ordering{Field: "t", Desc: true})
	assertIDs(t, docs, "a", "m", "z")
}

func TestQuery_ApplyLimit(t *testing.T) {
	docs := []Document{
		{ID: "1", Data: map[string]any{"t": "1"}},
		{ID: "2", Data: map[string]any{"t": "2"}},
		{ID: "3", Data: map[string]any{"t": "3"}},
	}
	got := Collection("posts").Apply(OrderBy("t", true), Limit(2)).apply(docs)
	assertIDs(t, got, "3", "2")
}

func TestQuery_String(t *testing.T) {
	q := Collection("posts").Where("isPrivate", false).OrderBy("createdAt", true).WithLimit(5)
	want := "posts where isPrivate == false order by createdAt desc limit 5"
	if got := q.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func assertIDs(t *testing.T, docs []Document, want ...string) {
	t.Helper()
	if len(docs) != len(want) {
		t.Fatalf("got %d docs, want %d", len(docs), len(want))
	}
	for i, d := range docs {
		if d.ID != want[i] {
			var got []string
			for _, d := range docs {
				got = append(got, d.ID)
			}
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
