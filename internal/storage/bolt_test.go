package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "agentd.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStoreConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveConversation(ctx, "conv_a", []byte(`{"id":"conv_a"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadConversation(ctx, "conv_a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"id":"conv_a"}` {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestBoltStoreLoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadConversation(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBoltStoreListConversationIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveConversation(ctx, id, []byte("{}")); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	ids, err := s.ListConversationIDs(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	if ids[0] != "c" || ids[1] != "b" {
		t.Fatalf("expected newest-first order, got %v", ids)
	}
}

func TestBoltStoreMarkCallExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.MarkCall(ctx, "call_1", "executed")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !fresh {
		t.Fatal("first mark should be fresh")
	}
	fresh, err = s.MarkCall(ctx, "call_1", "executed")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if fresh {
		t.Fatal("duplicate call id must not be fresh")
	}
}
