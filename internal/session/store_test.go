package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/lanish19/ravint22-sub000/internal/agents"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStoreWithClient(client, StoreConfig{TTL: time.Hour}, zaptest.NewLogger(t))
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestSnapshotRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	state := New("run-1", "why is the sky blue")
	state.InitialAnswer = &agents.InitialAnswer{Text: "scattering", Confidence: agents.ConfidenceMedium}
	state = state.WithArtifact("phase1.initial_answer", "scattering")

	if err := store.SaveSnapshot(ctx, &state); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	loaded, err := store.LoadSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded.OriginalQuery != "why is the sky blue" {
		t.Errorf("query = %q", loaded.OriginalQuery)
	}
	if loaded.InitialAnswer == nil || loaded.InitialAnswer.Text != "scattering" {
		t.Errorf("initial answer not persisted: %+v", loaded.InitialAnswer)
	}
	if loaded.Artifacts["phase1.initial_answer"] != "scattering" {
		t.Errorf("artifacts not persisted: %+v", loaded.Artifacts)
	}
}

func TestLoadSnapshotCacheHitSkipsRedis(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	state := New("run-2", "q")
	if err := store.SaveSnapshot(ctx, &state); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	// Dropping the Redis key should not matter while the snapshot is cached.
	mr.FlushAll()

	if _, err := store.LoadSnapshot(ctx, "run-2"); err != nil {
		t.Fatalf("cached load failed: %v", err)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.LoadSnapshot(context.Background(), "nope"); err != ErrRunNotFound {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestCheckpointsAreSeparateFromLatest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	early := New("run-3", "q")
	if err := store.SaveCheckpoint(ctx, "intake", &early); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	late := New("run-3", "q")
	late.InitialAnswer = &agents.InitialAnswer{Text: "a", Confidence: agents.ConfidenceHigh}
	if err := store.SaveSnapshot(ctx, &late); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	cp, err := store.LoadCheckpoint(ctx, "run-3", "intake")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.InitialAnswer != nil {
		t.Errorf("intake checkpoint should predate the initial answer")
	}
}

func TestListRunsAndDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		st := New(id, "q")
		if err := store.SaveSnapshot(ctx, &st); err != nil {
			t.Fatalf("SaveSnapshot(%s) failed: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %v", runs)
	}

	if err := store.DeleteRun(ctx, "a"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := store.LoadSnapshot(ctx, "a"); err != ErrRunNotFound {
		t.Fatalf("deleted run still loads: %v", err)
	}
	if _, err := store.LoadSnapshot(ctx, "b"); err != nil {
		t.Fatalf("sibling run lost: %v", err)
	}
}
