package filetree

import (
	"context"
	"sync"
	"testing"
	"time"

	hakoerrors "github.com/harunnryd/hako/internal/errors"
	"github.com/harunnryd/hako/internal/runtime"
	"github.com/harunnryd/hako/internal/session"
)

// stubRuntime only answers RunExec; the embedded interface panics on
// anything else, which would flag an unexpected runtime call.
type stubRuntime struct {
	runtime.Client

	mu      sync.Mutex
	execs   [][]string
	output  string
	execErr error
}

func (s *stubRuntime) RunExec(ctx context.Context, containerID string, cmd []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, cmd)
	return s.output, s.execErr
}

func (s *stubRuntime) execCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.execs)
}

func newTestLister(rt *stubRuntime, ttl time.Duration) (*Lister, *session.MemoryStore, *fakeClock) {
	store := session.NewMemoryStore()
	sessions := session.NewManager(rt, store, session.Options{RequestTimeout: 5 * time.Second})
	cache, clock := newTestCache(ttl, 5*time.Minute)
	lister := NewLister(rt, sessions, cache, "/workspace", 5*time.Second)
	return lister, store, clock
}

func markRunning(store *session.MemoryStore, sessionID string) {
	now := time.Now()
	store.Upsert(&session.Record{
		SessionID:   sessionID,
		State:       session.StateRunning,
		ContainerID: "ctr-" + sessionID,
		CreatedAt:   now,
		LastReadyAt: &now,
	})
}

func TestListRefusedUnlessRunning(t *testing.T) {
	rt := &stubRuntime{}
	lister, store, _ := newTestLister(rt, 30*time.Second)

	_, _, err := lister.List(context.Background(), "sess-1", "/src")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !hakoerrors.IsCategory(err, hakoerrors.ErrSessionNotReady) {
		t.Errorf("error category = %s, want SessionNotReady", hakoerrors.Category(err))
	}
	if rt.execCount() != 0 {
		t.Errorf("exec calls = %d, want 0", rt.execCount())
	}

	store.Upsert(&session.Record{SessionID: "sess-1", State: session.StateStarting, CreatedAt: time.Now()})
	if _, _, err := lister.List(context.Background(), "sess-1", "/src"); err == nil {
		t.Error("expected an error for a starting session")
	}
}

func TestListCachesResult(t *testing.T) {
	rt := &stubRuntime{output: "main.go\nsrc/\n"}
	lister, store, _ := newTestLister(rt, 30*time.Second)
	markRunning(store, "sess-1")

	first, cached, err := lister.List(context.Background(), "sess-1", "src")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if cached {
		t.Error("first call reported a cache hit")
	}
	if len(first.Entries) != 2 || first.Entries[1].Name != "src" || !first.Entries[1].IsDir {
		t.Errorf("entries = %v", first.Entries)
	}

	_, cached, err = lister.List(context.Background(), "sess-1", "/src/")
	if err != nil {
		t.Fatalf("second List() failed: %v", err)
	}
	if !cached {
		t.Error("equivalent path missed the cache")
	}
	if rt.execCount() != 1 {
		t.Errorf("exec calls = %d, want 1", rt.execCount())
	}

	rt.mu.Lock()
	cmd := rt.execs[0]
	rt.mu.Unlock()
	want := []string{"ls", "-1Ap", "--", "/workspace/src"}
	if len(cmd) != len(want) {
		t.Fatalf("exec cmd = %v, want %v", cmd, want)
	}
	for i := range cmd {
		if cmd[i] != want[i] {
			t.Errorf("exec cmd = %v, want %v", cmd, want)
			break
		}
	}
}

func TestListRefreshesAfterExpiry(t *testing.T) {
	rt := &stubRuntime{output: "a\n"}
	lister, store, clock := newTestLister(rt, 30*time.Second)
	markRunning(store, "sess-1")

	if _, _, err := lister.List(context.Background(), "sess-1", "/src"); err != nil {
		t.Fatalf("List() failed: %v", err)
	}

	clock.Advance(31 * time.Second)
	_, cached, err := lister.List(context.Background(), "sess-1", "/src")
	if err != nil {
		t.Fatalf("List() after expiry failed: %v", err)
	}
	if cached {
		t.Error("expired entry served from cache")
	}
	if rt.execCount() != 2 {
		t.Errorf("exec calls = %d, want 2", rt.execCount())
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	rt := &stubRuntime{output: "a\n"}
	lister, store, _ := newTestLister(rt, time.Minute)
	markRunning(store, "sess-1")

	if _, _, err := lister.List(context.Background(), "sess-1", "/src/app"); err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if _, _, err := lister.List(context.Background(), "sess-1", "/src"); err != nil {
		t.Fatalf("List() failed: %v", err)
	}

	if evicted := lister.Invalidate("sess-1", "/src/app/file.go"); evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}

	_, cached, err := lister.List(context.Background(), "sess-1", "/src")
	if err != nil {
		t.Fatalf("List() after invalidate failed: %v", err)
	}
	if cached {
		t.Error("invalidated ancestor served from cache")
	}
}
