package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"collabSync/backend/internal/ot/delta"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []Snapshot
	err   error
}

func (s *fakeStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, snap)
	return nil
}

func (s *fakeStore) Latest(_ context.Context, docID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.saved) - 1; i >= 0; i-- {
		if s.saved[i].DocID == docID {
			return s.saved[i], nil
		}
	}
	return Snapshot{}, ErrNotFound
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fakeSource struct {
	mu       sync.Mutex
	versions map[string]uint64
}

func (f *fakeSource) set(docID string, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[docID] = v
}

func (f *fakeSource) Capture(docID string) (delta.Delta, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[docID]
	return delta.Delta{delta.Insert("x", nil)}, v, ok
}

type fakeTruncator struct {
	mu    sync.Mutex
	calls map[string]uint64
}

func (f *fakeTruncator) TruncateBefore(_ context.Context, docID string, position uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[docID] = position
	return nil
}

func (f *fakeTruncator) before(docID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[docID]
}

func newTestManager(policy Policy) (*Manager, *fakeStore, *fakeSource, *fakeTruncator) {
	store := &fakeStore{}
	src := &fakeSource{versions: map[string]uint64{}}
	tr := &fakeTruncator{calls: map[string]uint64{}}
	m := NewManager(store, tr, policy, zerolog.Nop())
	m.SetSource(src)
	return m, store, src, tr
}

func TestManager_CompactSavesThenTruncates(t *testing.T) {
	m, store, src, tr := newTestManager(Policy{KeepTail: 3})
	src.set("doc", 10)
	m.Observe("doc", 10)

	if err := m.Compact(context.Background(), "doc"); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	snap, err := store.Latest(context.Background(), "doc")
	if err != nil || snap.Version != 10 {
		t.Fatalf("Latest() = %+v, %v, want version 10", snap, err)
	}
	if got := tr.before("doc"); got != 7 {
		t.Fatalf("TruncateBefore position = %d, want 7", got)
	}
	// 没有新操作时不重复保存
	if err := m.Compact(context.Background(), "doc"); err != nil {
		t.Fatalf("second Compact() error = %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("snapshots saved = %d, want 1", store.count())
	}
}

func TestManager_SaveFailureKeepsLog(t *testing.T) {
	m, store, src, tr := newTestManager(Policy{KeepTail: 0})
	store.err = errors.New("disk full")
	src.set("doc", 5)
	m.Observe("doc", 5)

	if err := m.Compact(context.Background(), "doc"); err == nil {
		t.Fatalf("Compact() error = nil, want error")
	}
	if got := tr.before("doc"); got != 0 {
		t.Fatalf("log truncated before %d after failed save", got)
	}
	if dirty, _ := m.progressOf("doc").dirty(); !dirty {
		t.Fatalf("document should stay dirty after failed save")
	}
}

func TestManager_SmallLogIsNotTruncated(t *testing.T) {
	m, _, src, tr := newTestManager(Policy{KeepTail: 10})
	src.set("doc", 4)
	m.Observe("doc", 4)
	if err := m.Compact(context.Background(), "doc"); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if got := tr.before("doc"); got != 0 {
		t.Fatalf("TruncateBefore called with %d, want no call", got)
	}
}

func TestManager_ObserveTriggersAfterEveryOps(t *testing.T) {
	m, store, src, _ := newTestManager(Policy{EveryOps: 3})
	m.Track("doc", 2)
	for v := uint64(3); v <= 4; v++ {
		src.set("doc", v)
		m.Observe("doc", v)
	}
	if store.count() != 0 {
		t.Fatalf("compacted before threshold")
	}
	src.set("doc", 5)
	m.Observe("doc", 5)

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no snapshot after reaching threshold")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManager_CloseCompactsDirtyDocuments(t *testing.T) {
	m, store, src, _ := newTestManager(Policy{})
	for _, id := range []string{"a", "b", "c"} {
		src.set(id, 7)
		m.Observe(id, 7)
	}
	m.Track("clean", 3)

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if store.count() != 3 {
		t.Fatalf("snapshots saved = %d, want 3", store.count())
	}
}

func TestManager_SetPolicy(t *testing.T) {
	m, _, _, _ := newTestManager(DefaultPolicy())
	m.SetPolicy(Policy{EveryOps: 1, KeepTail: 2})
	if p := m.Policy(); p.EveryOps != 1 || p.KeepTail != 2 {
		t.Fatalf("Policy() = %+v", p)
	}
}
