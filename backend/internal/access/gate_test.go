package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type fakeRepo struct {
	mu      sync.Mutex
	owners  map[string]uint64
	members map[string]map[uint64]Level
	loads   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{owners: map[string]uint64{"doc": 1}, members: map[string]map[uint64]Level{}}
}

func (r *fakeRepo) DocumentOwner(_ context.Context, docID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	owner, ok := r.owners[docID]
	if !ok {
		return 0, fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	return owner, nil
}

func (r *fakeRepo) Collaborators(_ context.Context, docID string) (map[uint64]Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[uint64]Level{}
	for k, v := range r.members[docID] {
		out[k] = v
	}
	return out, nil
}

func (r *fakeRepo) UpsertCollaborator(_ context.Context, docID string, userID uint64, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[docID] == nil {
		r.members[docID] = map[uint64]Level{}
	}
	r.members[docID][userID] = level
	return nil
}

func (r *fakeRepo) DeleteCollaborator(_ context.Context, docID string, userID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[docID], userID)
	return nil
}

func TestLevel(t *testing.T) {
	tests := []struct {
		in       string
		want     Level
		canRead  bool
		canWrite bool
	}{
		{"none", None, false, false},
		{"read", Read, true, false},
		{"WRITE", Write, true, true},
		{"owner", Owner, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if err != nil || got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
			}
			if got.CanRead() != tt.canRead || got.CanWrite() != tt.canWrite {
				t.Fatalf("%v: CanRead=%v CanWrite=%v", got, got.CanRead(), got.CanWrite())
			}
		})
	}
	if _, err := ParseLevel("admin"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("ParseLevel(admin) error = %v, want ErrInvalidGrant", err)
	}
	var l Level
	if err := l.UnmarshalText([]byte("write")); err != nil || l != Write {
		t.Fatalf("UnmarshalText() = %v, %v", l, err)
	}
}

func TestGate_Resolve(t *testing.T) {
	repo := newFakeRepo()
	repo.members["doc"] = map[uint64]Level{2: Read}
	g := NewGate(repo)
	ctx := context.Background()

	for user, want := range map[uint64]Level{1: Owner, 2: Read, 3: None} {
		got, err := g.Resolve(ctx, user, "doc")
		if err != nil || got != want {
			t.Fatalf("Resolve(%d) = %v, %v, want %v", user, got, err, want)
		}
	}
	if repo.loads != 1 {
		t.Fatalf("repository loads = %d, want 1 (cached)", repo.loads)
	}
	if _, err := g.Resolve(ctx, 1, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(missing) error = %v, want ErrNotFound", err)
	}
}

func TestGate_GrantAndRevoke(t *testing.T) {
	repo := newFakeRepo()
	g := NewGate(repo)
	ctx := context.Background()

	var changes []Change
	g.Subscribe(func(c Change) { changes = append(changes, c) })

	if err := g.Grant(ctx, 1, "doc", 2, Write); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if lvl, _ := g.Resolve(ctx, 2, "doc"); lvl != Write {
		t.Fatalf("Resolve after grant = %v, want write", lvl)
	}
	// 再次授予修改级别
	if err := g.Grant(ctx, 1, "doc", 2, Read); err != nil {
		t.Fatalf("Grant(read) error = %v", err)
	}
	if repo.members["doc"][2] != Read {
		t.Fatalf("stored level = %v, want read", repo.members["doc"][2])
	}
	if err := g.Revoke(ctx, 1, "doc", 2); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if lvl, _ := g.Resolve(ctx, 2, "doc"); lvl != None {
		t.Fatalf("Resolve after revoke = %v, want none", lvl)
	}
	want := []Change{{"doc", 2, Write}, {"doc", 2, Read}, {"doc", 2, None}}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("change %d = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestGate_GrantErrors(t *testing.T) {
	g := NewGate(newFakeRepo())
	ctx := context.Background()
	tests := []struct {
		name    string
		grant   func() error
		wantErr error
	}{
		{"non-owner", func() error { return g.Grant(ctx, 2, "doc", 3, Read) }, ErrForbidden},
		{"self", func() error { return g.Grant(ctx, 1, "doc", 1, Write) }, ErrInvalidGrant},
		{"owner level", func() error { return g.Grant(ctx, 1, "doc", 2, Owner) }, ErrInvalidGrant},
		{"none level", func() error { return g.Grant(ctx, 1, "doc", 2, None) }, ErrInvalidGrant},
		{"missing doc", func() error { return g.Grant(ctx, 1, "missing", 2, Read) }, ErrNotFound},
		{"revoke stranger", func() error { return g.Revoke(ctx, 1, "doc", 9) }, ErrNotFound},
		{"revoke non-owner", func() error { return g.Revoke(ctx, 2, "doc", 3) }, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.grant(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGate_CollaboratorsRequiresRead(t *testing.T) {
	repo := newFakeRepo()
	repo.members["doc"] = map[uint64]Level{2: Read, 3: Write}
	g := NewGate(repo)
	ctx := context.Background()

	got, err := g.Collaborators(ctx, 2, "doc")
	if err != nil || len(got) != 2 || got[3] != Write {
		t.Fatalf("Collaborators() = %v, %v", got, err)
	}
	if _, err := g.Collaborators(ctx, 9, "doc"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Collaborators(stranger) error = %v, want ErrForbidden", err)
	}
}

func TestGate_RegisterAndEvict(t *testing.T) {
	repo := newFakeRepo()
	g := NewGate(repo)
	g.Register("new", 5)
	if lvl, err := g.Resolve(context.Background(), 5, "new"); err != nil || lvl != Owner {
		t.Fatalf("Resolve(registered) = %v, %v, want owner", lvl, err)
	}
	if repo.loads != 0 {
		t.Fatalf("repository loads = %d, want 0", repo.loads)
	}
	g.Evict("new")
	if _, err := g.Resolve(context.Background(), 5, "new"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve after evict error = %v, want ErrNotFound", err)
	}
}
