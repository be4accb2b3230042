package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/snapshot"
)

// MemoryStore 单机/测试用，与 GormStore 行为一致
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]Document
	members   map[string]map[uint64]access.Level
	snapshots map[string][]snapshot.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]Document),
		members:   make(map[string]map[uint64]access.Level),
		snapshots: make(map[string][]snapshot.Snapshot),
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, ownerID uint64, title string) (Document, error) {
	now := time.Now().UTC()
	doc := Document{ID: uuid.NewString(), Title: strings.TrimSpace(title), OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return doc, nil
}

func (s *MemoryStore) GetDocument(_ context.Context, docID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

func (s *MemoryStore) list(match func(Document) bool) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for _, d := range s.docs {
		if match(d) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b Document) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID uint64) ([]Document, error) {
	return s.list(func(d Document) bool { return d.OwnerID == ownerID }), nil
}

func (s *MemoryStore) ListByCollaborator(_ context.Context, userID uint64) ([]Document, error) {
	return s.list(func(d Document) bool {
		_, ok := s.members[d.ID][userID]
		return ok
	}), nil
}

func (s *MemoryStore) DocumentOwner(ctx context.Context, docID string) (uint64, error) {
	doc, err := s.GetDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	return doc.OwnerID, nil
}

func (s *MemoryStore) Collaborators(_ context.Context, docID string) (map[uint64]access.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]access.Level, len(s.members[docID]))
	for id, l := range s.members[docID] {
		out[id] = l
	}
	return out, nil
}

func (s *MemoryStore) UpsertCollaborator(_ context.Context, docID string, userID uint64, level access.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[docID] == nil {
		s.members[docID] = make(map[uint64]access.Level)
	}
	s.members[docID][userID] = level
	return nil
}

func (s *MemoryStore) DeleteCollaborator(_ context.Context, docID string, userID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[docID], userID)
	return nil
}

func (s *MemoryStore) Save(_ context.Context, snap snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.snapshots[snap.DocID] {
		if old.Version == snap.Version {
			return nil
		}
	}
	s.snapshots[snap.DocID] = append(s.snapshots[snap.DocID], snap)
	if doc, ok := s.docs[snap.DocID]; ok {
		doc.UpdatedAt = time.Now().UTC()
		s.docs[snap.DocID] = doc
	}
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, docID string) (snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  snapshot.Snapshot
		found bool
	)
	for _, snap := range s.snapshots[docID] {
		if !found || snap.Version > best.Version {
			best, found = snap, true
		}
	}
	if !found {
		return snapshot.Snapshot{}, snapshot.ErrNotFound
	}
	return best, nil
}
