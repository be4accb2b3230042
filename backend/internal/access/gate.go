package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrForbidden    = errors.New("FORBIDDEN")
	ErrNotFound     = errors.New("NOT_FOUND")
	ErrInvalidGrant = errors.New("INVALID_GRANT")
)

// Repository 持久化文档归属与协作者。
// DocumentOwner 在文档不存在时返回包装了 ErrNotFound 的错误。
type Repository interface {
	DocumentOwner(ctx context.Context, docID string) (uint64, error)
	Collaborators(ctx context.Context, docID string) (map[uint64]Level, error)
	UpsertCollaborator(ctx context.Context, docID string, userID uint64, level Level) error
	DeleteCollaborator(ctx context.Context, docID string, userID uint64) error
}

// Change 某用户在某文档上的权限发生了变化
type Change struct {
	DocID  string
	UserID uint64
	Level  Level
}

type acl struct {
	owner   uint64
	members map[uint64]Level
}

func (a *acl) level(userID uint64) Level {
	if userID == a.owner {
		return Owner
	}
	return a.members[userID]
}

// Gate 带缓存的权限判定。读多写少：Resolve 走读锁，授权变更持有写锁直到落库完成，
// 因此变更返回之后的 Resolve 一定能看到新权限。
type Gate struct {
	repo Repository

	mu   sync.RWMutex
	acls map[string]*acl

	subMu sync.RWMutex
	subs  []func(Change)
}

func NewGate(repo Repository) *Gate {
	return &Gate{repo: repo, acls: make(map[string]*acl)}
}

// Subscribe 注册权限变更回调。回调在变更完成后同步调用，不能阻塞。
func (g *Gate) Subscribe(fn func(Change)) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	g.subs = append(g.subs, fn)
}

func (g *Gate) notify(c Change) {
	g.subMu.RLock()
	subs := g.subs
	g.subMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

func (g *Gate) cached(docID string) *acl {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.acls[docID]
}

// load 需要持有写锁
func (g *Gate) load(ctx context.Context, docID string) (*acl, error) {
	if a := g.acls[docID]; a != nil {
		return a, nil
	}
	owner, err := g.repo.DocumentOwner(ctx, docID)
	if err != nil {
		return nil, err
	}
	members, err := g.repo.Collaborators(ctx, docID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = make(map[uint64]Level)
	}
	a := &acl{owner: owner, members: members}
	g.acls[docID] = a
	return a, nil
}

// Resolve 返回用户在文档上的权限；文档不存在返回 ErrNotFound
func (g *Gate) Resolve(ctx context.Context, userID uint64, docID string) (Level, error) {
	if a := g.cached(docID); a != nil {
		g.mu.RLock()
		defer g.mu.RUnlock()
		return a.level(userID), nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a, err := g.load(ctx, docID)
	if err != nil {
		return None, err
	}
	return a.level(userID), nil
}

func (g *Gate) Owner(ctx context.Context, docID string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, err := g.load(ctx, docID)
	if err != nil {
		return 0, err
	}
	return a.owner, nil
}

// Grant 由文档所有者授予（或修改）协作者权限，只允许 read / write
func (g *Gate) Grant(ctx context.Context, ownerID uint64, docID string, userID uint64, level Level) error {
	if level != Read && level != Write {
		return fmt.Errorf("%w: level must be read or write, got %s", ErrInvalidGrant, level)
	}
	g.mu.Lock()
	a, err := g.load(ctx, docID)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	if a.owner != ownerID {
		g.mu.Unlock()
		return fmt.Errorf("%w: user %d does not own %s", ErrForbidden, ownerID, docID)
	}
	if userID == ownerID {
		g.mu.Unlock()
		return fmt.Errorf("%w: owner cannot be a collaborator", ErrInvalidGrant)
	}
	if a.members[userID] == level {
		g.mu.Unlock()
		return nil
	}
	if err := g.repo.UpsertCollaborator(ctx, docID, userID, level); err != nil {
		g.mu.Unlock()
		return err
	}
	a.members[userID] = level
	g.mu.Unlock()

	g.notify(Change{DocID: docID, UserID: userID, Level: level})
	return nil
}

// Revoke 移除协作者
func (g *Gate) Revoke(ctx context.Context, ownerID uint64, docID string, userID uint64) error {
	g.mu.Lock()
	a, err := g.load(ctx, docID)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	if a.owner != ownerID {
		g.mu.Unlock()
		return fmt.Errorf("%w: user %d does not own %s", ErrForbidden, ownerID, docID)
	}
	if _, ok := a.members[userID]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: user %d is not a collaborator of %s", ErrNotFound, userID, docID)
	}
	if err := g.repo.DeleteCollaborator(ctx, docID, userID); err != nil {
		g.mu.Unlock()
		return err
	}
	delete(a.members, userID)
	g.mu.Unlock()

	g.notify(Change{DocID: docID, UserID: userID, Level: None})
	return nil
}

// Collaborators 返回协作者列表（不含所有者）。调用方需要有读权限。
func (g *Gate) Collaborators(ctx context.Context, userID uint64, docID string) (map[uint64]Level, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, err := g.load(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !a.level(userID).CanRead() {
		return nil, fmt.Errorf("%w: user %d cannot read %s", ErrForbidden, userID, docID)
	}
	out := make(map[uint64]Level, len(a.members))
	for id, l := range a.members {
		out[id] = l
	}
	return out, nil
}

// Register 记录新建文档的所有者，避免随后的 Resolve 再查库
func (g *Gate) Register(docID string, ownerID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acls[docID] = &acl{owner: ownerID, members: make(map[uint64]Level)}
}

// Evict 丢弃缓存，下次访问重新从存储加载
func (g *Gate) Evict(docID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.acls, docID)
}
