package snapshot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// 关闭时并发压缩的文档数
	closeParallelism = 8
	compactTimeout   = 30 * time.Second
)

type progress struct {
	// 同一文档同时只有一次压缩
	run sync.Mutex

	mu         sync.Mutex
	saved      uint64 // 最近一次快照的版本
	seen       uint64 // 最近观察到的版本
	dirtySince time.Time
}

func (p *progress) dirty() (bool, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen > p.saved, p.dirtySince
}

// Manager 按操作数或时间触发快照，保存成功后再截断日志。
type Manager struct {
	store  Store
	log    Truncator
	policy atomic.Pointer[Policy]
	logger zerolog.Logger

	mu     sync.Mutex
	source Source
	docs   map[string]*progress
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store Store, log Truncator, policy Policy, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:  store,
		log:    log,
		logger: logger.With().Str("component", "snapshot").Logger(),
		docs:   make(map[string]*progress),
		ctx:    ctx,
		cancel: cancel,
	}
	m.policy.Store(&policy)
	return m
}

func (m *Manager) Policy() Policy { return *m.policy.Load() }

// SetPolicy 热更新策略，下一次触发判断即生效
func (m *Manager) SetPolicy(p Policy) {
	m.policy.Store(&p)
	m.logger.Info().Uint64("every_ops", p.EveryOps).Dur("interval", p.Interval).
		Uint64("keep_tail", p.KeepTail).Msg("snapshot policy updated")
}

// SetSource 设置内容来源；必须在 Observe 之前调用
func (m *Manager) SetSource(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = src
}

// Start 启动按时间触发的后台循环，直到 ctx 结束或 Close
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case now := <-ticker.C:
				m.sweep(now)
			}
		}
	}()
}

func (m *Manager) sweep(now time.Time) {
	interval := m.Policy().Interval
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	var due []string
	for id, p := range m.docs {
		if dirty, since := p.dirty(); dirty && !since.IsZero() && now.Sub(since) >= interval {
			due = append(due, id)
		}
	}
	m.mu.Unlock()
	for _, id := range due {
		m.trigger(id)
	}
}

func (m *Manager) progressOf(docID string) *progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.docs[docID]
	if p == nil {
		p = &progress{}
		m.docs[docID] = p
	}
	return p
}

// Track 记录文档加载时所基于的快照版本
func (m *Manager) Track(docID string, version uint64) {
	p := m.progressOf(docID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if version > p.saved {
		p.saved = version
	}
	if version > p.seen {
		p.seen = version
	}
}

// Observe 每应用一条操作调用一次，达到阈值时在后台压缩
func (m *Manager) Observe(docID string, version uint64) {
	p := m.progressOf(docID)
	p.mu.Lock()
	if version > p.seen {
		p.seen = version
	}
	if p.dirtySince.IsZero() && p.seen > p.saved {
		p.dirtySince = time.Now()
	}
	pending := p.seen - p.saved
	p.mu.Unlock()

	if every := m.Policy().EveryOps; every > 0 && pending >= every {
		m.trigger(docID)
	}
}

// trigger 异步压缩；已有压缩在进行时跳过
func (m *Manager) trigger(docID string) {
	m.mu.Lock()
	p := m.docs[docID]
	if m.closed || p == nil || !p.run.TryLock() {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		defer p.run.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), compactTimeout)
		defer cancel()
		if err := m.compact(ctx, docID, p); err != nil {
			m.logger.Error().Err(err).Str("doc", docID).Msg("compaction failed")
		}
	}()
}

// Compact 同步压缩一个文档：先保存快照，成功后截断日志
func (m *Manager) Compact(ctx context.Context, docID string) error {
	p := m.progressOf(docID)
	p.run.Lock()
	defer p.run.Unlock()
	return m.compact(ctx, docID, p)
}

func (m *Manager) compact(ctx context.Context, docID string, p *progress) error {
	m.mu.Lock()
	src := m.source
	m.mu.Unlock()
	if src == nil {
		return nil
	}
	content, version, ok := src.Capture(docID)
	if !ok {
		return nil
	}
	p.mu.Lock()
	saved := p.saved
	p.mu.Unlock()
	if version <= saved {
		return nil
	}

	start := time.Now()
	if err := m.store.Save(ctx, Snapshot{DocID: docID, Version: version, Content: content, CreatedAt: start.UTC()}); err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", docID, version, err)
	}
	p.mu.Lock()
	p.saved = version
	if p.seen <= version {
		p.seen = version
		p.dirtySince = time.Time{}
	} else {
		p.dirtySince = time.Now()
	}
	p.mu.Unlock()

	// 快照已落库，截断失败只影响日志体积
	if keep := m.Policy().KeepTail; version > keep+1 && m.log != nil {
		if err := m.log.TruncateBefore(ctx, docID, version-keep); err != nil {
			m.logger.Warn().Err(err).Str("doc", docID).Uint64("before", version-keep).Msg("truncate log failed")
		}
	}
	m.logger.Debug().Str("doc", docID).Uint64("version", version).Dur("took", time.Since(start)).Msg("snapshot saved")
	return nil
}

// Forget 文档从内存卸载后丢弃其进度
func (m *Manager) Forget(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
}

// Close 停止后台触发，并把所有脏文档压缩一遍
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	dirty := make([]string, 0, len(m.docs))
	for id, p := range m.docs {
		if ok, _ := p.dirty(); ok {
			dirty = append(dirty, id)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(closeParallelism)
	for _, id := range dirty {
		g.Go(func() error { return m.Compact(gctx, id) })
	}
	return g.Wait()
}
