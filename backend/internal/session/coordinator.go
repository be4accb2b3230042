package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/snapshot"
)

type ConnectRequest struct {
	DocID    string
	UserID   uint64
	Username string
	// 重连时客户端最后确认的版本；首次连接为 nil
	LastAck *uint64
}

type SubmitRequest struct {
	BaseVersion uint64
	Delta       delta.Delta
	ClientID    string
	ClientSeq   uint64
}

// Coordinator 管理所有文档的 actor
type Coordinator struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	docs   map[string]*docActor
	closed bool
}

func NewCoordinator(deps Deps, opts Options, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		deps: deps,
		opts: opts.withDefaults(),
		log:  log.With().Str("component", "coordinator").Logger(),
		docs: make(map[string]*docActor),
	}
	if deps.Gate != nil {
		deps.Gate.Subscribe(c.onAccessChange)
	}
	return c
}

// acquire 返回文档的 actor 并增加引用计数，必要时从快照和日志加载
func (c *Coordinator) acquire(ctx context.Context, docID string) (*docActor, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: shutting down", ErrUnavailable)
		}
		a := c.docs[docID]
		if a != nil && a.retiring {
			// 等卸载（含最后一次快照）完成后重新加载
			done := a.done
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if a != nil {
			a.refs++
			c.mu.Unlock()
			select {
			case <-a.loaded:
			case <-ctx.Done():
				c.release(a)
				return nil, ctx.Err()
			}
			if a.loadErr != nil {
				c.release(a)
				return nil, a.loadErr
			}
			return a, nil
		}

		a = newDocActor(c, docID)
		a.refs = 1
		c.docs[docID] = a
		c.mu.Unlock()

		engine, err := c.load(ctx, docID)
		if err != nil {
			a.loadErr = fmt.Errorf("%w: load %s: %v", ErrUnavailable, docID, err)
			c.mu.Lock()
			delete(c.docs, docID)
			c.mu.Unlock()
			close(a.loaded)
			close(a.done)
			return nil, a.loadErr
		}
		a.engine = engine
		if c.deps.Compactor != nil {
			c.deps.Compactor.Track(docID, engine.Version())
		}
		close(a.loaded)
		go a.run()
		c.log.Debug().Str("doc", docID).Uint64("version", engine.Version()).Msg("document loaded")
		return a, nil
	}
}

// release 减少引用计数；归零后由 actor 在空闲超时后自行卸载
func (c *Coordinator) release(a *docActor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a.refs--
	if a.refs == 0 {
		a.idleSince = a.now()
	}
}

func (c *Coordinator) active(docID string) *docActor {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.docs[docID]
	if a == nil {
		return nil
	}
	select {
	case <-a.loaded:
		if a.loadErr != nil {
			return nil
		}
		return a
	default:
		return nil
	}
}

// load 恢复文档：最新快照 + 之后的日志；快照之前保留的日志尾部放入变换窗口
func (c *Coordinator) load(ctx context.Context, docID string) (*collab.Engine, error) {
	var (
		content delta.Delta
		version uint64
	)
	snap, err := c.deps.Snapshots.Latest(ctx, docID)
	switch {
	case err == nil:
		content, version = snap.Content, snap.Version
	case errors.Is(err, snapshot.ErrNotFound):
	default:
		return nil, err
	}
	engine, err := collab.NewEngine(docID, content, version, c.opts.Window)
	if err != nil {
		return nil, err
	}

	from := version + 1 - min(version, uint64(c.opts.Window))
	var history []oplog.LogEntry
	replay := func(from uint64) error {
		for e, err := range c.deps.Log.ReadFrom(ctx, docID, from) {
			if err != nil {
				return err
			}
			if e.Position <= version {
				history = append(history, e)
				continue
			}
			if _, err := engine.Apply(e); err != nil {
				return err
			}
		}
		return nil
	}
	err = replay(from)
	var re *oplog.RangeError
	if errors.As(err, &re) && re.Horizon > from && re.Horizon <= version+1 {
		// 日志截断得比窗口更多，只预热仍保留的尾部
		history = nil
		err = replay(re.Horizon)
	}
	if err != nil && !errors.Is(err, oplog.ErrNotFound) {
		return nil, err
	}
	if len(history) > 0 && history[len(history)-1].Position == version {
		if err := engine.Preload(history); err != nil {
			c.log.Warn().Err(err).Str("doc", docID).Msg("preload window failed")
		}
	}
	return engine, nil
}

// Connect 鉴权并加入文档。返回的会话已经是 Active，欢迎消息和补发内容已在其事件队列中。
func (c *Coordinator) Connect(ctx context.Context, req ConnectRequest) (*Session, error) {
	level, err := c.deps.Gate.Resolve(ctx, req.UserID, req.DocID)
	switch {
	case errors.Is(err, access.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.DocID)
	case err != nil:
		return nil, fmt.Errorf("%w: resolve access: %v", ErrUnavailable, err)
	case !level.CanRead():
		return nil, fmt.Errorf("%w: user %d has no access to %s", ErrUnauthorized, req.UserID, req.DocID)
	}

	a, err := c.acquire(ctx, req.DocID)
	if err != nil {
		return nil, err
	}
	s := newSession(uuid.NewString(), req.UserID, req.Username, req.DocID, level, c.opts.OutboxSize)
	if err := s.transition(Authorized); err != nil {
		c.release(a)
		return nil, err
	}
	if err := a.call(func() { a.join(ctx, s, req.LastAck) }); err != nil {
		c.release(a)
		return nil, err
	}
	c.log.Info().Str("doc", req.DocID).Str("session", s.ID).Uint64("user", req.UserID).
		Str("level", level.String()).Msg("session connected")
	return s, nil
}

// Submit 提交一次编辑，返回其在日志中的位置
func (c *Coordinator) Submit(ctx context.Context, s *Session, req SubmitRequest) (uint64, error) {
	if s.State() != Active {
		return 0, ErrClosed
	}
	a := c.active(s.DocID)
	if a == nil {
		return 0, ErrClosed
	}
	var (
		pos uint64
		err error
	)
	if callErr := a.call(func() { pos, err = a.submit(ctx, s, req) }); callErr != nil {
		return 0, callErr
	}
	return pos, err
}

// Heartbeat 刷新会话活跃时间与在线状态
func (c *Coordinator) Heartbeat(ctx context.Context, s *Session) {
	if s.State() == Disconnected {
		return
	}
	s.touch()
	if c.deps.Presence != nil {
		if err := c.deps.Presence.AddMember(ctx, s.DocID, s.UserID, s.Username, c.opts.PresenceTTL); err != nil {
			c.log.Warn().Err(err).Str("doc", s.DocID).Msg("refresh presence failed")
		}
	}
}

// HeartbeatPolicy 连接层按 interval 发送 ping，超过 timeout 没有心跳的会话会被断开
func (c *Coordinator) HeartbeatPolicy() (interval, timeout time.Duration) {
	return c.opts.HeartbeatInterval, c.opts.HeartbeatTimeout
}

func (c *Coordinator) Disconnect(s *Session, reason string) {
	if s.State() == Disconnected {
		return
	}
	a := c.active(s.DocID)
	if a == nil {
		return
	}
	_ = a.call(func() { a.disconnect(s, reason) })
}

// onAccessChange 权限变化由 gate 回调，不能阻塞
func (c *Coordinator) onAccessChange(ch access.Change) {
	a := c.active(ch.DocID)
	if a == nil {
		return
	}
	go func() { _ = a.call(func() { a.applyAccess(ch) }) }()
}

// State 返回文档当前内容与版本：已加载时取内存，否则从快照与日志恢复
func (c *Coordinator) State(ctx context.Context, docID string) (delta.Delta, uint64, error) {
	if a := c.active(docID); a != nil {
		content, version := a.engine.State()
		return content, version, nil
	}
	engine, err := c.load(ctx, docID)
	if err != nil {
		return nil, 0, err
	}
	content, version := engine.State()
	return content, version, nil
}

// Capture 供快照管理器读取内存状态
func (c *Coordinator) Capture(docID string) (delta.Delta, uint64, bool) {
	c.mu.Lock()
	a := c.docs[docID]
	c.mu.Unlock()
	if a == nil {
		return nil, 0, false
	}
	select {
	case <-a.loaded:
	default:
		return nil, 0, false
	}
	if a.engine == nil {
		return nil, 0, false
	}
	content, version := a.engine.State()
	return content, version, true
}

// Sessions 返回文档上活跃会话数，未加载时为 0
func (c *Coordinator) Sessions(docID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a := c.docs[docID]; a != nil {
		return a.refs
	}
	return 0
}

// Close 断开所有会话，每个文档压缩一次后卸载
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	actors := make([]*docActor, 0, len(c.docs))
	for _, a := range c.docs {
		actors = append(actors, a)
	}
	c.mu.Unlock()

	for _, a := range actors {
		a.shutdown()
	}
	for _, a := range actors {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
