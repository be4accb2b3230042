package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/oplog"
)

// 服务端主动断开会话的原因，见 Session.Reason
const (
	ReasonSlowConsumer = "slow consumer"
	ReasonHeartbeat    = "heartbeat timeout"
	ReasonRevoked      = "access revoked"
	ReasonShutdown     = "server shutting down"
)

// 事件投递与在线状态更新的超时，不阻塞 actor
const sideEffectTimeout = 500 * time.Millisecond

// docActor 独占一个文档的引擎与会话表；除 refs/retiring/idleSince（由 Coordinator.mu 保护）外
// 所有字段只在 run 所在的 goroutine 中访问。
type docActor struct {
	c      *Coordinator
	docID  string
	log    zerolog.Logger
	engine *collab.Engine

	inbox chan func()
	stop  chan struct{}
	// loaded 在加载完成（成功或失败）后关闭；done 在 actor 退出后关闭
	loaded  chan struct{}
	loadErr error
	done    chan struct{}

	refs      int
	retiring  bool
	idleSince time.Time

	sessions map[string]*Session
	// 本轮命令中事件队列已满的会话，命令结束后统一断开
	drops map[string]*Session
}

func newDocActor(c *Coordinator, docID string) *docActor {
	return &docActor{
		c:        c,
		docID:    docID,
		log:      c.log.With().Str("doc", docID).Logger(),
		inbox:    make(chan func(), c.opts.InboxSize),
		stop:     make(chan struct{}),
		loaded:   make(chan struct{}),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
		drops:    make(map[string]*Session),
	}
}

func (a *docActor) now() time.Time { return time.Now() }

// call 把 fn 交给 actor 执行并等待完成；actor 已退出时返回 ErrUnavailable
func (a *docActor) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case a.inbox <- func() { defer close(finished); fn() }:
	case <-a.done:
		return fmt.Errorf("%w: document %s unloaded", ErrUnavailable, a.docID)
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		return fmt.Errorf("%w: document %s unloaded", ErrUnavailable, a.docID)
	}
}

func (a *docActor) shutdown() {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}

func (a *docActor) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.c.opts.tick())
	defer ticker.Stop()

	for {
		select {
		case fn := <-a.inbox:
			fn()
			a.flushDrops()
		case now := <-ticker.C:
			a.reap(now)
			a.flushDrops()
			if a.shouldRetire(now) {
				a.retire(ReasonShutdown)
				return
			}
		case <-a.stop:
			a.c.mu.Lock()
			a.retiring = true
			a.c.mu.Unlock()
			a.retire(ReasonShutdown)
			return
		}
	}
}

func (a *docActor) shouldRetire(now time.Time) bool {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	if a.refs > 0 || len(a.inbox) > 0 || now.Sub(a.idleSince) < a.c.opts.IdleTimeout {
		return false
	}
	a.retiring = true
	return true
}

// retire 断开剩余会话，保存最后一次快照，丢弃权限缓存后从协调器中移除
func (a *docActor) retire(reason string) {
	for _, s := range a.sessions {
		a.disconnect(s, reason)
	}
	if cp := a.c.deps.Compactor; cp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := cp.Compact(ctx, a.docID); err != nil {
			a.log.Error().Err(err).Msg("final compaction failed")
		}
		cancel()
		cp.Forget(a.docID)
	}
	// 权限缓存随文档一起卸载，下次加载时从存储重新读取
	a.c.deps.Gate.Evict(a.docID)
	a.c.mu.Lock()
	if a.c.docs[a.docID] == a {
		delete(a.c.docs, a.docID)
	}
	a.c.mu.Unlock()
	a.log.Debug().Uint64("version", a.engine.Version()).Msg("document unloaded")
}

// send 非阻塞投递；队列满的会话记入 drops，不再给它发任何事件
func (a *docActor) send(s *Session, ev Event) {
	if _, ok := a.sessions[s.ID]; !ok {
		return
	}
	if _, dropped := a.drops[s.ID]; dropped {
		return
	}
	select {
	case s.out <- ev:
		switch ev.Kind {
		case EventBroadcast:
			s.lastAck.Store(ev.Entry.Position)
		case EventAck, EventResync:
			s.lastAck.Store(ev.Version)
		}
	default:
		a.drops[s.ID] = s
	}
}

func (a *docActor) flushDrops() {
	for id, s := range a.drops {
		delete(a.drops, id)
		a.log.Warn().Str("session", id).Msg("outbox full, disconnecting session")
		a.disconnect(s, ReasonSlowConsumer)
	}
}

func (a *docActor) resync(s *Session) {
	content, version := a.engine.State()
	a.send(s, Event{Kind: EventResync, Version: version, Content: content})
}

// join 发送欢迎消息，补发或重新同步，然后激活会话并广播上线
func (a *docActor) join(ctx context.Context, s *Session, lastAck *uint64) {
	a.sessions[s.ID] = s
	content, version := a.engine.State()

	if lastAck == nil {
		a.send(s, Event{Kind: EventWelcome, SessionID: s.ID, Version: version, Content: content, Level: s.Level()})
	} else {
		a.send(s, Event{Kind: EventWelcome, SessionID: s.ID, Version: version, Level: s.Level()})
		a.replay(ctx, s, *lastAck, version)
	}
	if err := s.transition(Active); err != nil {
		a.log.Error().Err(err).Str("session", s.ID).Msg("activate session")
		return
	}

	for _, other := range a.sessions {
		if other.ID == s.ID || other.State() != Active {
			continue
		}
		a.send(s, Event{Kind: EventPresence, SessionID: other.ID, Member: other.member(), Status: PresenceJoined})
		a.send(other, Event{Kind: EventPresence, SessionID: s.ID, Member: s.member(), Status: PresenceJoined})
	}
	a.presence(func(ctx context.Context) error {
		return a.c.deps.Presence.AddMember(ctx, a.docID, s.UserID, s.Username, a.c.opts.PresenceTTL)
	})
}

// replay 补发 (lastAck, version] 之间的条目；太多、太旧或版本超前时整体重新同步
func (a *docActor) replay(ctx context.Context, s *Session, lastAck, version uint64) {
	limit := min(a.c.opts.MaxReplay, uint64(max(a.c.opts.OutboxSize-2, 0)))
	if lastAck > version || version-lastAck > limit {
		a.resync(s)
		return
	}
	if lastAck == version {
		return
	}
	entries, err := oplog.Collect(a.c.deps.Log.ReadFrom(ctx, a.docID, lastAck+1))
	if err != nil {
		if !errors.Is(err, oplog.ErrOutOfRange) {
			a.log.Warn().Err(err).Str("session", s.ID).Msg("replay failed, resyncing")
		}
		a.resync(s)
		return
	}
	next := lastAck + 1
	for _, e := range entries {
		if e.Position > version {
			break
		}
		if e.Position != next {
			a.resync(s)
			return
		}
		e := e
		a.send(s, Event{Kind: EventBroadcast, Entry: &e})
		next++
	}
	if next != version+1 {
		a.resync(s)
	}
}

func (a *docActor) disconnect(s *Session, reason string) {
	if _, ok := a.sessions[s.ID]; !ok {
		return
	}
	wasActive := s.State() == Active
	delete(a.sessions, s.ID)
	delete(a.drops, s.ID)
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	_ = s.transition(Disconnected)
	close(s.out)
	a.c.release(a)

	a.log.Info().Str("session", s.ID).Uint64("user", s.UserID).Str("reason", reason).Msg("session disconnected")
	if !wasActive {
		return
	}
	stillHere := false
	for _, other := range a.sessions {
		a.send(other, Event{Kind: EventPresence, SessionID: s.ID, Member: s.member(), Status: PresenceLeft})
		if other.UserID == s.UserID {
			stillHere = true
		}
	}
	if !stillHere {
		a.presence(func(ctx context.Context) error {
			return a.c.deps.Presence.RemoveMember(ctx, a.docID, s.UserID)
		})
	}
}

func (a *docActor) reap(now time.Time) {
	for _, s := range a.sessions {
		if s.idle(now) > a.c.opts.HeartbeatTimeout {
			a.disconnect(s, ReasonHeartbeat)
		}
	}
}

// applyAccess 权限被撤销时断开，降为只读时通知并降级
func (a *docActor) applyAccess(ch access.Change) {
	for _, s := range a.sessions {
		if s.UserID != ch.UserID {
			continue
		}
		prev := s.Level()
		s.level.Store(int32(ch.Level))
		switch {
		case !ch.Level.CanRead():
			a.send(s, Event{Kind: EventAccessDenied, Level: ch.Level})
			a.disconnect(s, ReasonRevoked)
		case prev.CanWrite() && !ch.Level.CanWrite():
			a.send(s, Event{Kind: EventAccessDenied, Level: ch.Level})
		}
	}
}

// authorize 每次写操作前重新判定权限
func (a *docActor) authorize(ctx context.Context, s *Session) error {
	level, err := a.c.deps.Gate.Resolve(ctx, s.UserID, a.docID)
	if err != nil {
		return fmt.Errorf("%w: resolve access: %v", ErrUnavailable, err)
	}
	prev := access.Level(s.level.Swap(int32(level)))
	switch {
	case !level.CanRead():
		a.send(s, Event{Kind: EventAccessDenied, Level: level})
		a.disconnect(s, ReasonRevoked)
		return fmt.Errorf("%w: access to %s revoked", ErrUnauthorized, a.docID)
	case !level.CanWrite():
		if prev.CanWrite() {
			a.send(s, Event{Kind: EventAccessDenied, Level: level})
		}
		return fmt.Errorf("%w: %s access cannot edit %s", access.ErrForbidden, level, a.docID)
	}
	return nil
}

func (a *docActor) submit(ctx context.Context, s *Session, req SubmitRequest) (uint64, error) {
	if _, ok := a.sessions[s.ID]; !ok {
		return 0, ErrClosed
	}
	s.touch()
	if err := a.authorize(ctx, s); err != nil {
		return 0, err
	}
	if err := req.Delta.Validate(); err != nil {
		return 0, err
	}
	if pos, ok := a.duplicate(s, req); ok {
		return pos, nil
	}

	for attempt := 0; ; attempt++ {
		d, err := a.engine.Transform(req.BaseVersion, s.ID, req.Delta)
		if err != nil {
			if errors.Is(err, collab.ErrStaleBase) || errors.Is(err, collab.ErrBaseAhead) || errors.Is(err, collab.ErrDeltaOutOfBounds) {
				a.resync(s)
			}
			return 0, err
		}
		op := oplog.Operation{
			Seq:           a.engine.Version() + 1,
			AuthorSession: s.ID,
			AuthorUser:    s.UserID,
			ClientID:      req.ClientID,
			ClientSeq:     req.ClientSeq,
			BaseVersion:   req.BaseVersion,
			Delta:         d,
		}
		actx, cancel := context.WithTimeout(ctx, a.c.opts.AppendTimeout)
		entry, err := a.c.deps.Log.Append(actx, a.docID, op)
		cancel()
		switch {
		case err == nil:
			a.commit(entry, s)
			return entry.Position, nil
		case errors.Is(err, oplog.ErrConflict) && attempt < a.c.opts.MaxAppendRetries:
			// 位置被其他写入者占用：追上日志后重新变换
			if err := a.catchUp(ctx); err != nil {
				return 0, fmt.Errorf("%w: catch up: %v", ErrUnavailable, err)
			}
			if pos, ok := a.duplicate(s, req); ok {
				return pos, nil
			}
		default:
			a.log.Warn().Err(err).Str("session", s.ID).Int("attempt", attempt).Msg("append failed")
			return 0, fmt.Errorf("%w: append: %v", ErrUnavailable, err)
		}
	}
}

// duplicate 同一 (clientId, clientSeq) 已经进入日志时只回 ack
func (a *docActor) duplicate(s *Session, req SubmitRequest) (uint64, bool) {
	pos, dup := a.engine.Lookup(req.ClientID, req.ClientSeq)
	if !dup {
		return 0, false
	}
	if pos == 0 {
		// 原操作已滑出窗口，位置未知，客户端整体同步即可
		a.resync(s)
		return a.engine.Version(), true
	}
	a.send(s, Event{Kind: EventAck, Version: pos, ClientID: req.ClientID, ClientSeq: req.ClientSeq})
	return pos, true
}

// catchUp 应用日志中比引擎更新的条目并广播
func (a *docActor) catchUp(ctx context.Context) error {
	for e, err := range a.c.deps.Log.ReadFrom(ctx, a.docID, a.engine.Version()+1) {
		if err != nil {
			return err
		}
		applied, err := a.engine.Apply(e)
		if err != nil {
			return err
		}
		if applied {
			a.commit(e, nil)
		}
	}
	return nil
}

// commit 应用已写入日志的条目，按日志顺序通知所有会话与下游
func (a *docActor) commit(entry oplog.LogEntry, author *Session) {
	if author != nil {
		if _, err := a.engine.Apply(entry); err != nil {
			// 日志已经写入，内存状态无法跟上只能重新加载
			a.log.Error().Err(err).Uint64("position", entry.Position).Msg("apply logged entry")
			return
		}
	}
	for _, s := range a.sessions {
		if s.State() != Active {
			continue
		}
		if author != nil && s.ID == author.ID {
			a.send(s, Event{Kind: EventAck, Version: entry.Position, ClientID: entry.ClientID, ClientSeq: entry.ClientSeq})
			continue
		}
		a.send(s, Event{Kind: EventBroadcast, Entry: &entry})
	}
	if cp := a.c.deps.Compactor; cp != nil {
		cp.Observe(a.docID, entry.Position)
	}
	if sink := a.c.deps.Events; sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		if err := sink.Enqueue(ctx, collab.NewDocOpEvent(entry)); err != nil {
			a.log.Warn().Err(err).Uint64("position", entry.Position).Msg("enqueue op event")
		}
		cancel()
	}
}

func (a *docActor) presence(fn func(ctx context.Context) error) {
	if a.c.deps.Presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.log.Warn().Err(err).Msg("update presence")
		}
	}()
}
