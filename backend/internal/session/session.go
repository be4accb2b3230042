// Package session coordinates the live sessions of every open document.
//
// Each document is owned by one actor goroutine. Submissions, joins, leaves,
// access changes and heartbeat reaping for that document are serialized
// through the actor's inbox, which fixes the log order and therefore the
// broadcast order. Documents never share an actor.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/ot/delta"
)

var (
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	// ErrUnavailable 存储超时或不可用，客户端稍后重试；操作没有被应用
	ErrUnavailable = errors.New("UNAVAILABLE")
	ErrNotFound    = errors.New("DOCUMENT_NOT_FOUND")
	ErrClosed      = errors.New("SESSION_CLOSED")
	ErrTransition  = errors.New("INVALID_SESSION_TRANSITION")
)

type State int32

const (
	Connecting State = iota
	Authorized
	Active
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authorized:
		return "authorized"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var allowed = map[State][]State{
	Connecting: {Authorized, Disconnected},
	Authorized: {Active, Disconnected},
	Active:     {Disconnected},
}

type EventKind string

const (
	EventWelcome      EventKind = "welcome"
	EventBroadcast    EventKind = "operationBroadcast"
	EventAck          EventKind = "ack"
	EventPresence     EventKind = "presence"
	EventResync       EventKind = "resync"
	EventAccessDenied EventKind = "accessDenied"
)

type PresenceStatus string

const (
	PresenceJoined PresenceStatus = "joined"
	PresenceLeft   PresenceStatus = "left"
)

// Event 发往某个会话的消息，按产生顺序投递
type Event struct {
	Kind EventKind
	// welcome: 自己的会话 id；presence: 变化的会话
	SessionID string
	// welcome/resync: 文档版本；ack: 分配的位置
	Version uint64
	// welcome（首次连接）与 resync 携带完整内容
	Content delta.Delta
	Level   access.Level
	// broadcast
	Entry *oplog.LogEntry
	// ack
	ClientID  string
	ClientSeq uint64
	// presence
	Member cache.PresenceMember
	Status PresenceStatus
}

// Session 一个连接在一个文档上的会话，不持久化。
// 事件只由文档 actor 写入 out；断开时 actor 关闭 out。
type Session struct {
	ID       string
	UserID   uint64
	Username string
	DocID    string

	state    atomic.Int32
	level    atomic.Int32
	lastAck  atomic.Uint64
	lastSeen atomic.Int64

	out chan Event

	mu     sync.Mutex
	reason string
}

func newSession(id string, userID uint64, username, docID string, level access.Level, outbox int) *Session {
	s := &Session{
		ID:       id,
		UserID:   userID,
		Username: username,
		DocID:    docID,
		out:      make(chan Event, outbox),
	}
	s.level.Store(int32(level))
	s.touch()
	return s
}

func (s *Session) State() State        { return State(s.state.Load()) }
func (s *Session) Level() access.Level { return access.Level(s.level.Load()) }
func (s *Session) LastAck() uint64     { return s.lastAck.Load() }

// Events 会话断开后通道被关闭
func (s *Session) Events() <-chan Event { return s.out }

// Reason 断开原因，仅在 Events 关闭后有意义
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

func (s *Session) transition(to State) error {
	for {
		from := s.State()
		ok := false
		for _, next := range allowed[from] {
			if next == to {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %s -> %s", ErrTransition, from, to)
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

func (s *Session) member() cache.PresenceMember {
	return cache.PresenceMember{UserID: s.UserID, Username: s.Username}
}
