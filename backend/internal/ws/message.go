package ws

import (
	"errors"
	"time"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/session"
)

// 客户端 -> 服务端
const (
	TypeSubmitOperation = "submitOperation"
	TypeHeartbeat       = "heartbeat"
)

// 服务端 -> 客户端
const (
	TypeWelcome      = "welcome"
	TypeBroadcast    = "operationBroadcast"
	TypeAck          = "ack"
	TypePresence     = "presence"
	TypeResync       = "resync"
	TypeAccessDenied = "accessDenied"
	TypeRetry        = "retry"
	TypeError        = "error"
)

type ClientMessage struct {
	Type        string `json:"type" validate:"required,oneof=submitOperation heartbeat"`
	BaseVersion uint64 `json:"baseVersion"`
	// 客户端实例标识。同一用户可有多个 clientId（多端/多标签页）。
	ClientID string `json:"clientId" validate:"required_if=Type submitOperation,max=64"`
	// 针对同一个 clientId 的本地递增序号
	ClientSeq uint64      `json:"clientSeq" validate:"required_if=Type submitOperation"`
	Ops       delta.Delta `json:"ops" validate:"required_if=Type submitOperation,max=4096"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ServerMessage 所有下行消息共用一个结构，按 type 取字段
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	DocID     string `json:"docId,omitempty"`
	// welcome/resync: 文档版本；ack: 分配到的位置
	Version uint64 `json:"version,omitempty"`
	// welcome（首次连接）/resync 的完整内容
	Content delta.Delta `json:"content,omitempty"`
	Level   string      `json:"level,omitempty"`

	// operationBroadcast
	Position        uint64      `json:"position,omitempty"`
	Ops             delta.Delta `json:"ops,omitempty"`
	AuthorSessionID string      `json:"authorSessionId,omitempty"`
	AuthorID        uint64      `json:"authorId,omitempty"`
	AppliedAt       *time.Time  `json:"appliedAt,omitempty"`

	// ack/retry/error 关联的提交
	ClientID  string `json:"clientId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`

	// presence
	Member *PresenceMember `json:"member,omitempty"`
	Status string          `json:"status,omitempty"`

	// error/retry
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func fromEvent(docID string, ev session.Event) ServerMessage {
	msg := ServerMessage{Type: string(ev.Kind), DocID: docID}
	switch ev.Kind {
	case session.EventWelcome:
		msg.SessionID = ev.SessionID
		msg.Version = ev.Version
		msg.Content = ev.Content
		msg.Level = ev.Level.String()
	case session.EventBroadcast:
		fillEntry(&msg, ev.Entry)
	case session.EventAck:
		msg.Version = ev.Version
		msg.ClientID = ev.ClientID
		msg.ClientSeq = ev.ClientSeq
	case session.EventPresence:
		msg.SessionID = ev.SessionID
		msg.Member = &PresenceMember{UserID: ev.Member.UserID, Username: ev.Member.Username}
		msg.Status = string(ev.Status)
	case session.EventResync:
		msg.Version = ev.Version
		msg.Content = ev.Content
	case session.EventAccessDenied:
		msg.Level = ev.Level.String()
	}
	return msg
}

func fillEntry(msg *ServerMessage, e *oplog.LogEntry) {
	if e == nil {
		return
	}
	msg.Position = e.Position
	msg.Ops = e.Delta
	msg.AuthorSessionID = e.AuthorSession
	msg.AuthorID = e.AuthorUser
	msg.ClientID = e.ClientID
	msg.ClientSeq = e.ClientSeq
	if !e.CreatedAt.IsZero() {
		at := e.CreatedAt
		msg.AppliedAt = &at
	}
}

// 错误码就是各包哨兵错误的文本
var codes = []error{
	session.ErrUnauthorized,
	access.ErrForbidden,
	collab.ErrStaleBase,
	collab.ErrBaseAhead,
	collab.ErrDeltaOutOfBounds,
	delta.ErrInvalidOp,
	session.ErrUnavailable,
	collab.ErrAcquireTimeout,
	session.ErrClosed,
	session.ErrNotFound,
}

func errorCode(err error) string {
	for _, e := range codes {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "INTERNAL"
}
