package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/session"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 1 << 20
	// 获取提交信号量的最长等待
	submitAcquireTimeout = 200 * time.Millisecond
	retryAfter           = 500 * time.Millisecond
)

// Coordinator 连接需要的协调器能力
type Coordinator interface {
	Submit(ctx context.Context, s *session.Session, req session.SubmitRequest) (uint64, error)
	Heartbeat(ctx context.Context, s *session.Session)
	Disconnect(s *session.Session, reason string)
}

// Heartbeat ping 间隔与心跳超时，来自 session.Options
type Heartbeat struct {
	Interval time.Duration
	Timeout  time.Duration
}

// readWait 读超时比心跳超时宽松，超时断开由协调器判定并带上原因
func (h Heartbeat) readWait() time.Duration { return h.Timeout + h.Timeout/2 }

type Conn struct {
	ws    *websocket.Conn
	sess  *session.Session
	coord Coordinator
	// 信号量控制
	sem      *collab.SemaphoreControl
	validate *validator.Validate
	hb       Heartbeat
	log      zerolog.Logger

	// 连接自己产生的回复（错误/重试），会话事件走 sess.Events()
	send chan ServerMessage
	// readLoop 退出后关闭
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, sess *session.Session, coord Coordinator, sem *collab.SemaphoreControl, validate *validator.Validate, hb Heartbeat, log zerolog.Logger) *Conn {
	return &Conn{
		ws:       ws,
		sess:     sess,
		coord:    coord,
		sem:      sem,
		validate: validate,
		hb:       hb,
		log:      log.With().Str("session", sess.ID).Str("doc", sess.DocID).Logger(),
		send:     make(chan ServerMessage, 32),
		done:     make(chan struct{}),
	}
}

// reply 队列满时丢弃：回复只是提示，状态由会话事件保证
func (c *Conn) reply(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("type", msg.Type).Msg("reply dropped, send queue full")
	}
}

func (c *Conn) handleSubmit(ctx context.Context, msg ClientMessage) {
	acquireCtx, cancel := context.WithTimeout(ctx, submitAcquireTimeout)
	err := c.sem.Acquire(acquireCtx)
	cancel()
	if err != nil {
		c.reply(ServerMessage{Type: TypeRetry, ClientID: msg.ClientID, ClientSeq: msg.ClientSeq, Code: errorCode(err), RetryAfterMs: retryAfter.Milliseconds()})
		return
	}
	defer c.sem.Release()

	_, err = c.coord.Submit(ctx, c.sess, session.SubmitRequest{
		BaseVersion: msg.BaseVersion,
		Delta:       msg.Ops,
		ClientID:    msg.ClientID,
		ClientSeq:   msg.ClientSeq,
	})
	switch {
	case err == nil:
		// ack 由会话事件送达
	case errors.Is(err, collab.ErrStaleBase), errors.Is(err, collab.ErrBaseAhead), errors.Is(err, collab.ErrDeltaOutOfBounds):
		// 协调器已经发出 resync
	case errors.Is(err, session.ErrUnavailable):
		c.reply(ServerMessage{Type: TypeRetry, ClientID: msg.ClientID, ClientSeq: msg.ClientSeq, Code: errorCode(err), RetryAfterMs: retryAfter.Milliseconds()})
	case errors.Is(err, access.ErrForbidden):
		c.reply(ServerMessage{Type: TypeAccessDenied, Level: c.sess.Level().String(), ClientID: msg.ClientID, ClientSeq: msg.ClientSeq})
	default:
		c.log.Debug().Err(err).Uint64("clientSeq", msg.ClientSeq).Msg("submit rejected")
		c.reply(ServerMessage{Type: TypeError, ClientID: msg.ClientID, ClientSeq: msg.ClientSeq, Code: errorCode(err), Message: err.Error()})
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		c.coord.Disconnect(c.sess, "client closed")
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hb.readWait()))
	c.ws.SetPongHandler(func(string) error {
		c.coord.Heartbeat(ctx, c.sess)
		return c.ws.SetReadDeadline(time.Now().Add(c.hb.readWait()))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hb.readWait()))
		if err := c.validate.Struct(msg); err != nil {
			c.reply(ServerMessage{Type: TypeError, ClientSeq: msg.ClientSeq, Code: "INVALID_MESSAGE", Message: err.Error()})
			continue
		}
		switch msg.Type {
		case TypeHeartbeat:
			c.coord.Heartbeat(ctx, c.sess)
		case TypeSubmitOperation:
			c.handleSubmit(ctx, msg)
		}
	}
}

func (c *Conn) write(msg ServerMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// writeLoop 是唯一的写者：会话事件、连接回复和 ping
func (c *Conn) writeLoop() {
	ping := time.NewTicker(c.hb.Interval)
	defer func() {
		ping.Stop()
		c.ws.Close()
	}()
	events := c.sess.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// 会话被服务端断开（撤销权限、心跳超时、慢消费者、停机）
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(c.sess.Reason()), c.sess.Reason()))
				return
			}
			if err := c.write(fromEvent(c.sess.DocID, ev)); err != nil {
				c.log.Info().Err(err).Msg("write failed")
				return
			}
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.log.Info().Err(err).Msg("write failed")
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case session.ReasonRevoked:
		return websocket.ClosePolicyViolation
	case session.ReasonShutdown, session.ReasonHeartbeat:
		return websocket.CloseGoingAway
	case session.ReasonSlowConsumer:
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseNormalClosure
}
