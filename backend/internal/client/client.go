package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/ws"
)

type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// ErrRejected 服务端拒绝建立会话（未授权/文档不存在），不再重连
var ErrRejected = errors.New("CONNECT_REJECTED")

type Options struct {
	// ws://host:port/collab/ws
	URL      string
	DocID    string
	Token    string
	ClientID string
	// 未确认的本地编辑上限
	MaxPending        int
	HeartbeatInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration

	OnStatus func(Status)
	// 远端操作或 resync 改变了本地文档
	OnChange func(text string, version uint64)
	// resync/降级丢弃了本地编辑
	OnDropped func(n int, reason string)
	Logger    zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	return o
}

// Client 维护到一个文档的连接，断线后指数退避重连
type Client struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	state  *State
	status Status
	conn   *websocket.Conn
	// 只有一个写者：gorilla 连接不支持并发写
	writeMu sync.Mutex
}

func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:  opts,
		log:   opts.Logger.With().Str("doc", opts.DocID).Str("client", opts.ClientID).Logger(),
		state: NewState(opts.ClientID, opts.MaxPending),
	}
}

func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Text()
}

func (c *Client) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Version()
}

func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Pending()
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Edit 本地编辑立即生效；离线时缓冲，重连后发送
func (c *Client) Edit(d delta.Delta) error {
	c.mu.Lock()
	out, err := c.state.Edit(d)
	conn := c.conn
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if out != nil && conn != nil {
		// 发送失败由读循环发现断线，重连后重发
		_ = c.submit(conn, out)
	}
	return nil
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if changed && c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

// Run 连接并保持同步直到 ctx 结束或服务端拒绝
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(b, ctx)

	for {
		connected, err := c.session(ctx)
		c.setStatus(Offline)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		c.log.Debug().Err(err).Dur("wait", wait).Msg("reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("docId", c.opts.DocID)
	c.mu.Lock()
	if c.state.Synced() {
		q.Set("lastAcknowledgedVersion", strconv.FormatUint(c.state.Version(), 10))
	}
	c.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// session 一次连接的生命周期；connected 表示握手成功过
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	target, err := c.dialURL()
	if err != nil {
		return false, backoff.Permanent(err)
	}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
				return false, backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, resp.Status))
			}
		}
		return false, err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()
	c.setStatus(Online)

	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeat(conn, stop)
	// ctx 结束时关闭连接让读循环退出
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg ws.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
				return true, backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, ce.Text))
			}
			return true, err
		}
		if err := c.handle(conn, msg); err != nil {
			return true, err
		}
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.write(conn, ws.ClientMessage{Type: ws.TypeHeartbeat}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg ws.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(msg)
}

func (c *Client) submit(conn *websocket.Conn, out *Outgoing) error {
	return c.write(conn, ws.ClientMessage{
		Type:        ws.TypeSubmitOperation,
		BaseVersion: out.BaseVersion,
		ClientID:    c.opts.ClientID,
		ClientSeq:   out.ClientSeq,
		Ops:         out.Delta,
	})
}

// handle 处理一条服务端消息；返回错误时断开重连
func (c *Client) handle(conn *websocket.Conn, msg ws.ServerMessage) error {
	var (
		out     *Outgoing
		err     error
		changed bool
		dropped int
		reason  string
	)
	c.mu.Lock()
	st := c.state
	switch msg.Type {
	case ws.TypeWelcome:
		err = st.Welcome(msg.SessionID, msg.Version, msg.Content, msg.Level == "read")
		// 重连后重发未确认的提交，服务端按 (clientId, clientSeq) 去重
		out = st.Outstanding()
		changed = true
	case ws.TypeBroadcast:
		before := st.Version()
		out, err = st.Broadcast(msg.Position, msg.AuthorSessionID, msg.ClientID, msg.ClientSeq, msg.Ops)
		changed = st.Version() != before
	case ws.TypeAck:
		out, err = st.Ack(msg.Version, msg.ClientSeq)
	case ws.TypeResync:
		dropped, err = st.Resync(msg.Version, msg.Content)
		changed, reason = true, "resync"
	case ws.TypeAccessDenied:
		if msg.Level == "read" {
			dropped = st.Denied()
			reason = "read only"
			if !st.Synced() {
				err = errors.New("local edits discarded, reloading")
			}
		}
	case ws.TypeRetry:
		if o := st.Outstanding(); o != nil && o.ClientSeq == msg.ClientSeq {
			out = o
			delay := time.Duration(msg.RetryAfterMs) * time.Millisecond
			c.mu.Unlock()
			time.Sleep(delay)
			c.mu.Lock()
			// 等待期间可能已经被确认
			if o := st.Outstanding(); o == nil || o.ClientSeq != msg.ClientSeq {
				out = nil
			} else {
				out = o
			}
		}
	case ws.TypeError:
		c.log.Warn().Str("code", msg.Code).Str("message", msg.Message).Uint64("clientSeq", msg.ClientSeq).Msg("server error")
		if o := st.Outstanding(); o != nil && o.ClientSeq == msg.ClientSeq {
			// 被拒绝的提交无法重放，丢弃后整体重新加载
			dropped = st.Discard()
			reason = msg.Code
			err = fmt.Errorf("submit %d rejected: %s", msg.ClientSeq, msg.Code)
		}
	}
	text, version := st.Text(), st.Version()
	c.mu.Unlock()

	if dropped > 0 && c.opts.OnDropped != nil {
		c.opts.OnDropped(dropped, reason)
	}
	if changed && c.opts.OnChange != nil {
		c.opts.OnChange(text, version)
	}
	if err != nil {
		return err
	}
	if out != nil {
		return c.submit(conn, out)
	}
	return nil
}
