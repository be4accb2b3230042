package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/session"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Connector 建立会话；*session.Coordinator 实现
type Connector interface {
	Coordinator
	Connect(ctx context.Context, req session.ConnectRequest) (*session.Session, error)
	HeartbeatPolicy() (interval, timeout time.Duration)
}

type Manager struct {
	coord    Connector
	sem      *collab.SemaphoreControl
	validate *validator.Validate
	hb       Heartbeat
	log      zerolog.Logger
}

func NewManager(coord Connector, sem *collab.SemaphoreControl, log zerolog.Logger) *Manager {
	interval, timeout := coord.HeartbeatPolicy()
	return &Manager{
		coord:    coord,
		sem:      sem,
		validate: validator.New(),
		hb:       Heartbeat{Interval: interval, Timeout: timeout},
		log:      log.With().Str("component", "ws").Logger(),
	}
}

// WebSocketConnect GET /collab/ws?docId=&lastAcknowledgedVersion=
// 先鉴权并加入文档，失败时返回普通 HTTP 错误，成功后才升级连接。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	docID := c.Query("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId"})
		return
	}
	var lastAck *uint64
	if raw := c.Query("lastAcknowledgedVersion"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lastAcknowledgedVersion"})
			return
		}
		lastAck = &v
	}

	sess, err := m.coord.Connect(c.Request.Context(), session.ConnectRequest{DocID: docID, UserID: userID, Username: username, LastAck: lastAck})
	if err != nil {
		c.JSON(connectStatus(err), gin.H{"error": err.Error(), "code": errorCode(err)})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		m.coord.Disconnect(sess, "upgrade failed")
		return
	}

	wsConn := NewConn(conn, sess, m.coord, m.sem, m.validate, m.hb, m.log)
	// 先启动写循环，welcome 等事件已经在会话队列里
	go wsConn.writeLoop()
	// 读循环阻塞至连接关闭
	wsConn.readLoop(context.WithoutCancel(c.Request.Context()))
}

func connectStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
