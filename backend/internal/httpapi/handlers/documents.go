package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/session"
	"collabSync/backend/internal/store"
)

type DocumentStore interface {
	CreateDocument(ctx context.Context, ownerID uint64, title string) (store.Document, error)
	GetDocument(ctx context.Context, docID string) (store.Document, error)
	ListByOwner(ctx context.Context, ownerID uint64) ([]store.Document, error)
	ListByCollaborator(ctx context.Context, userID uint64) ([]store.Document, error)
}

type Gate interface {
	Resolve(ctx context.Context, userID uint64, docID string) (access.Level, error)
	Grant(ctx context.Context, ownerID uint64, docID string, userID uint64, level access.Level) error
	Revoke(ctx context.Context, ownerID uint64, docID string, userID uint64) error
	Collaborators(ctx context.Context, userID uint64, docID string) (map[uint64]access.Level, error)
	Register(docID string, ownerID uint64)
}

// StateReader 读取文档当前内容；*session.Coordinator 实现
type StateReader interface {
	State(ctx context.Context, docID string) (delta.Delta, uint64, error)
}

type Documents struct {
	store    DocumentStore
	gate     Gate
	state    StateReader
	presence cache.PresenceCache
}

func NewDocuments(s DocumentStore, g Gate, st StateReader, p cache.PresenceCache) *Documents {
	return &Documents{store: s, gate: g, state: st, presence: p}
}

type createReq struct {
	Title string `json:"title" binding:"required,max=255"`
}

type grantReq struct {
	Level access.Level `json:"level" binding:"required"`
}

type documentResp struct {
	ID        string       `json:"docId"`
	Title     string       `json:"title"`
	OwnerID   uint64       `json:"ownerId"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Level     access.Level `json:"level,omitempty"`
	Version   *uint64      `json:"version,omitempty"`
	Content   delta.Delta  `json:"content,omitempty"`
}

func toResp(d store.Document) documentResp {
	return documentResp{ID: d.ID, Title: d.Title, OwnerID: d.OwnerID, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

// userID 由鉴权中间件写入
func userID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get("userId")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	id, ok := v.(uint64)
	if !ok || id == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return id, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, access.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, access.ErrInvalidGrant):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

// requireRead 没有读权限时返回 403（文档存在）或 404
func (h *Documents) requireRead(c *gin.Context, uid uint64, docID string) (access.Level, bool) {
	level, err := h.gate.Resolve(c.Request.Context(), uid, docID)
	if err != nil {
		fail(c, err)
		return access.None, false
	}
	if !level.CanRead() {
		c.JSON(http.StatusForbidden, gin.H{"error": "no access to document"})
		return access.None, false
	}
	return level, true
}

// POST /v1/documents
func (h *Documents) Create(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, err := h.store.CreateDocument(c.Request.Context(), uid, req.Title)
	if err != nil {
		fail(c, err)
		return
	}
	h.gate.Register(doc.ID, uid)
	resp := toResp(doc)
	resp.Level = access.Owner
	c.JSON(http.StatusCreated, resp)
}

// GET /v1/documents?role=owner|collaborator
func (h *Documents) List(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var (
		docs []store.Document
		err  error
	)
	switch role := c.DefaultQuery("role", "owner"); role {
	case "owner":
		docs, err = h.store.ListByOwner(c.Request.Context(), uid)
	case "collaborator":
		docs, err = h.store.ListByCollaborator(c.Request.Context(), uid)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be owner or collaborator"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]documentResp, 0, len(docs))
	for _, d := range docs {
		out = append(out, toResp(d))
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

// GET /v1/documents/:docId 元数据 + 当前内容与版本
func (h *Documents) Get(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	docID := c.Param("docId")
	level, ok := h.requireRead(c, uid, docID)
	if !ok {
		return
	}
	doc, err := h.store.GetDocument(c.Request.Context(), docID)
	if err != nil {
		fail(c, err)
		return
	}
	content, version, err := h.state.State(c.Request.Context(), docID)
	if err != nil {
		fail(c, err)
		return
	}
	resp := toResp(doc)
	resp.Level = level
	resp.Version = &version
	resp.Content = content
	c.JSON(http.StatusOK, resp)
}

// GET /v1/documents/:docId/collaborators
func (h *Documents) Collaborators(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	members, err := h.gate.Collaborators(c.Request.Context(), uid, c.Param("docId"))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(members))
	for id, level := range members {
		out = append(out, gin.H{"userId": id, "level": level})
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": out})
}

func targetUser(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
		return 0, false
	}
	return id, true
}

// PUT /v1/documents/:docId/collaborators/:userId {"level":"read|write"}
func (h *Documents) Grant(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	target, ok := targetUser(c)
	if !ok {
		return
	}
	var req grantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.gate.Grant(c.Request.Context(), uid, c.Param("docId"), target, req.Level); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": target, "level": req.Level})
}

// DELETE /v1/documents/:docId/collaborators/:userId
func (h *Documents) Revoke(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	target, ok := targetUser(c)
	if !ok {
		return
	}
	if err := h.gate.Revoke(c.Request.Context(), uid, c.Param("docId"), target); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /v1/documents/:docId/presence 在线成员
func (h *Documents) Presence(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	docID := c.Param("docId")
	if _, ok := h.requireRead(c, uid, docID); !ok {
		return
	}
	members, err := h.presence.GetAliveMembersWithNames(c.Request.Context(), docID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}
