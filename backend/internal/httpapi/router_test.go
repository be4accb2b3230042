package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/auth"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/httpapi/middleware"
	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/session"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

type testServer struct {
	router *gin.Engine
	signer *auth.Signer
	coord  *session.Coordinator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	gate := access.NewGate(st)
	presence := cache.NewMemoryPresence()
	coord := session.NewCoordinator(session.Deps{
		Log:       oplog.NewMemoryLog(),
		Gate:      gate,
		Snapshots: st,
		Presence:  presence,
	}, session.Options{}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		coord.Close(ctx)
	})
	signer := auth.NewSigner("test", "")
	r := NewRouter(RouterDeps{
		Auth:      middleware.LocalAuth(signer),
		Documents: handlers.NewDocuments(st, gate, coord, presence),
		WS:        ws.NewManager(coord, collab.NewSemaphoreControl(4), zerolog.Nop()),
	})
	return &testServer{router: r, signer: signer, coord: coord}
}

func (s *testServer) do(t *testing.T, user uint64, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		token, _, err := s.signer.SignAccessToken(user, "u", time.Minute)
		if err != nil {
			t.Fatalf("SignAccessToken() error = %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func TestRouter_Healthz(t *testing.T) {
	s := newTestServer(t)
	if code, _ := s.do(t, 0, http.MethodGet, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", code)
	}
	if code, _ := s.do(t, 0, http.MethodGet, "/v1/documents", nil); code != http.StatusUnauthorized {
		t.Fatalf("GET /v1/documents without token = %d, want 401", code)
	}
}

func TestRouter_DocumentLifecycle(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, 1, http.MethodPost, "/v1/documents", map[string]string{"title": "  plan  "})
	if code != http.StatusCreated || body["title"] != "plan" || body["level"] != "owner" {
		t.Fatalf("POST /v1/documents = %d %v", code, body)
	}
	docID := body["docId"].(string)
	path := "/v1/documents/" + docID

	if code, _ := s.do(t, 1, http.MethodPost, "/v1/documents", map[string]string{}); code != http.StatusBadRequest {
		t.Fatalf("POST without title = %d, want 400", code)
	}

	// 非协作者不可读
	if code, _ := s.do(t, 2, http.MethodGet, path, nil); code != http.StatusForbidden {
		t.Fatalf("GET by stranger = %d, want 403", code)
	}
	if code, _ := s.do(t, 1, http.MethodGet, "/v1/documents/missing", nil); code != http.StatusNotFound {
		t.Fatalf("GET missing = %d, want 404", code)
	}

	tests := []struct {
		name   string
		user   uint64
		target string
		level  string
		want   int
	}{
		{"owner grants write", 1, "2", "write", http.StatusOK},
		{"owner regrants read", 1, "2", "read", http.StatusOK},
		{"non-owner grants", 2, "3", "read", http.StatusForbidden},
		{"owner grants self", 1, "1", "write", http.StatusBadRequest},
		{"owner level", 1, "3", "owner", http.StatusBadRequest},
		{"unknown level", 1, "3", "admin", http.StatusBadRequest},
		{"bad user id", 1, "x", "read", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, tt.user, http.MethodPut, path+"/collaborators/"+tt.target, map[string]string{"level": tt.level})
			if code != tt.want {
				t.Fatalf("PUT = %d %v, want %d", code, body, tt.want)
			}
		})
	}

	code, body = s.do(t, 2, http.MethodGet, path+"/collaborators", nil)
	if code != http.StatusOK || len(body["collaborators"].([]any)) != 1 {
		t.Fatalf("GET collaborators = %d %v", code, body)
	}

	// 写入内容后 GET 返回当前版本
	sess, err := s.coord.Connect(context.Background(), session.ConnectRequest{DocID: docID, UserID: 1})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := s.coord.Submit(context.Background(), sess, session.SubmitRequest{Delta: delta.Delta{delta.Insert("hello", nil)}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	code, body = s.do(t, 2, http.MethodGet, path, nil)
	if code != http.StatusOK || body["version"] != float64(1) || body["level"] != "read" {
		t.Fatalf("GET document = %d %v", code, body)
	}

	code, body = s.do(t, 2, http.MethodGet, "/v1/documents?role=collaborator", nil)
	if code != http.StatusOK || len(body["documents"].([]any)) != 1 {
		t.Fatalf("GET documents?role=collaborator = %d %v", code, body)
	}

	if code, _ := s.do(t, 1, http.MethodDelete, path+"/collaborators/2", nil); code != http.StatusNoContent {
		t.Fatalf("DELETE collaborator = %d, want 204", code)
	}
	if code, _ := s.do(t, 1, http.MethodDelete, path+"/collaborators/2", nil); code != http.StatusNotFound {
		t.Fatalf("DELETE again = %d, want 404", code)
	}
	if code, _ := s.do(t, 2, http.MethodGet, path, nil); code != http.StatusForbidden {
		t.Fatalf("GET after revoke = %d, want 403", code)
	}
}

func TestRouter_WebSocketRejectsBeforeUpgrade(t *testing.T) {
	s := newTestServer(t)
	if code, _ := s.do(t, 1, http.MethodGet, "/collab/ws", nil); code != http.StatusBadRequest {
		t.Fatalf("GET /collab/ws without docId = %d, want 400", code)
	}
	if code, _ := s.do(t, 1, http.MethodGet, "/collab/ws?docId=missing", nil); code != http.StatusNotFound {
		t.Fatalf("GET /collab/ws?docId=missing = %d, want 404", code)
	}
}
