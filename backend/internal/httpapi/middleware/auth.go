package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/auth"
)

const verifyTimeout = 1200 * time.Millisecond

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

type TokenParser interface {
	ParseAccessToken(token string) (*auth.Claims, error)
}

// LocalAuth 用本地密钥校验访问令牌
func LocalAuth(p TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}
		claims, err := p.ParseAccessToken(tokenString)
		if err != nil {
			unauthenticated(c, err.Error())
			return
		}
		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// RemoteAuth 调用外部认证服务的 /v1/auth/verify。
// authBaseURL 不要带路径，例如 http://localhost:3001。
func RemoteAuth(authBaseURL string) gin.HandlerFunc {
	client := &http.Client{}
	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "build verify request failed"})
			return
		}
		req.Header.Set("Authorization", "Bearer "+tokenString)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// 这里包含超时：context deadline exceeded
			upstreamError(c, "auth-service verify failed")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			var e verifyErrResp
			_ = json.NewDecoder(resp.Body).Decode(&e)
			msg := e.Error
			if msg == "" {
				msg = "invalid token"
			}
			unauthenticated(c, msg)
			return
		}
		if resp.StatusCode != http.StatusOK {
			upstreamError(c, "auth-service verify non-200")
			return
		}

		var claims VerifyClaims
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			upstreamError(c, "invalid verify response")
			return
		}
		if claims.Type != "" && claims.Type != auth.TypeAccess {
			unauthenticated(c, "access token required")
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// tokenFrom 先取 Authorization 头；浏览器 WebSocket 无法自定义 Header，允许 ?token=
func tokenFrom(c *gin.Context) string {
	if t := extractBearer(c.Request.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(c.Query("token"))
}

func unauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": msg})
}

func upstreamError(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": msg})
}

func extractBearer(header string) string {
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
