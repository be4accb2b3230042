// Package httpapi wires the REST endpoints and the websocket upgrade route.
package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/ws"
)

type RouterDeps struct {
	Auth         gin.HandlerFunc
	Documents    *handlers.Documents
	WS           *ws.Manager
	AllowOrigins []string
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	cc := cors.DefaultConfig()
	if len(d.AllowOrigins) > 0 {
		cc.AllowOrigins = d.AllowOrigins
	} else {
		cc.AllowAllOrigins = true
	}
	cc.AddAllowHeaders("Authorization")
	cc.MaxAge = 12 * time.Hour
	r.Use(cors.New(cc))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	v1 := r.Group("/v1", d.Auth)
	{
		docs := v1.Group("/documents")
		docs.POST("", d.Documents.Create)
		docs.GET("", d.Documents.List)
		docs.GET("/:docId", d.Documents.Get)
		docs.GET("/:docId/presence", d.Documents.Presence)
		docs.GET("/:docId/collaborators", d.Documents.Collaborators)
		docs.PUT("/:docId/collaborators/:userId", d.Documents.Grant)
		docs.DELETE("/:docId/collaborators/:userId", d.Documents.Revoke)
	}

	collab := r.Group("/collab", d.Auth)
	collab.GET("/ws", d.WS.WebSocketConnect)
	return r
}
