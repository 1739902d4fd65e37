// SSE handlers modified from https://github.com/gin-gonic/examples/blob/master/server-sent-event/main.go
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"echobridge/adapters/transport"
	"echobridge/echo"
)

// Gateway 把核心的事件流重新發布為 HTTP/SSE 端點，
// 每個 SSE 連線對應一個訂閱者，用戶端斷線時退訂。
type Gateway struct {
	core   *echo.Echo
	logger *slog.Logger
}

func NewGateway(core *echo.Echo, logger *slog.Logger) *Gateway {
	return &Gateway{
		core:   core,
		logger: logger.With(slog.String("caller", "Gateway")),
	}
}

func RegisterRoutes(router *gin.Engine, gw *Gateway) {
	router.GET("/channels/:name/events/:event", HeadersMiddleware(), gw.ChannelEvents)
	router.GET("/channels/:name/users", gw.ChannelUsers)
	router.POST("/channels/:name/whisper/:event", gw.SendWhisper)
	router.GET("/connection", gw.ConnectionInfo)
	router.GET("/connection/events", HeadersMiddleware(), gw.ConnectionEvents)
	router.POST("/login", gw.Login)
	router.POST("/logout", gw.Logout)
}

func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("Transfer-Encoding", "chunked")
		c.Next()
	}
}

// ChannelEvents 訂閱頻道上單一事件的流並以 SSE 轉送。
// 頻道還沒加入時以 kind 查詢參數指定的類型加入（預設 public）。
func (gw *Gateway) ChannelEvents(c *gin.Context) {
	name, event := c.Param("name"), c.Param("event")
	kind, ok := parseKind(c.DefaultQuery("kind", "public"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel kind"})
		return
	}

	if err := gw.core.Join(name, kind); err != nil {
		abortWith(c, err)
		return
	}
	var (
		events <-chan echo.Event
		err    error
	)
	if whisper := c.Query("whisper") == "true"; whisper {
		events, err = gw.core.ListenForWhisper(name, event)
		defer func() {
			if events != nil {
				gw.core.StopListeningForWhisper(name, event, events)
			}
		}()
	} else {
		events, err = gw.core.Listen(name, event)
		defer func() {
			if events != nil {
				gw.core.StopListening(name, event, events)
			}
		}()
	}
	if err != nil {
		abortWith(c, err)
		return
	}

	gw.logger.Debug("sse client attached", slog.String("channel", name), slog.String("event", event))
	defer gw.logger.Debug("sse client detached", slog.String("channel", name), slog.String("event", event))

	w := c.Writer
	clientGone := w.CloseNotify()
	for {
		select {
		case <-clientGone:
			return
		case msg, open := <-events:
			if !open {
				return
			}
			c.SSEvent("message", msg)
			w.Flush()
		}
	}
}

// ChannelUsers 回傳 Presence 頻道目前名單的快照。
func (gw *Gateway) ChannelUsers(c *gin.Context) {
	members, err := gw.core.Roster(c.Param("name"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": members})
}

// SendWhisper 向頻道上的其他用戶端送出 whisper 事件，請求內容原樣作為事件內容。
func (gw *Gateway) SendWhisper(c *gin.Context) {
	var payload any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := gw.core.Whisper(c.Param("name"), c.Param("event"), payload); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// ConnectionInfo 回報目前的連線狀態與連線識別字串。
func (gw *Gateway) ConnectionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected":     gw.core.Connected(),
		"connection_id": gw.core.ConnectionID(),
	})
}

// ConnectionEvents 以 SSE 轉送原始的連線生命週期事件。
func (gw *Gateway) ConnectionEvents(c *gin.Context) {
	events := gw.core.RawConnectionState()
	defer gw.core.StopRawConnectionState(events)

	w := c.Writer
	clientGone := w.CloseNotify()
	for {
		select {
		case <-clientGone:
			return
		case event, open := <-events:
			if !open {
				return
			}
			c.SSEvent("message", gin.H{
				"family": event.Family(),
				"event":  fmt.Sprintf("%T", event),
				"detail": event,
			})
			w.Flush()
		}
	}
}

type loginRequest struct {
	UserID  string      `json:"user_id" binding:"required"`
	Headers http.Header `json:"headers"`
}

// Login 登入使用者：推送認證標頭並訂閱使用者的私有頻道。
func (gw *Gateway) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	if err := gw.core.Login(req.Headers, req.UserID); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Logout 登出目前的使用者。
func (gw *Gateway) Logout(c *gin.Context) {
	if err := gw.core.Logout(); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseKind(raw string) (transport.ChannelKind, bool) {
	switch raw {
	case "public":
		return transport.Public, true
	case "private":
		return transport.Private, true
	case "presence":
		return transport.Presence, true
	default:
		return transport.Public, false
	}
}

func abortWith(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, echo.ErrChannelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, echo.ErrKindMismatch):
		status = http.StatusConflict
	case errors.Is(err, echo.ErrUnsupportedOperation):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
