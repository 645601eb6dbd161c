// Package handlers – websocket chat entrypoint.
//
// This file upgrades GET /ws/:tenant to a websocket connection and hands it
// to a gateway.Session, which owns the connection for its whole life. The
// thin wsConn adapter maps the session's transport contract onto a gorilla
// connection, serializing writes (gorilla allows one concurrent writer).
package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/gateway"
	"github.com/gptbase/chat-backend/internal/http/middleware"
)

// Handler bundles the dependencies of the HTTP surface: the session
// collaborators for the websocket endpoint, the history reader for the REST
// endpoint, and the billing bits for the webhook.
type Handler struct {
	BearerToken string
	TurnTimeout time.Duration

	Tenants  gateway.TenantResolver
	Verify   gateway.Verifier
	Quota    gateway.Quota
	History  gateway.History
	Keywords gateway.AskedRecorder
	FAQ      gateway.FAQReader
	Answers  gateway.Answerer
	Locales  gateway.Localizer

	HistoryR HistoryReader

	DB            *gorm.DB
	Billing       BillingEvents
	WebhookSecret string
	EventTTL      time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from tenant sites; origin allow-listing is a
	// per-tenant concern handled upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ChatSocket upgrades the request and runs the session protocol until the
// client disconnects or a protocol violation closes the connection.
func (h *Handler) ChatSocket(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		lg.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &wsConn{ws: ws}
	defer conn.shutdown()

	sess := &gateway.Session{
		Conn:        conn,
		TenantID:    c.Param("tenant"),
		BearerToken: h.BearerToken,
		Tenants:     h.Tenants,
		Verify:      h.Verify,
		Quota:       h.Quota,
		History:     h.History,
		Keywords:    h.Keywords,
		FAQ:         h.FAQ,
		Answers:     h.Answers,
		Locales:     h.Locales,
		TurnTimeout: h.TurnTimeout,
	}
	sess.Run(c.Request.Context())
}

// wsConn adapts a gorilla connection to gateway.Conn.
type wsConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close sends the close frame with the protocol close code and reason, then
// tears down the transport.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return c.ws.Close()
}

// shutdown closes the transport without a close frame; a no-op when Close
// already ran.
func (c *wsConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}
