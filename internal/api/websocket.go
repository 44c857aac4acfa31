package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/reBalance888/tunearena/internal/broadcast"
	"github.com/reBalance888/tunearena/internal/observability"
)

const (
	// MaxWSConnectionsTotal is the default cap on observer connections
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP is the default cap per client IP
	MaxWSConnectionsPerIP = 10

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxInboundSize = 512
)

// Observers is the broadcast hub as seen by the observer endpoint.
type Observers interface {
	Subscribe(conn broadcast.Conn) (*broadcast.Subscriber, error)
	Unsubscribe(sub *broadcast.Subscriber)
}

// wsConn adapts a gorilla connection to broadcast.Conn and broadcast.Pinger.
// The hub calls every method from the subscriber's single writer goroutine.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}

// ObserverHandler upgrades observers onto the event stream with DoS
// protection.
type ObserverHandler struct {
	hub      Observers
	limiter  *ConnectionLimiter
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewObserverHandler creates the /ws handler. Origins use the CORS pattern
// syntax; nil allows DefaultCORSOrigins.
func NewObserverHandler(hub Observers, limiter *ConnectionLimiter, origins []string, log zerolog.Logger) *ObserverHandler {
	if limiter == nil {
		limiter = NewConnectionLimiter(MaxWSConnectionsPerIP, MaxWSConnectionsTotal)
	}
	if origins == nil {
		origins = DefaultCORSOrigins
	}
	allowed := OriginMatcher(origins)

	h := &ObserverHandler{hub: hub, limiter: limiter, log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin
			if origin == "" || allowed(origin) {
				return true
			}
			h.log.Warn().Str("origin", origin).Msg("observer rejected: origin")
			observability.RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

func (h *ObserverHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if ok, reason := h.limiter.Acquire(ip); !ok {
		h.log.Warn().Str("ip", ip).Str("reason", reason).Msg("observer rejected: limit")
		observability.RecordConnectionRejected(reason)
		code := http.StatusTooManyRequests
		if reason == "ws_total_limit" {
			code = http.StatusServiceUnavailable
		}
		writeError(w, "too many connections", code)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.limiter.Release(ip)
		h.log.Debug().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		return
	}

	sub, err := h.hub.Subscribe(&wsConn{conn: conn})
	if err != nil {
		h.limiter.Release(ip)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.readLoop(conn, sub, ip)
}

// readLoop discards inbound messages and keeps the read deadline fresh
// from pongs. It ends when the peer goes away or the hub closes the
// connection.
func (h *ObserverHandler) readLoop(conn *websocket.Conn, sub *broadcast.Subscriber, ip string) {
	defer func() {
		h.hub.Unsubscribe(sub)
		h.limiter.Release(ip)
	}()

	conn.SetReadLimit(maxInboundSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("ip", ip).Msg("observer read failed")
			}
			return
		}
	}
}
