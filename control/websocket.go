package control

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const WS_WRITE_TIMEOUT = 1 * time.Second

// TokenVerifier checks the bearer token a client presents before its
// session starts. *auth.Verifier satisfies it.
type TokenVerifier interface {
	Verify(token string) error
}

type WebSocketOptions struct {
	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string
	Verifier       TokenVerifier
	WriteTimeout   time.Duration
}

// WebSocketHandler upgrades /ws requests into control sessions. Every text
// or binary frame is one message.
func WebSocketHandler(l *Listener, opts WebSocketOptions) http.Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = WS_WRITE_TIMEOUT
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.Verifier != nil {
			if err := opts.Verifier.Verify(BearerToken(r)); err != nil {
				l.logger.Warn("Websocket authentication failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("Websocket upgrade error", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		conn := &wsConn{ws: ws, remote: r.RemoteAddr, writeTimeout: opts.WriteTimeout}
		l.Serve(r.Context(), conn, "websocket")
	})
}

// BearerToken takes the token from the Authorization header or, for
// browsers that cannot set headers on a websocket, the token query
// parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

type wsConn struct {
	ws           *websocket.Conn
	remote       string
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) Receive(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return "", io.EOF
			}
			return "", err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *wsConn) Send(ctx context.Context, ack Ack) error {
	data, err := EncodeAck(ack)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}
