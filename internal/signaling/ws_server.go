package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/securevox/call-server/internal/auth"
	"github.com/securevox/call-server/internal/config"
	"github.com/securevox/call-server/internal/ratelimit"
)

const (
	wsWriteWait    = 1 * time.Second
	sendQueueDepth = 64
)

// WebSocketServer is the /ws endpoint: it authenticates the upgrade,
// registers the connection with the hub, and pumps envelopes between the
// socket and the router.
//
// Connections are hardened the same way on every path: pre-upgrade
// authentication, per-user connection caps, bounded message size, a
// per-connection message rate limit, and an idle timeout enforced through
// ping/pong.
type WebSocketServer struct {
	cfg           config.Config
	authenticator *auth.Authenticator
	hub           *Hub
	router        *Router
	logger        *slog.Logger
	upgrader      websocket.Upgrader
}

func NewWebSocketServer(cfg config.Config, authenticator *auth.Authenticator, hub *Hub, router *Router, checkOrigin func(*http.Request) bool, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		cfg:           cfg,
		authenticator: authenticator,
		hub:           hub,
		router:        router,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticator.Authenticate(r.Context(), auth.TokenFromRequest(r), remoteIP(r))
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, auth.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, auth.ErrUpstreamUnavailable):
			status = http.StatusServiceUnavailable
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	deviceID := identity.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		conn:   conn,
		sendCh: make(chan Envelope, sendQueueDepth),
		done:   make(chan struct{}),
	}

	replaced, err := s.hub.Register(identity.UserID, deviceID, c)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "connection limit reached")
		conn.Close()
		return
	}
	if replaced != nil {
		if old, ok := replaced.(*wsConn); ok {
			old.close()
		}
	}

	s.logger.Info("signaling connected",
		"user_id", identity.UserID, "device_id", deviceID, "degraded", identity.Degraded)

	go s.writePump(c)

	c.enqueue(mustEnvelope(TypeConnected, ConnectedData{
		UserID:   identity.UserID,
		Degraded: identity.Degraded,
	}))

	s.readLoop(r.Context(), identity, deviceID, c)

	s.hub.Unregister(identity.UserID, deviceID, c)
	c.close()

	// Tear down the user's calls only when their last connection is gone;
	// another device may still be on the call.
	if s.hub.ConnectionCount(identity.UserID) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.UpstreamTimeout)
		defer cancel()
		for _, ob := range s.router.HandleDisconnect(ctx, identity.UserID) {
			s.hub.Send(ob.UserID, ob.Env)
		}
	}
	s.logger.Info("signaling disconnected", "user_id", identity.UserID, "device_id", deviceID)
}

func (s *WebSocketServer) readLoop(ctx context.Context, identity auth.Identity, deviceID string, c *wsConn) {
	conn := c.conn
	if s.cfg.MaxSignalingMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	}
	idle := s.cfg.SignalingWSIdleTimeout
	resetDeadline := func() {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	limiter := ratelimit.NewTokenBucket(nil,
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		resetDeadline()

		if s.cfg.MaxSignalingMessagesPerSecond > 0 && !limiter.Allow() {
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Type == "" {
			c.enqueue(mustEnvelope(TypeError, ErrorData{
				Code:    CodeValidation,
				Message: "malformed envelope",
			}))
			continue
		}

		for _, ob := range s.router.Dispatch(ctx, identity, env) {
			if ob.UserID == identity.UserID {
				c.enqueue(ob.Env)
				continue
			}
			s.hub.Send(ob.UserID, ob.Env)
		}
	}
}

func (s *WebSocketServer) writePump(c *wsConn) {
	interval := s.cfg.SignalingWSPingInterval
	if interval <= 0 {
		interval = config.DefaultSignalingWSPingInterval
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// wsConn is one live socket with a bounded outbound queue. A slow consumer
// loses events rather than stalling the hub.
type wsConn struct {
	conn      *websocket.Conn
	sendCh    chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// Send implements Sender.
func (c *wsConn) Send(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- env:
		return true
	default:
		return false
	}
}

// enqueue is Send for the connection's own read loop; drops are already
// counted by the hub for relayed traffic.
func (c *wsConn) enqueue(env Envelope) {
	_ = c.Send(env)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.conn.Close()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// remoteIP extracts the client address for rate-limit keying, preferring
// X-Forwarded-For when a proxy sits in front.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
