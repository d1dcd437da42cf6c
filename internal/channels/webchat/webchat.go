// Package webchat serves the browser chat channel over WebSocket.
// Clients authenticate with a bearer token checked against a bcrypt
// hash; inbound frames become envelopes, outbound targets fan out to
// every connected client on the matching thread.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/cortexhub/cortex/internal/adapter"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/output"
)

// ChannelID is the stable channel identifier.
const ChannelID = "webchat"

const writeTimeout = 10 * time.Second

// Frame is the wire format both directions.
type Frame struct {
	Type      string `json:"type"` // "message"
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content"`
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"ts,omitempty"`
}

// EnqueueFunc hands an inbound envelope to the bus.
type EnqueueFunc func(*envelope.Envelope) error

// Adapter is the webchat channel server.
type Adapter struct {
	addr      string
	tokenHash string
	resolver  adapter.Resolver
	enqueue   EnqueueFunc
	logger    *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	conns map[*websocket.Conn]bool
}

// New creates the webchat adapter. tokenHash is a bcrypt hash of the
// shared access token; empty disables authentication (local dev).
func New(addr string, port int, tokenHash string, resolver adapter.Resolver, enqueue EnqueueFunc, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		addr:      net.JoinHostPort(addr, fmt.Sprintf("%d", port)),
		tokenHash: tokenHash,
		resolver:  resolver,
		enqueue:   enqueue,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local single-user deployment; the token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}
}

// ChannelID implements adapter.Adapter.
func (a *Adapter) ChannelID() string { return ChannelID }

// IsAvailable reports whether any client is connected.
func (a *Adapter) IsAvailable() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.conns) > 0
}

// ToEnvelope implements adapter.Adapter.
func (a *Adapter) ToEnvelope(raw adapter.RawMessage, resolver adapter.Resolver) (*envelope.Envelope, error) {
	sender := resolver.Resolve(ChannelID, raw.SenderID, raw.DisplayName)
	e := envelope.New(ChannelID, sender, raw.Content, adapter.PriorityFor(sender))
	e.Reply.ThreadID = raw.ThreadID
	e.Reply.MessageID = raw.MessageID
	return e, nil
}

// Send implements adapter.Adapter: broadcast the target to every
// connected client.
func (a *Adapter) Send(_ context.Context, t output.Target) error {
	frame := Frame{
		Type:      "message",
		Sender:    "cortex",
		Content:   t.Content,
		ThreadID:  t.ThreadID,
		MessageID: t.MessageID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	a.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("no webchat clients connected")
	}

	var lastErr error
	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			lastErr = err
			a.drop(c)
		}
	}
	return lastErr
}

// Run serves the WebSocket endpoint until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWS)

	a.server = &http.Server{Addr: a.addr, Handler: mux}
	a.logger.Info("webchat listening", "addr", a.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	}
}

func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	a.mu.Lock()
	a.conns[conn] = true
	a.mu.Unlock()
	a.logger.Info("webchat client connected", "remote", r.RemoteAddr)

	go a.readLoop(conn)
}

// authorized checks the token query parameter (or bearer header)
// against the configured bcrypt hash.
func (a *Adapter) authorized(r *http.Request) bool {
	if a.tokenHash == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.tokenHash), []byte(token)) == nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.drop(conn)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Debug("webchat read ended", "error", err)
			}
			return
		}
		if frame.Content == "" {
			continue
		}

		senderID := frame.Sender
		if senderID == "" {
			senderID = "webchat-user"
		}
		env, err := a.ToEnvelope(adapter.RawMessage{
			SenderID:  senderID,
			Content:   frame.Content,
			ThreadID:  frame.ThreadID,
			MessageID: frame.MessageID,
		}, a.resolver)
		if err != nil {
			a.logger.Warn("webchat envelope failed", "error", err)
			continue
		}
		if err := a.enqueue(env); err != nil {
			a.logger.Warn("webchat enqueue failed", "error", err)
		}
	}
}

func (a *Adapter) drop(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conns[conn] {
		delete(a.conns, conn)
		_ = conn.Close()
	}
	a.mu.Unlock()
}
