package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
)

var ErrNoChannel = errors.New("no transport channel for session")

const (
	defaultTokenChunk   = 6 // words per streamed frame
	defaultWriteTimeout = 5 * time.Second
	defaultSendQueue    = 64
	defaultReadLimit    = 1 << 16
)

// Handler is the core's side of the transport boundary, implemented by
// the orchestrator service.
type Handler interface {
	OnCallConnected(ctx context.Context, sessionID, phoneNumber string) error
	OnCallEnded(sessionID string)
	HandleEvent(ev contractx.InboundEvent) error
}

type Config struct {
	// TokenChunk is how many words go into each streamed text frame.
	TokenChunk int
	// WriteTimeout bounds a single frame write before the connection is
	// considered wedged.
	WriteTimeout time.Duration
	// SendQueue caps buffered outbound frames per connection.
	SendQueue int
}

func (c Config) withDefaults() Config {
	if c.TokenChunk <= 0 {
		c.TokenChunk = defaultTokenChunk
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	return c
}

// WSAdapter is the real-time message boundary: one websocket connection
// per call, transcript events in, reply-token frames out. All writes to
// a connection go through its writer goroutine, so frames for one
// session are strictly ordered.
type WSAdapter struct {
	upgrader websocket.Upgrader
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	handler Handler
	conns   map[string]*wsConn
}

type wsConn struct {
	sessionID string
	conn      *websocket.Conn
	out       chan contractx.OutboundFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSAdapter(cfg Config) *WSAdapter {
	return &WSAdapter{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The media gateway connects server-to-server.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cfg:    cfg.withDefaults(),
		logger: log.With().Str("component", "ws_transport").Logger(),
		conns:  make(map[string]*wsConn),
	}
}

// SetHandler attaches the dialogue core. Must be called before serving.
func (a *WSAdapter) SetHandler(h Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

var _ contractx.Transport = (*WSAdapter)(nil)

// ServeHTTP upgrades one call's media-gateway connection. The session id
// rides on the query string (the provider's call SID); a missing id gets
// a generated one so local tooling can dial in without a provider.
func (a *WSAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		http.Error(w, "transport not ready", http.StatusServiceUnavailable)
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	phoneNumber := strings.TrimSpace(r.URL.Query().Get("phone"))

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(defaultReadLimit)

	c := &wsConn{
		sessionID: sessionID,
		conn:      conn,
		out:       make(chan contractx.OutboundFrame, a.cfg.SendQueue),
		closed:    make(chan struct{}),
	}

	a.mu.Lock()
	if _, exists := a.conns[sessionID]; exists {
		a.mu.Unlock()
		a.logger.Warn().Str("session_id", sessionID).Msg("duplicate connection rejected")
		_ = conn.Close()
		return
	}
	a.conns[sessionID] = c
	a.mu.Unlock()

	if err := handler.OnCallConnected(r.Context(), sessionID, phoneNumber); err != nil {
		a.logger.Warn().Err(err).Str("session_id", sessionID).Msg("call setup rejected")
		a.drop(c)
		return
	}

	go a.writeLoop(c)
	a.readLoop(c, handler)
}

func (a *WSAdapter) readLoop(c *wsConn, handler Handler) {
	defer func() {
		a.drop(c)
		handler.OnCallEnded(c.sessionID)
	}()

	for {
		var ev contractx.InboundEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Debug().Err(err).Str("session_id", c.sessionID).Msg("read loop closed")
			}
			return
		}
		ev.SessionID = c.sessionID
		if err := handler.HandleEvent(ev); err != nil {
			a.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("event rejected")
		}
	}
}

func (a *WSAdapter) writeLoop(c *wsConn) {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				a.logger.Debug().Err(err).Str("session_id", c.sessionID).Msg("frame write failed")
				a.drop(c)
				return
			}
		}
	}
}

// SendReply streams one agent reply as ordered token frames, marking the
// final frame last=true so the gateway resumes listening.
func (a *WSAdapter) SendReply(ctx context.Context, sessionID string, text string) error {
	c, err := a.lookup(sessionID)
	if err != nil {
		return err
	}

	frames := chunkReply(text, a.cfg.TokenChunk)
	for _, frame := range frames {
		select {
		case c.out <- frame:
		case <-c.closed:
			return fmt.Errorf("%w: %s", ErrNoChannel, sessionID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Hangup closes the call's channel after the terminal reply.
func (a *WSAdapter) Hangup(sessionID string) error {
	c, err := a.lookup(sessionID)
	if err != nil {
		return err
	}
	// Give the writer a moment to flush queued frames.
	deadline := time.After(a.cfg.WriteTimeout)
	for len(c.out) > 0 {
		select {
		case <-deadline:
			a.drop(c)
			return nil
		case <-c.closed:
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	a.drop(c)
	return nil
}

func (a *WSAdapter) lookup(sessionID string) (*wsConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, sessionID)
	}
	return c, nil
}

func (a *WSAdapter) drop(c *wsConn) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	a.mu.Lock()
	if cur, ok := a.conns[c.sessionID]; ok && cur == c {
		delete(a.conns, c.sessionID)
	}
	a.mu.Unlock()
}

// chunkReply splits a reply into word groups; the last frame carries
// last=true even for an empty reply.
func chunkReply(text string, wordsPerFrame int) []contractx.OutboundFrame {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []contractx.OutboundFrame{{Type: contractx.FrameTypeText, Token: text, Last: true}}
	}

	var frames []contractx.OutboundFrame
	for i := 0; i < len(words); i += wordsPerFrame {
		end := i + wordsPerFrame
		if end > len(words) {
			end = len(words)
		}
		token := strings.Join(words[i:end], " ")
		if end < len(words) {
			token += " "
		}
		frames = append(frames, contractx.OutboundFrame{
			Type:  contractx.FrameTypeText,
			Token: token,
			Last:  end == len(words),
		})
	}
	return frames
}
