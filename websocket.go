package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsPongWait         = 60 * time.Second
	wsPingInterval     = 25 * time.Second
)

// wsTransport delivers messages over a per-project WebSocket. The server
// pushes JSON-encoded message frames; sends are written as frames and
// confirmed asynchronously by the server echoing the message back with its
// assigned id and the client correlation key.
type wsTransport struct {
	endpoint  string
	projectID string
	cb        transportCallbacks
	logger    zerolog.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer
	conn    *websocket.Conn
	closed  atomic.Bool
	done    chan struct{}
}

// wsEndpoint builds the per-project socket URL. The legacy endpoint took
// no credentials at all; this client carries the bearer token as a query
// parameter so the upgrade request can be authenticated.
func wsEndpoint(baseURL, projectID, token string) string {
	endpoint := strings.TrimRight(baseURL, "/") + "/ws/" + url.PathEscape(projectID)
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}
	return endpoint
}

func newWSTransport(endpoint, projectID string, cb transportCallbacks, logger zerolog.Logger) *wsTransport {
	return &wsTransport{
		endpoint:  endpoint,
		projectID: projectID,
		cb:        cb,
		logger:    logger.With().Str("component", "ws-transport").Logger(),
		done:      make(chan struct{}),
	}
}

func (t *wsTransport) Name() string { return "websocket" }

// Start dials the socket and begins the read and keepalive loops.
func (t *wsTransport) Start(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return syncErr(ErrTransport, fmt.Errorf("ws dial: %w", err))
	}
	t.conn = conn

	t.logger.Debug().Str("url", t.endpoint).Msg("socket open")

	go t.readLoop()
	go t.pingLoop()
	return nil
}

// Send writes one message frame. Confirmation arrives through the read
// loop when the server echoes the stored message.
func (t *wsTransport) Send(ctx context.Context, msg Message) (Message, bool, error) {
	frame, err := json.Marshal(postMessageRequest{
		SenderID:  msg.SenderID,
		ProjectID: msg.ProjectID,
		Content:   msg.Content,
		ClientKey: msg.ClientKey,
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("encoding frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed.Load() {
		return Message{}, false, syncErr(ErrTransport, fmt.Errorf("socket closed"))
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return Message{}, false, syncErr(ErrTransport, fmt.Errorf("ws write: %w", err))
	}
	return Message{}, false, nil
}

// Close tears the socket down. The closed flag makes the read loop exit
// silently instead of reporting a loss.
func (t *wsTransport) Close() {
	if t.closed.Swap(true) || t.conn == nil {
		return
	}
	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	t.conn.Close()
}

// readLoop reads frames until the socket dies or Close is called. An
// unexpected close is reported once through onLost.
func (t *wsTransport) readLoop() {
	defer close(t.done)

	t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.closed.Store(true)
			t.conn.Close()
			t.logger.Warn().Err(err).Msg("socket lost")
			t.cb.onLost(syncErr(ErrTransport, fmt.Errorf("ws read: %w", err)))
			return
		}

		var wire wireMessage
		if err := json.Unmarshal(frame, &wire); err != nil {
			t.logger.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		if wire.ID == "" {
			continue
		}
		t.cb.onMessages([]Message{wire.message(t.projectID)})
	}
}

// pingLoop keeps the connection alive; a missed pong trips the read
// deadline and surfaces as a loss in the read loop.
func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			if t.closed.Load() {
				t.writeMu.Unlock()
				return
			}
			err := t.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(wsWriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
