package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Session. APIURL and ProjectID are required;
// everything else has a default. A zero Logger discards all output so
// library consumers opt in to logging.
type Options struct {
	// APIURL is the base URL of the REST message store.
	APIURL string
	// WSURL is the base URL of the WebSocket endpoint. Empty disables the
	// push transport and the session runs on polling alone.
	WSURL string
	// ProjectID scopes the conversation.
	ProjectID string
	// Token authenticates every call. An empty token parks the session in
	// a terminal error: login is required, not retryable.
	Token string
	// UserID is the stable local user identity stamped on sent messages.
	UserID string

	// PollInterval is the polling transport's fetch cadence (default 4s).
	PollInterval time.Duration
	// SendRetries is the per-message retry budget after the first attempt
	// (default 2).
	SendRetries int
	// ReconnectInitial, ReconnectMax and MaxConnectRetries shape the
	// reconnect backoff (defaults 1s, 30s, 8).
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	MaxConnectRetries int

	// HTTPClient overrides the default 30s-timeout client.
	HTTPClient *http.Client
	Logger     zerolog.Logger

	// OnMessages receives a fresh ordered snapshot after every change.
	OnMessages func([]Message)
	// OnStatus receives every connection state transition. err is non-nil
	// only in the error state and matches the taxonomy with errors.Is.
	OnStatus func(status ConnectionStatus, err error)
}

// Session is the single object a chat UI binds to for one (project, token)
// pair. Creating a session subscribes: the connection machine starts
// immediately. Dispose releases every resource on all paths.
type Session struct {
	opts   Options
	store  *MessageStore
	conn   *connManager
	queue  *sendQueue
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewSession creates a session and starts connecting.
func NewSession(opts Options) (*Session, error) {
	if opts.APIURL == "" {
		return nil, fmt.Errorf("chatsync: APIURL is required")
	}
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("chatsync: ProjectID is required")
	}

	logger := opts.Logger.With().Str("project_id", opts.ProjectID).Logger()
	rest := newRESTClient(opts.APIURL, opts.Token, opts.HTTPClient)
	store := NewMessageStore(logger)
	if opts.OnMessages != nil {
		store.OnChange(opts.OnMessages)
	}

	conn := newConnManager(connConfig{
		wsURL:            opts.WSURL,
		projectID:        opts.ProjectID,
		token:            opts.Token,
		pollInterval:     opts.PollInterval,
		reconnectInitial: opts.ReconnectInitial,
		reconnectMax:     opts.ReconnectMax,
		maxRetries:       opts.MaxConnectRetries,
	}, rest, store, opts.OnStatus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	queue := newSendQueue(ctx, store, conn.ActiveTransport,
		opts.ProjectID, opts.UserID, opts.SendRetries, logger)

	s := &Session{
		opts:   opts,
		store:  store,
		conn:   conn,
		queue:  queue,
		cancel: cancel,
	}

	conn.Connect()
	return s, nil
}

// Status returns the connection state and, in the error state, the typed
// cause.
func (s *Session) Status() (ConnectionStatus, error) {
	return s.conn.Status()
}

// Snapshot returns the current ordered message list.
func (s *Session) Snapshot() []Message {
	return s.store.Snapshot()
}

// Send validates and optimistically sends content. The returned message is
// already visible as pending in the snapshot; it transitions to confirmed
// (under its server id) or failed without ever being duplicated or
// silently dropped.
func (s *Session) Send(content string) (Message, error) {
	if s.closed.Load() {
		return Message{}, syncErr(ErrSendFailed, fmt.Errorf("session disposed"))
	}
	return s.queue.Send(content)
}

// Resend re-arms a message that previously failed.
func (s *Session) Resend(messageID string) error {
	if s.closed.Load() {
		return syncErr(ErrSendFailed, fmt.Errorf("session disposed"))
	}
	return s.queue.Resend(messageID)
}

// Retry restarts the connection machine after a surfaced error.
func (s *Session) Retry() {
	if s.closed.Load() {
		return
	}
	s.conn.Retry()
}

// Dispose tears the session down synchronously: the socket closes, all
// timers stop, and in-flight fetch results are discarded. The session
// cannot be reused afterwards.
func (s *Session) Dispose() {
	if s.closed.Swap(true) {
		return
	}
	s.queue.Close()
	s.conn.Close()
	s.cancel()
}
