package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatsync/internal/metrics"
)

const (
	// maxContentLength bounds message bodies, enforced before any
	// network call.
	maxContentLength = 1000

	defaultSendRetries = 2
	defaultConfirmWait = 10 * time.Second
	sendRetryDelay     = time.Second
)

// pendingSend tracks a locally-originated message between Send and its
// confirmation or user-visible failure.
type pendingSend struct {
	msg           Message
	attempts      int
	lastAttemptAt time.Time
}

// sendQueue manages optimistic sends: the message appears in the store as
// pending immediately, the transport send runs in the background, and the
// queue reconciles the result. A message that exhausts its retry budget is
// marked failed but never removed; user-authored content stays visible.
type sendQueue struct {
	ctx         context.Context
	store       *MessageStore
	transportFn func() Transport
	projectID   string
	userID      string
	retries     int
	retryDelay  time.Duration
	confirmWait time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSend
	timers  map[string]*time.Timer
	closed  bool
}

func newSendQueue(ctx context.Context, store *MessageStore, transportFn func() Transport, projectID, userID string, retries int, logger zerolog.Logger) *sendQueue {
	if retries <= 0 {
		retries = defaultSendRetries
	}
	return &sendQueue{
		ctx:         ctx,
		store:       store,
		transportFn: transportFn,
		projectID:   projectID,
		userID:      userID,
		retries:     retries,
		retryDelay:  sendRetryDelay,
		confirmWait: defaultConfirmWait,
		logger:      logger.With().Str("component", "sendqueue").Logger(),
		pending:     make(map[string]*pendingSend),
		timers:      make(map[string]*time.Timer),
	}
}

// Send validates content, inserts a pending echo into the store, and
// starts the background send. The returned message carries the temporary
// id under which the echo is visible.
func (q *sendQueue) Send(content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, syncErr(ErrValidation, fmt.Errorf("empty content"))
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return Message{}, syncErr(ErrValidation,
			fmt.Errorf("content exceeds %d characters", maxContentLength))
	}

	// ULIDs are time-ordered, so pending echoes keep their relative send
	// order under the (createdAt, id) sort.
	msg := Message{
		ID:        ulid.Make().String(),
		ProjectID: q.projectID,
		SenderID:  q.userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		State:     StatePending,
		ClientKey: uuid.NewString(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Message{}, syncErr(ErrSendFailed, fmt.Errorf("session disposed"))
	}
	q.pending[msg.ID] = &pendingSend{msg: msg}
	q.mu.Unlock()

	q.store.AppendLocal(msg)
	go q.attempt(msg.ID)
	return msg, nil
}

// Resend re-arms a failed message without re-entering its content.
func (q *sendQueue) Resend(id string) error {
	msg, ok := q.store.Get(id)
	if !ok {
		return syncErr(ErrValidation, fmt.Errorf("unknown message %s", id))
	}
	if msg.State != StateFailed {
		return syncErr(ErrValidation, fmt.Errorf("message %s is %s, not failed", id, msg.State))
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return syncErr(ErrSendFailed, fmt.Errorf("session disposed"))
	}
	msg.State = StatePending
	q.pending[id] = &pendingSend{msg: msg}
	q.mu.Unlock()

	q.store.SetState(id, StatePending)
	go q.attempt(id)
	return nil
}

// Close stops all retry and confirmation timers. In-flight sends resolve
// against a closed queue and are dropped.
func (q *sendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

func (q *sendQueue) attempt(id string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	ps, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	ps.attempts++
	ps.lastAttemptAt = time.Now()
	msg := ps.msg
	q.mu.Unlock()

	transport := q.transportFn()
	if transport == nil {
		q.retryOrFail(id, syncErr(ErrTransport, fmt.Errorf("no active transport")))
		return
	}

	confirmed, synchronous, err := transport.Send(q.ctx, msg)
	if err != nil {
		q.retryOrFail(id, err)
		return
	}
	if synchronous {
		q.confirm(id, confirmed)
		return
	}

	// Asynchronous confirmation: the server echoes the message with its
	// assigned id and our client key, which retires the pending echo in
	// the store. If that never happens, treat it as a failed attempt.
	q.armTimer(id, q.confirmWait, func() {
		if state, ok := q.store.State(id); !ok || state != StatePending {
			q.finish(id, "confirmed")
			return
		}
		q.retryOrFail(id, syncErr(ErrTransport, fmt.Errorf("no confirmation within %s", q.confirmWait)))
	})
}

func (q *sendQueue) confirm(id string, confirmed Message) {
	q.store.Reconcile(id, &confirmed)
	q.finish(id, "confirmed")
}

func (q *sendQueue) retryOrFail(id string, cause error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	ps, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	budget := 1 + q.retries
	if ps.attempts >= budget {
		q.mu.Unlock()
		q.logger.Warn().Err(cause).Str("message_id", id).Msg("send failed, retries exhausted")
		q.store.Reconcile(id, nil)
		q.finish(id, "failed")
		return
	}
	attempts := ps.attempts
	q.mu.Unlock()

	metrics.SendsTotal.WithLabelValues("retried").Inc()
	q.logger.Debug().Err(cause).Str("message_id", id).Int("attempt", attempts).Msg("send retry")
	q.armTimer(id, q.retryDelay, func() { q.attempt(id) })
}

// finish drops the bookkeeping for a message that reached a final state.
func (q *sendQueue) finish(id, outcome string) {
	q.mu.Lock()
	delete(q.pending, id)
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
	metrics.SendsTotal.WithLabelValues(outcome).Inc()
}

func (q *sendQueue) armTimer(id string, delay time.Duration, fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if old, ok := q.timers[id]; ok {
		old.Stop()
	}
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		closed := q.closed
		delete(q.timers, id)
		q.mu.Unlock()
		if closed {
			return
		}
		fn()
	})
	q.mu.Unlock()
}
