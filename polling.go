package chatsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatsync/internal/metrics"
)

const (
	defaultPollInterval  = 4 * time.Second
	pollFailureThreshold = 3
)

// pollTransport fetches the full conversation on a fixed interval and
// delegates diffing to the store's merge. A successful send triggers an
// out-of-cycle poll so the sender sees their own message without waiting
// for the next tick.
type pollTransport struct {
	rest      *restClient
	projectID string
	interval  time.Duration
	cb        transportCallbacks
	logger    zerolog.Logger

	kick     chan struct{}
	closed   atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newPollTransport(rest *restClient, projectID string, interval time.Duration, cb transportCallbacks, logger zerolog.Logger) *pollTransport {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &pollTransport{
		rest:      rest,
		projectID: projectID,
		interval:  interval,
		cb:        cb,
		logger:    logger.With().Str("component", "poll-transport").Logger(),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (t *pollTransport) Name() string { return "polling" }

// Start launches the poll loop. The connection manager has already proven
// contact with a seed fetch, so there is nothing to hand-shake here.
func (t *pollTransport) Start(ctx context.Context) error {
	go t.loop(ctx)
	return nil
}

// Send posts the message and, on success, kicks an immediate poll.
func (t *pollTransport) Send(ctx context.Context, msg Message) (Message, bool, error) {
	confirmed, err := t.rest.postMessage(ctx, msg)
	if err != nil {
		return Message{}, false, classify(err)
	}

	select {
	case t.kick <- struct{}{}:
	default:
	}
	return confirmed, true, nil
}

// Close stops the poll loop synchronously; an in-flight fetch result is
// discarded via the closed flag.
func (t *pollTransport) Close() {
	t.closed.Store(true)
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *pollTransport) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.kick:
		}

		start := time.Now()
		msgs, err := t.rest.listMessages(ctx, t.projectID)
		if t.closed.Load() {
			return
		}
		if err != nil {
			metrics.PollsTotal.WithLabelValues("error").Inc()
			failure := classify(err)
			if terminal(failure) {
				t.cb.onLost(failure)
				return
			}
			failures++
			t.logger.Debug().Err(err).Int("consecutive", failures).Msg("poll failed")
			if failures >= pollFailureThreshold {
				t.cb.onLost(failure)
				return
			}
			continue
		}

		failures = 0
		metrics.PollsTotal.WithLabelValues("ok").Inc()
		metrics.PollDuration.Observe(time.Since(start).Seconds())
		t.cb.onMessages(msgs)
	}
}
