package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startPollTransport(t *testing.T, apiURL string, interval time.Duration) (*pollTransport, chan []Message, chan error) {
	t.Helper()
	msgCh := make(chan []Message, 16)
	lostCh := make(chan error, 1)
	tr := newPollTransport(newRESTClient(apiURL, "tok", nil), "p1", interval, transportCallbacks{
		onMessages: func(msgs []Message) { msgCh <- msgs },
		onLost:     func(err error) { lostCh <- err },
	}, zerolog.Nop())
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Close)
	return tr, msgCh, lostCh
}

func TestPollDeliversOnInterval(t *testing.T) {
	b := newBackend(t)
	b.add("p1", "u2", "hello")

	_, msgCh, _ := startPollTransport(t, b.url(), 20*time.Millisecond)

	select {
	case msgs := <-msgCh:
		if len(msgs) != 1 || msgs[0].Content != "hello" {
			t.Fatalf("unexpected poll delivery: %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("poll never delivered")
	}
}

func TestPollSendKicksImmediatePoll(t *testing.T) {
	b := newBackend(t)

	// Interval far beyond the test horizon: only the send kick can poll.
	tr, msgCh, _ := startPollTransport(t, b.url(), time.Hour)

	msg := Message{ProjectID: "p1", SenderID: "u1", Content: "hi", ClientKey: "ck-1"}
	confirmed, synchronous, err := tr.Send(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if !synchronous {
		t.Fatal("polling sends confirm synchronously")
	}
	if confirmed.ID == "" || confirmed.Content != "hi" || confirmed.ClientKey != "ck-1" {
		t.Fatalf("unexpected confirmation: %+v", confirmed)
	}

	select {
	case msgs := <-msgCh:
		if len(msgs) != 1 || msgs[0].ID != confirmed.ID {
			t.Fatalf("out-of-cycle poll returned %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not trigger an out-of-cycle poll")
	}
}

func TestPollTerminalFailureReportedImmediately(t *testing.T) {
	srv := notFoundServer(t)
	_, _, lostCh := startPollTransport(t, srv.URL, 10*time.Millisecond)

	select {
	case err := <-lostCh:
		if !errors.Is(err, ErrNotProvisioned) {
			t.Fatalf("expected ErrNotProvisioned, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("terminal failure never reported")
	}
}

func TestPollTransientFailuresNeedThreshold(t *testing.T) {
	b := newBackend(t)
	b.mu.Lock()
	b.getFails = 100
	b.mu.Unlock()

	_, _, lostCh := startPollTransport(t, b.url(), 10*time.Millisecond)

	select {
	case err := <-lostCh:
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("repeated transient failures never reported")
	}

	if got := b.gets(); got < pollFailureThreshold {
		t.Fatalf("lost before the failure threshold: %d polls", got)
	}
}

func TestPollSendFailureIsTyped(t *testing.T) {
	srv := notFoundServer(t)
	tr, _, _ := startPollTransport(t, srv.URL, time.Hour)

	_, _, err := tr.Send(context.Background(), Message{ProjectID: "p1", Content: "hi"})
	if !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected typed failure, got %v", err)
	}
}
