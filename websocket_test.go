package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// newWSServer upgrades every request and hands the connection to handler.
func newWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startWSTransport(t *testing.T, endpoint string) (*wsTransport, chan []Message, chan error) {
	t.Helper()
	msgCh := make(chan []Message, 16)
	lostCh := make(chan error, 1)
	tr := newWSTransport(endpoint, "p1", transportCallbacks{
		onMessages: func(msgs []Message) { msgCh <- msgs },
		onLost:     func(err error) { lostCh <- err },
	}, zerolog.Nop())
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Close)
	return tr, msgCh, lostCh
}

func TestWSEndpointCarriesToken(t *testing.T) {
	got := wsEndpoint("ws://example.com/", "p 1", "se cret")
	want := "ws://example.com/ws/p%201?token=se+cret"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	if got := wsEndpoint("ws://example.com", "p1", ""); got != "ws://example.com/ws/p1" {
		t.Fatalf("tokenless endpoint mangled: %q", got)
	}
}

func TestWSDeliversFrames(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		frame, _ := json.Marshal(confirmedMsg("m1", "hello", t0))
		conn.WriteMessage(websocket.TextMessage, frame)
		// Hold the socket open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	_, msgCh, _ := startWSTransport(t, wsURL(srv))

	select {
	case msgs := <-msgCh:
		if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].State != StateConfirmed {
			t.Fatalf("unexpected delivery: %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestWSMalformedFrameSkipped(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		frame, _ := json.Marshal(confirmedMsg("m1", "after garbage", t0))
		conn.WriteMessage(websocket.TextMessage, frame)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	_, msgCh, _ := startWSTransport(t, wsURL(srv))

	select {
	case msgs := <-msgCh:
		if msgs[0].ID != "m1" {
			t.Fatalf("expected the valid frame, got %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("valid frame after garbage never delivered")
	}
}

func TestWSReportsLossOnce(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.Close() // drop the client immediately
	})

	_, _, lostCh := startWSTransport(t, wsURL(srv))

	select {
	case err := <-lostCh:
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loss never reported")
	}
}

func TestWSCloseSuppressesLossReport(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr, _, lostCh := startWSTransport(t, wsURL(srv))
	tr.Close()

	select {
	case err := <-lostCh:
		t.Fatalf("deliberate close must not report loss, got %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWSSendWritesFrame(t *testing.T) {
	frames := make(chan postMessageRequest, 1)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req postMessageRequest
			if json.Unmarshal(frame, &req) == nil {
				frames <- req
			}
		}
	})

	tr, _, _ := startWSTransport(t, wsURL(srv))

	msg := Message{ProjectID: "p1", SenderID: "u1", Content: "hi", ClientKey: "ck-1"}
	confirmed, synchronous, err := tr.Send(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if synchronous || confirmed.ID != "" {
		t.Fatal("socket sends confirm asynchronously")
	}

	select {
	case req := <-frames:
		if req.Content != "hi" || req.ClientKey != "ck-1" || req.ProjectID != "p1" {
			t.Fatalf("unexpected frame: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never reached the server")
	}
}

func TestWSDialFailureIsTyped(t *testing.T) {
	tr := newWSTransport("ws://127.0.0.1:1/ws/p1", "p1", transportCallbacks{
		onMessages: func([]Message) {},
		onLost:     func(error) {},
	}, zerolog.Nop())

	err := tr.Start(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
