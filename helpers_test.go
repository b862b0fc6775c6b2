package chatsync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// backend is an in-test stand-in for the remote message store. It serves
// GET /messages in any of the three envelope shapes the real backend has
// shipped, and POST /messages assigning sequential server ids.
type backend struct {
	mu       sync.Mutex
	messages []Message
	nextID   int
	envelope string // "array", "data" or "messages"
	getFails int    // fail this many GETs with 500 before succeeding
	getCount int
	lastAuth string
	srv      *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{envelope: "array", nextID: 1}

	r := chi.NewRouter()
	r.Get("/messages", b.handleList)
	r.Post("/messages", b.handlePost)

	b.srv = httptest.NewServer(r)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) url() string { return b.srv.URL }

func (b *backend) handleList(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.getCount++
	b.lastAuth = r.Header.Get("Authorization")
	if b.getFails > 0 {
		b.getFails--
		b.mu.Unlock()
		jsonError(w, http.StatusInternalServerError, "backend down")
		return
	}
	msgs := make([]Message, len(b.messages))
	copy(msgs, b.messages)
	envelope := b.envelope
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch envelope {
	case "data":
		json.NewEncoder(w).Encode(map[string][]Message{"data": msgs})
	case "messages":
		json.NewEncoder(w).Encode(map[string][]Message{"messages": msgs})
	default:
		json.NewEncoder(w).Encode(msgs)
	}
}

func (b *backend) handlePost(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	b.mu.Lock()
	msg := Message{
		ID:        fmt.Sprintf("m%d", b.nextID),
		ProjectID: req.ProjectID,
		SenderID:  req.SenderID,
		Content:   req.Content,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		State:     StateConfirmed,
		ClientKey: req.ClientKey,
	}
	b.nextID++
	b.messages = append(b.messages, msg)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}

// add appends a server-side message, as if another participant sent it.
func (b *backend) add(projectID, senderID, content string) Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := Message{
		ID:        fmt.Sprintf("m%d", b.nextID),
		ProjectID: projectID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		State:     StateConfirmed,
	}
	b.nextID++
	b.messages = append(b.messages, msg)
	return msg
}

func (b *backend) gets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCount
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// notFoundServer answers 404 to everything, as the backend does for a
// project with no chat provisioned.
func notFoundServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonError(w, http.StatusNotFound, "chat not provisioned")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// wsURL rewrites an httptest server URL to the ws scheme.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func confirmedMsg(id, content string, at time.Time) Message {
	return Message{
		ID:        id,
		ProjectID: "p1",
		SenderID:  "u2",
		Content:   content,
		CreatedAt: at,
		State:     StateConfirmed,
	}
}
