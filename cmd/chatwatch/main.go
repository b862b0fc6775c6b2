// chatwatch - command line client for project chat.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatsync"
	"github.com/eldtechnologies/chatsync/internal/config"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	cmd := os.Args[1]
	projectID := os.Args[2]

	switch cmd {
	case "read":
		runRead(cfg, projectID, logger)

	case "watch":
		runWatch(cfg, projectID, logger)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: chatwatch send <project-id> <message>")
			os.Exit(1)
		}
		runSend(cfg, projectID, os.Args[3], logger)

	default:
		usage()
		os.Exit(1)
	}
}

// runRead fetches the conversation once and prints it.
func runRead(cfg *config.Config, projectID string, logger zerolog.Logger) {
	session := newSession(cfg, projectID, logger, nil, nil)
	defer session.Dispose()

	waitForSettled(session)
	if _, err := session.Status(); err != nil {
		exitOnError(err)
	}
	for _, msg := range session.Snapshot() {
		printMessage(msg)
	}
}

// runWatch follows the conversation live until interrupted.
func runWatch(cfg *config.Config, projectID string, logger zerolog.Logger) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	onMessages := func(msgs []chatsync.Message) {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range msgs {
			if seen[msg.ID] || msg.State != chatsync.StateConfirmed {
				continue
			}
			seen[msg.ID] = true
			printMessage(msg)
		}
	}
	onStatus := func(status chatsync.ConnectionStatus, err error) {
		if err != nil {
			logger.Warn().Err(err).Str("status", string(status)).Msg("connection")
			return
		}
		logger.Info().Str("status", string(status)).Msg("connection")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	session := newSession(cfg, projectID, logger, onMessages, onStatus)
	defer session.Dispose()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("closing session")
}

// runSend posts one message and waits for its confirmation.
func runSend(cfg *config.Config, projectID, content string, logger zerolog.Logger) {
	session := newSession(cfg, projectID, logger, nil, nil)
	defer session.Dispose()

	waitForSettled(session)
	if _, err := session.Status(); err != nil {
		exitOnError(err)
	}

	msg, err := session.Send(content)
	exitOnError(err)

	// Poll the snapshot until the pending echo resolves.
	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			exitOnError(fmt.Errorf("timed out waiting for confirmation"))
		case <-ticker.C:
			for _, m := range session.Snapshot() {
				switch {
				case m.ID == msg.ID && m.State == chatsync.StateFailed:
					exitOnError(fmt.Errorf("send failed"))
				case m.ClientKey == msg.ClientKey && m.State == chatsync.StateConfirmed:
					printMessage(m)
					return
				}
			}
		}
	}
}

func newSession(cfg *config.Config, projectID string, logger zerolog.Logger, onMessages func([]chatsync.Message), onStatus func(chatsync.ConnectionStatus, error)) *chatsync.Session {
	session, err := chatsync.NewSession(chatsync.Options{
		APIURL:       cfg.APIURL,
		WSURL:        cfg.WSURL,
		ProjectID:    projectID,
		Token:        cfg.Token,
		UserID:       cfg.UserID,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		OnMessages:   onMessages,
		OnStatus:     onStatus,
	})
	exitOnError(err)
	return session
}

// waitForSettled blocks until the session leaves the connecting state.
func waitForSettled(session *chatsync.Session) {
	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			exitOnError(fmt.Errorf("timed out connecting"))
		case <-ticker.C:
			status, _ := session.Status()
			switch status {
			case chatsync.StatusConnected, chatsync.StatusDegraded, chatsync.StatusError:
				return
			}
		}
	}
}

func printMessage(msg chatsync.Message) {
	ts := msg.CreatedAt.Local().Format("2006-01-02 15:04:05")
	from := msg.SenderID
	if len(from) > 8 {
		from = from[:8]
	}
	fmt.Printf("[%s] %s: %s\n", ts, from, msg.Content)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`chatwatch - project chat client

Usage: chatwatch <command> <project-id> [args]

Commands:
  read  <project-id>            Print the conversation and exit
  watch <project-id>            Follow the conversation live
  send  <project-id> <message>  Send one message and wait for confirmation

Environment:
  CHAT_API_URL        REST base URL (default http://localhost:8080)
  CHAT_WS_URL         WebSocket base URL (empty = polling only)
  CHAT_TOKEN          Bearer token
  CHAT_USER_ID        Local user id stamped on sent messages
  CHAT_POLL_INTERVAL  Poll cadence, e.g. 3s
  CHAT_METRICS_ADDR   Expose Prometheus /metrics in watch mode`)
}
