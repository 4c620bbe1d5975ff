package scanfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/shuttle/internal/reliability"
)

const maxReconnectDelay = 30 * time.Second

type WebsocketConfig struct {
	URL            string
	ReconnectDelay time.Duration
	Logger         *slog.Logger
	OnState        func(State)
	OnMessage      func(result string)
}

// WebsocketSource subscribes to a scanner push channel and reconnects
// whenever the connection drops.
type WebsocketSource struct {
	url            string
	reconnectDelay time.Duration
	dialer         websocket.Dialer
	logger         *slog.Logger
	onMessage      func(string)
	tracker        *Tracker
}

func NewWebsocketSource(cfg WebsocketConfig) (*WebsocketSource, error) {
	url := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("scan feed url must start with ws:// or wss://, got %q", cfg.URL)
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketSource{
		url:            url,
		reconnectDelay: delay,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		logger:    logger.With("component", "scanfeed", "source", "websocket"),
		onMessage: cfg.OnMessage,
		tracker:   NewTracker("websocket", cfg.OnState),
	}, nil
}

func (s *WebsocketSource) Name() string { return "websocket" }

func (s *WebsocketSource) Status() Status { return s.tracker.Status() }

// Run dials, reads until the connection drops, and redials with an
// exponential backoff that resets after every successful handshake.
func (s *WebsocketSource) Run(ctx context.Context, sink Sink) error {
	attempt := 0
	for {
		connected, err := s.session(ctx, sink)
		s.tracker.set(StateDisconnected, err)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		delay := reliability.ExponentialBackoff(attempt, s.reconnectDelay, maxReconnectDelay)
		attempt++
		s.logger.Warn("scan feed disconnected", "error", err, "retry_in", delay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *WebsocketSource) session(ctx context.Context, sink Sink) (bool, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil {
			if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				s.logger.Error("scan feed handshake rejected", "status", resp.Status)
			}
			return false, fmt.Errorf("scan feed dial failed (%s): %w", resp.Status, err)
		}
		return false, fmt.Errorf("scan feed dial failed: %w", err)
	}
	defer conn.Close()

	s.tracker.set(StateConnected, nil)
	s.logger.Info("scan feed connected", "url", s.url)

	// Closing the conn is the only way to unblock ReadMessage on cancel.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, errors.New("scan feed closed by peer")
			}
			return true, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.handle(ctx, sink, data)
	}
}

func (s *WebsocketSource) handle(ctx context.Context, sink Sink, data []byte) {
	evt, err := Parse(data)
	if err != nil {
		s.tracker.received(true)
		s.observe("malformed")
		s.logger.Warn("malformed scan event dropped", "error", err)
		return
	}
	s.tracker.received(false)
	// A push channel cannot redeliver, so sink errors are only logged.
	if err := sink(ctx, evt); err != nil {
		s.observe("sink_error")
		s.logger.Warn("scan event not ingested", "task_id", evt.TaskID, "error", err)
		return
	}
	s.observe("ok")
}

func (s *WebsocketSource) observe(result string) {
	if s.onMessage != nil {
		s.onMessage(result)
	}
}
