package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/shuttle/internal/dispatch"
	"github.com/ent0n29/shuttle/internal/protocol"
	"github.com/ent0n29/shuttle/internal/scanfeed"
	"github.com/ent0n29/shuttle/internal/tasks"
)

// handleEventsWS streams engine state to an operator screen: a snapshot on
// connect, then task, session and feed events as they happen.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("events upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	s.register(outbound)
	defer s.unregister(outbound)

	taskEvents, unsubscribeTasks := s.tasks.Subscribe()
	defer unsubscribeTasks()
	sessionEvents, unsubscribeSessions := s.dispatch.Subscribe()
	defer unsubscribeSessions()

	enqueue := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Writes stay single-threaded; drop when the queue is saturated.
			s.metrics.ObserveWSWriteError("drop_full")
		}
	}
	enqueue(s.snapshot())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-taskEvents:
				if !ok {
					return
				}
				enqueue(protocol.TaskEvent{Type: protocol.TypeTaskEvent, Event: evt})
			case u, ok := <-sessionEvents:
				if !ok {
					return
				}
				enqueue(sessionEvent(u))
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ObserveWSWriteError("write_json")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		control := parsed.(protocol.ClientControl)
		s.metrics.ObserveWSMessage("inbound", string(control.Type))

		switch control.Action {
		case protocol.ActionResync:
			enqueue(s.snapshot())
		case protocol.ActionToggleSlot:
			// The resulting session event reaches this client via the
			// subscription.
			if _, err := s.dispatch.ToggleSlot(control.StopID, *control.Slot); err != nil {
				_, code := classify(err)
				enqueue(protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					Code:   code,
					Source: "dispatch",
					Detail: err.Error(),
				})
			}
		}
	}

	cancel()
	<-writerDone
}

// PublishFeedState pushes a feed connection change to every connected
// operator screen.
func (s *Server) PublishFeedState(source string, state scanfeed.State) {
	msg := protocol.FeedState{
		Type:   protocol.TypeFeedState,
		Source: source,
		State:  string(state),
		At:     time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *Server) register(ch chan any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[ch] = struct{}{}
}

func (s *Server) unregister(ch chan any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, ch)
}

func (s *Server) snapshot() protocol.Snapshot {
	rv := s.routeView()
	list := s.tasks.Snapshot()
	if list == nil {
		list = []tasks.Task{}
	}
	return protocol.Snapshot{
		Type:            protocol.TypeSnapshot,
		Mode:            rv.Mode,
		Tasks:           list,
		Position:        rv.Position,
		NextDestination: rv.NextDestination,
		Route:           rv.Route,
		Stops:           s.tasks.Stops(),
		Feed:            s.feedStatus(),
		At:              time.Now().UTC(),
	}
}

func sessionEvent(u dispatch.SessionUpdate) protocol.SessionEvent {
	acks := u.View.Acknowledged
	if acks == nil {
		acks = []string{}
	}
	return protocol.SessionEvent{
		Type:         protocol.TypeSessionEvent,
		SessionID:    u.View.SessionID,
		StopID:       u.View.StopID,
		Status:       string(u.View.Status),
		Acknowledged: acks,
		CanCommit:    u.CanCommit,
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Snapshot:
		return m.Type, true
	case protocol.TaskEvent:
		return m.Type, true
	case protocol.SessionEvent:
		return m.Type, true
	case protocol.FeedState:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	default:
		return "", false
	}
}
