package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vibedeck/internal/event"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
)

// eventPayload is the envelope every bus event crosses the socket in.
type eventPayload struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Data      string    `json:"data,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Message   string    `json:"message,omitempty"`
	TeamID    string    `json:"team_id,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Status    string    `json:"status,omitempty"`
	Line      string    `json:"line,omitempty"`
}

// handleEvents streams the terminal and preview buses over one websocket,
// multiplexed into a common envelope.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, s.AuthToken) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.TerminalBus == nil && s.PreviewBus == nil {
		writeError(w, http.StatusServiceUnavailable, "event buses unavailable")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, s.AllowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	payloads := make(chan eventPayload, 128)
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	defer stop()

	var forwarders sync.WaitGroup
	if s.TerminalBus != nil {
		output, cancel := s.TerminalBus.Subscribe()
		defer cancel()
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			for {
				select {
				case e, ok := <-output:
					if !ok {
						return
					}
					select {
					case payloads <- terminalPayload(e):
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}()
	}
	if s.PreviewBus != nil {
		output, cancel := s.PreviewBus.Subscribe()
		defer cancel()
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			for {
				select {
				case e, ok := <-output:
					if !ok {
						return
					}
					select {
					case payloads <- previewPayload(e):
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}()
	}

	// Reader loop only notices the peer going away.
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload := <-payloads:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func terminalPayload(e event.TerminalEvent) eventPayload {
	payload := eventPayload{
		Type:      e.EventType,
		Timestamp: e.OccurredAt,
		AgentID:   e.AgentID,
		SessionID: e.SessionID,
		Data:      string(e.Data),
		ExitCode:  e.ExitCode,
		Signal:    e.Signal,
		Message:   e.Message,
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	return payload
}

func previewPayload(e event.PreviewEvent) eventPayload {
	payload := eventPayload{
		Type:      e.EventType,
		Timestamp: e.OccurredAt,
		TeamID:    e.TeamID,
		Branch:    e.Branch,
		Status:    e.Status,
		Line:      e.Line,
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	return payload
}
