package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/gopherline/internal/bus"
	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/types"
)

const (
	maxBodyBytes = 1 << 20
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	pongWait     = 2 * pingPeriod
)

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

// WireNotification is the JSON form of a bus notification sent to
// WebSocket subscribers.
type WireNotification struct {
	Type      events.Kind          `json:"type"`
	SessionID types.SessionID      `json:"sessionId"`
	Event     json.RawMessage      `json:"event,omitempty"`
	Items     []types.TimelineItem `json:"items,omitempty"`
	Removed   []types.ItemID       `json:"removed,omitempty"`
	Reset     bool                 `json:"reset,omitempty"`
	Error     string               `json:"error,omitempty"`
	At        time.Time            `json:"at"`
}

// EncodeNotification renders n in its wire form.
func EncodeNotification(n bus.Notification) ([]byte, error) {
	wire := WireNotification{
		Type:      n.Kind,
		SessionID: n.SessionID,
		Items:     n.Items,
		Removed:   n.Removed,
		Reset:     n.Reset,
		At:        n.At,
	}
	if n.Event != nil {
		body, err := events.Encode(n.Event)
		if err != nil {
			return nil, err
		}
		wire.Event = body
	}
	if n.Err != nil {
		wire.Error = n.Err.Error()
	}
	return json.Marshal(wire)
}

// handleSubscribe streams the session's notifications over a WebSocket until
// the client goes away. A slow client loses its oldest notifications rather
// than stalling the session's lane.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := s.session(w, r)
	if !ok {
		return
	}
	kinds, err := events.ParseKinds(r.URL.Query().Get("types"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before the handshake completes so that nothing published
	// after the client sees the upgrade is missed.
	sub := bus.NewChannelSubscriber(s.opts.SubscriberBuffer)
	unsubscribe := s.timelines.Subscribe(id, kinds, sub.Handle)
	defer func() {
		unsubscribe()
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			s.logger.Warn("subscriber dropped notifications", "session_id", id, "dropped", n)
		}
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("subscriber attached", "session_id", id, "kinds", kinds)

	// The read pump only watches for the client closing; inbound messages are
	// ignored.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := EncodeNotification(n)
			if err != nil {
				s.logger.Error("encode notification failed", "session_id", id, "kind", n.Kind, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("subscriber write failed", "session_id", id, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			s.logger.Info("subscriber detached", "session_id", id)
			return
		case <-r.Context().Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}
