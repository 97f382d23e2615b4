package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxroom/internal/agentsession"
	"github.com/ent0n29/voxroom/internal/protocol"
	"github.com/ent0n29/voxroom/internal/validate"
)

const (
	watchWriteTimeout = 10 * time.Second
	watchPongTimeout  = 60 * time.Second
	watchPingInterval = 25 * time.Second
)

// handleWatch streams lifecycle events for one room. The current state is sent
// first so a watcher never misses the transition it connected for.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if err := validate.RoomName(room); err != nil {
		s.respondServiceError(w, err)
		return
	}

	events, cancelSub := s.service.Registry().Subscribe(room)
	defer cancelSub()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.TrackWatcher(1)
	defer s.metrics.TrackWatcher(-1)

	if sess, err := s.service.Status(r.Context(), room); err == nil {
		if err := writeWatchEvent(conn, snapshotEvent(sess)); err != nil {
			return
		}
	} else if !errors.Is(err, agentsession.ErrNotFound) {
		s.logger.Warn().Err(err).Str("room", room).Msg("watch snapshot failed")
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(watchPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(watchPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeWatchEvent(conn, protocol.WatchEvent{
				Type:          protocol.EventType(evt.Type),
				RoomName:      evt.RoomName,
				AgentIdentity: evt.AgentIdentity,
				Status:        string(evt.Status),
				At:            evt.At,
			}); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(watchWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func snapshotEvent(sess agentsession.AgentSession) protocol.WatchEvent {
	typ := protocol.EventSpawned
	switch sess.Status {
	case agentsession.StatusActive:
		typ = protocol.EventActive
	case agentsession.StatusDisconnected:
		typ = protocol.EventDisconnected
	}
	return protocol.WatchEvent{
		Type:          typ,
		RoomName:      sess.RoomName,
		AgentIdentity: sess.AgentIdentity,
		Status:        string(sess.Status),
		At:            sess.UpdatedAt,
	}
}

func writeWatchEvent(conn *websocket.Conn, evt protocol.WatchEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	return conn.WriteJSON(evt)
}
