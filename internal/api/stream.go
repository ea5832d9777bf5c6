package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream relays broadcast events to a websocket client. An optional
// sink query parameter filters the events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	sinkID := r.URL.Query().Get("sink")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := s.events.Subscribe(ctx)
	if err != nil {
		s.log.WithError(err).Error("subscribe to events")
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer ws.Close()
	log := s.log.WithField("remote", r.RemoteAddr)
	log.Info("stream client connected")

	// Client frames are discarded; a read error means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("stream client disconnected")
			return
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if sinkID != "" && ev.SinkID != sinkID {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				log.WithError(err).Warn("write event")
				return
			}
		}
	}
}
