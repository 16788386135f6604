package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/middleware"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS middleware already filters origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// stream pushes bus events matching ?topic (comma separated patterns,
// default every topic) to a websocket client as JSON frames. Non-admin
// callers only receive events their audience check allows.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	patterns := splitPatterns(r.URL.Query().Get("topic"))
	viewer := principal(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := h.app.Bus.Subscribe(ctx, events.AllTopics)
	if err != nil {
		fail(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()
	log := h.log.WithField("user_id", principal(r).UserID)
	log.Debug("stream opened")

	// The read loop only services control frames; any read error ends the stream.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-feed:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(streamWriteWait))
				return
			}
			if !matchesAny(patterns, evt.Topic) || !h.visible(ctx, viewer, evt) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func splitPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{events.AllTopics}
	}
	return out
}

func matchesAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if events.Matches(p, topic) {
			return true
		}
	}
	return false
}

func (h *handler) visible(ctx context.Context, p middleware.Principal, evt events.Event) bool {
	if p.Role == middleware.RoleAdmin {
		return true
	}
	return h.app.Audience.Visible(ctx, p.UserID, evt)
}
