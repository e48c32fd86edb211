package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/lan-audio-service/internal/discovery"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

const (
	statePollInterval = 500 * time.Millisecond
	eventWriteWait    = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is meant for local dashboards; any origin may subscribe
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one message on the /events stream
type Event struct {
	Type   string                `json:"type"` // "server" or "state"
	Time   time.Time             `json:"time"`
	Server *discovery.IndexEvent `json:"server,omitempty"`
	States []worker.StateInfo    `json:"states,omitempty"`
}

// handleEvents implements the /events websocket. The first message carries every
// worker state; later state messages carry only the workers that changed.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.events.Add(1)
	defer h.events.Done()

	// Clear deadlines inherited from the HTTP server
	conn.SetReadDeadline(time.Time{})

	var serverEvents <-chan discovery.IndexEvent
	if h.node.Discovery != nil {
		ch, unsubscribe := h.node.Discovery.Index().Subscribe()
		defer unsubscribe()
		serverEvents = ch
	}

	// Drain incoming messages (ping/pong, close frames) without blocking
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev Event) bool {
		ev.Time = time.Now().UTC()
		conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug("Event stream closed", slog.String("error", err.Error()))
			return false
		}
		return true
	}

	last := h.workerStates()
	if !send(Event{Type: "state", States: last}) {
		return
	}

	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-serverEvents:
			if !ok {
				serverEvents = nil
				continue
			}
			if !send(Event{Type: "server", Server: &ev}) {
				return
			}
		case <-ticker.C:
			current := h.workerStates()
			if changed := changedStates(last, current); len(changed) > 0 {
				if !send(Event{Type: "state", States: changed}) {
					return
				}
			}
			last = current
		}
	}
}

// changedStates returns the entries of current that are new or differ from prev
func changedStates(prev, current []worker.StateInfo) []worker.StateInfo {
	seen := make(map[string]worker.StateInfo, len(prev))
	for _, s := range prev {
		seen[s.Name] = s
	}

	var changed []worker.StateInfo
	for _, s := range current {
		if old, ok := seen[s.Name]; !ok || old != s {
			changed = append(changed, s)
		}
	}
	return changed
}
