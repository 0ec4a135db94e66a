package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// writeWait bounds how long a single websocket write may block before
// the connection is considered dead.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Events carries no credentials beyond the ambient tenant header, so
	// any origin may open the stream; tenant isolation happens below via
	// bus.Subscribe, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Events handles WS /events?topics=. One bus subscriber channel is
// bridged to one websocket connection per request; Bus.Subscribe already
// gives tenant-scoped fan-out, so no separate hub is needed.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	var topics map[string]bool
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			topics[strings.TrimSpace(t)] = true
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("handlers: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.Bus.Subscribe(h.Tenant)
	defer h.Bus.Unsubscribe(h.Tenant, ch)

	go h.drainClientReads(conn)

	for event := range ch {
		if topics != nil && !topics[string(event.Name)] {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("tenant", h.Tenant).Msg("handlers: event write failed, closing stream")
			}
			return
		}
	}
}

// drainClientReads discards client frames (the protocol is server-push
// only); its ReadMessage loop is what processes control frames and
// notices a client-initiated close.
func (h *Handlers) drainClientReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
