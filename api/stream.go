package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MegaWatt01/si/events"
)

// replayPageSize bounds outbox reads per query during catch-up.
const replayPageSize = 200

// streamWriteTimeout bounds one frame write; a client that stops reading
// gets disconnected instead of wedging the stream goroutine.
const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon fronts trusted internal tools; no origin policy here.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamEvents upgrades to a websocket and pushes matching events as JSON
// frames. Query params: topics is a dot-separated glob (default "**");
// after replays the durable outbox from that global sequence before going
// live. Replay and live delivery can overlap around the switch, so
// consumers dedupe on (changeSetId, seq).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("topics")
	if pattern == "" {
		pattern = "**"
	}
	afterSeq := uint64(0)
	replay := false
	if after := r.URL.Query().Get("after"); after != "" {
		fmt.Sscanf(after, "%d", &afterSeq)
		replay = true
	}

	// Subscribe before replaying so nothing published during catch-up is
	// lost; it waits in the buffer until the live loop drains it.
	sub := h.bus.Subscribe(pattern, h.cfg.EventBuffer)
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if replay {
		if err := h.replayTo(conn, pattern, afterSeq); err != nil {
			return
		}
	}

	// The read loop only exists to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(toEvent(ev)); err != nil {
				return
			}
		}
	}
}

// replayTo pages the outbox onto the connection, oldest first.
func (h *Handler) replayTo(conn *websocket.Conn, pattern string, afterSeq uint64) error {
	for {
		page, err := h.st.ListEvents(afterSeq, replayPageSize)
		if err != nil {
			return err
		}
		for _, ev := range page {
			if !events.MatchTopic(pattern, ev.Topic) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(toEvent(ev)); err != nil {
				return err
			}
		}
		if len(page) < replayPageSize {
			return nil
		}
		afterSeq = page[len(page)-1].GlobalSeq
	}
}
