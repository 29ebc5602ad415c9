package syncserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/boardsync/internal/syncmgr"
)

const (
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
)

// hub fans accepted pushes out to the websocket subscribers of the same user.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan syncmgr.RemoteEvent]struct{}
}

func newHub() *hub {
	return &hub{subs: map[string]map[chan syncmgr.RemoteEvent]struct{}{}}
}

func (h *hub) subscribe(userID string) (<-chan syncmgr.RemoteEvent, func()) {
	ch := make(chan syncmgr.RemoteEvent, subscriberBuffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[chan syncmgr.RemoteEvent]struct{}{}
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs[userID], ch)
		if len(h.subs[userID]) == 0 {
			delete(h.subs, userID)
		}
		h.mu.Unlock()
	}
}

// publish never blocks; a subscriber with a full buffer misses the event and
// catches up on its next periodic sync.
func (h *hub) publish(ev syncmgr.RemoteEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for ch := range h.subs[ev.UserID] {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *hub) subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.CORSOrigins),
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, unsubscribe := s.hub.subscribe(userID)
	defer unsubscribe()

	// Clients never send; CloseRead handles pings and reports disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("event write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		}
	}
}

// originPatterns turns CORS origins into the host patterns the websocket
// origin check matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		if origin = strings.TrimRight(origin, "/"); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
