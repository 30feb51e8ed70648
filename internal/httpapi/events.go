package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/relaymail/internal/relaymail"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// EventHub fans processed-message events out to websocket subscribers. It is
// a relaymail.EventSink. Slow subscribers lose events rather than blocking
// the pipeline.
type EventHub struct {
	buffer int
	logger relaymail.Logger

	mu          sync.Mutex
	subscribers map[chan relaymail.MessageEvent]struct{}
}

func NewEventHub(buffer int, logger relaymail.Logger) *EventHub {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = log.Default()
	}
	return &EventHub{
		buffer:      buffer,
		logger:      logger,
		subscribers: map[chan relaymail.MessageEvent]struct{}{},
	}
}

func (h *EventHub) Publish(_ context.Context, event relaymail.MessageEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Printf("relaymail: event subscriber lagging, dropped %s", event.MessageID)
		}
	}
	return nil
}

func (h *EventHub) Subscribe() (<-chan relaymail.MessageEvent, func()) {
	ch := make(chan relaymail.MessageEvent, h.buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			h.mu.Unlock()
		})
	}
}

func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream disabled", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.EventOrigins,
	})
	if err != nil {
		s.logger.Printf("relaymail: websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
