package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/app/poller"
	"github.com/frontdesk/cardesk/internal/app/reconcile"
)

// Feed event types.
const (
	FeedScan  = "scan"  // a manual scan through the API
	FeedPoll  = "poll"  // a card picked up by the poller
	FeedTopUp = "topup" // a committed top-up
	FeedError = "error" // a poll error
)

// FeedEvent is one message on the live feed.
type FeedEvent struct {
	Type      string                 `json:"type"`
	Scan      *reconcile.Result      `json:"scan,omitempty"`
	TopUp     *reconcile.TopUpResult `json:"topup,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ScanHub fans out feed events to connected desk clients.
type ScanHub struct {
	mu       sync.RWMutex
	clients  map[chan []byte]struct{}
	upgrader websocket.Upgrader
	log      *log.Entry
}

// NewScanHub creates an empty hub.
func NewScanHub() *ScanHub {
	return &ScanHub{
		clients: make(map[chan []byte]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API listens on localhost; the desk GUI may be served from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.WithField("component", "feed"),
	}
}

// Broadcast sends an event to all connected clients. Slow clients miss events.
func (h *ScanHub) Broadcast(ev FeedEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribe registers a client. The returned func unregisters it and closes
// the channel.
func (h *ScanHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *ScanHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PollHandler adapts the hub to the poller's callback.
func (h *ScanHub) PollHandler() poller.Handler {
	return func(ev poller.Event) {
		fe := FeedEvent{Type: FeedPoll, Scan: ev.Result, Timestamp: ev.Time}
		if ev.Error != "" {
			fe.Type = FeedError
			fe.Error = ev.Error
		}
		h.Broadcast(fe)
	}
}

// HandleFeed upgrades the request to a websocket and streams feed events
// until the client goes away.
func (h *ScanHub) HandleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("feed upgrade failed")
		return
	}
	defer conn.Close()

	id := uuid.New().String()
	l := h.log.WithField("client", id)
	l.Info("feed client connected")

	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	// Clients never send anything meaningful; reading only detects close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					l.WithError(err).Warn("feed client closed unexpectedly")
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			l.Info("feed client disconnected")
			return
		case data, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.WithError(err).Warn("feed write failed")
				return
			}
		}
	}
}
