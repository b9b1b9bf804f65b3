package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ramp_go/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	subBuffer    = 16
)

// Feed fans order status changes out to websocket subscribers.
// It is a domain.StateSink and never blocks the state machine.
type Feed struct {
	mu       sync.RWMutex
	subs     map[string]map[chan domain.Order]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		subs: make(map[string]map[chan domain.Order]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: slog.Default().With("module", "order_feed"),
	}
}

// OnOrderUpdate delivers order to every subscriber of its id.
func (f *Feed) OnOrderUpdate(order domain.Order) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for ch := range f.subs[order.ID] {
		select {
		case ch <- order:
		default:
			f.logger.Warn("Slow subscriber, update dropped",
				slog.String("order_id", order.ID),
				slog.String("status", string(order.Status)))
		}
	}
}

// Subscribe registers for updates of id. The returned func unsubscribes.
func (f *Feed) Subscribe(id string) (<-chan domain.Order, func()) {
	ch := make(chan domain.Order, subBuffer)

	f.mu.Lock()
	if f.subs[id] == nil {
		f.subs[id] = make(map[chan domain.Order]struct{})
	}
	f.subs[id][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[id], ch)
			if len(f.subs[id]) == 0 {
				delete(f.subs, id)
			}
			f.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions for id.
func (f *Feed) Subscribers(id string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[id])
}

// Stream upgrades the request and writes snapshot followed by every update
// until the order is terminal or the client goes away.
func (f *Feed) Stream(w http.ResponseWriter, r *http.Request, snapshot domain.Order, updates <-chan domain.Order) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	logger := f.logger.With("order_id", snapshot.ID)
	if err := writeOrder(conn, snapshot); err != nil {
		return
	}
	if snapshot.IsTerminal() {
		closeNormal(conn)
		return
	}

	// Reader goroutine: detects client close and handles control frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	last := snapshot.Status
	for {
		select {
		case <-closed:
			logger.Debug("Websocket client disconnected")
			return
		case <-r.Context().Done():
			return
		case order := <-updates:
			if order.Status == last {
				continue
			}
			last = order.Status
			if err := writeOrder(conn, order); err != nil {
				logger.Warn("Websocket write failed", slog.Any("error", err))
				return
			}
			if order.IsTerminal() {
				closeNormal(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeOrder(conn *websocket.Conn, order domain.Order) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(order)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "order finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
