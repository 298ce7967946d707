package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dpas/internal/detection"
	"dpas/internal/logging"
)

const (
	feedLookback   = time.Minute
	feedSendBuffer = 64
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	writeWait      = 10 * time.Second
)

// RecordSource lists and loads stored records.
type RecordSource interface {
	ListAfter(prefix, after string) ([]string, error)
	Get(id string) (detection.Record, error)
}

// Feed broadcasts records as they appear in the result store to websocket
// subscribers. Records already present when the feed is created are not
// replayed.
type Feed struct {
	source   RecordSource
	poll     time.Duration
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*subscriber]struct{}

	// seen holds ids inside the lookback window, keyed to their completion
	// time, so late links that sort before the newest id are still sent.
	seen   map[string]time.Time
	newest time.Time
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// NewFeed creates a feed that polls source every poll interval.
func NewFeed(source RecordSource, poll time.Duration, logger *slog.Logger) *Feed {
	if poll <= 0 {
		poll = time.Second
	}
	f := &Feed{
		source: source,
		poll:   poll,
		logger: logging.NewComponentLogger(logger, "record-feed"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*subscriber]struct{}),
		seen:    make(map[string]time.Time),
		newest:  time.Now().UTC(),
	}
	f.prime()
	return f
}

// Clients reports the number of connected subscribers.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Run polls the store until ctx is done, then disconnects every subscriber.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	defer f.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.pollOnce()
		}
	}
}

// ServeHTTP upgrades the request and registers a subscriber.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, feedSendBuffer)}
	f.mu.Lock()
	f.clients[sub] = struct{}{}
	count := len(f.clients)
	f.mu.Unlock()
	f.logger.Info("feed subscriber connected", logging.Int("subscribers", count))

	go f.writeLoop(sub)
	f.readLoop(sub)
}

// readLoop discards client messages and detects disconnects.
func (f *Feed) readLoop(sub *subscriber) {
	defer f.drop(sub)
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer sub.conn.Close()
	for {
		select {
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) drop(sub *subscriber) {
	f.mu.Lock()
	_, ok := f.clients[sub]
	if ok {
		delete(f.clients, sub)
		close(sub.send)
	}
	count := len(f.clients)
	f.mu.Unlock()
	if ok {
		f.logger.Info("feed subscriber disconnected", logging.Int("subscribers", count))
	}
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	for sub := range f.clients {
		delete(f.clients, sub)
		close(sub.send)
	}
	f.mu.Unlock()
}

// broadcast queues msg for every subscriber, dropping those that fall behind.
func (f *Feed) broadcast(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.clients {
		select {
		case sub.send <- msg:
		default:
			delete(f.clients, sub)
			close(sub.send)
			f.logger.Warn("dropping slow feed subscriber")
		}
	}
}

func (f *Feed) prime() {
	ids, err := f.source.ListAfter(detection.RecordPrefix, f.cursor())
	if err != nil {
		logging.WarnWithContext(f.logger, "record feed could not list results", "feed_list_failed", logging.Error(err))
		return
	}
	for _, id := range ids {
		f.remember(id)
	}
}

func (f *Feed) pollOnce() {
	ids, err := f.source.ListAfter(detection.RecordPrefix, f.cursor())
	if err != nil {
		logging.WarnWithContext(f.logger, "record feed could not list results", "feed_list_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check results_dir permissions"),
		)
		return
	}
	for _, id := range ids {
		if _, ok := f.seen[id]; ok {
			continue
		}
		f.remember(id)
		rec, err := f.source.Get(id)
		if err != nil {
			f.logger.Warn("record feed skipped unreadable record",
				logging.String(logging.FieldRecordID, id),
				logging.Error(err),
			)
			continue
		}
		msg, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		f.broadcast(msg)
	}
	f.prune()
}

// cursor is the smallest id still inside the lookback window.
func (f *Feed) cursor() string {
	return detection.RecordIDFloor(f.newest.Add(-feedLookback))
}

func (f *Feed) remember(id string) {
	completed, _, err := detection.ParseRecordID(id)
	if err != nil {
		completed = f.newest
	}
	f.seen[id] = completed
	if completed.After(f.newest) {
		f.newest = completed
	}
}

func (f *Feed) prune() {
	cutoff := f.newest.Add(-feedLookback)
	for id, at := range f.seen {
		if at.Before(cutoff) {
			delete(f.seen, id)
		}
	}
}
