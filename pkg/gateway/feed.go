package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/zyuc/mockbroker/pkg/broker"
	"github.com/zyuc/mockbroker/pkg/decision"
	"github.com/zyuc/mockbroker/pkg/stream"
)

// Feed message types.
const (
	MessageEvent    = "event"
	MessageDecision = "decision"
	MessageStatus   = "status"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Message is one entry of the live feed.
type Message struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// EventData is the payload of an event message.
type EventData struct {
	stream.PendingRequestEvent
	ProjectLabel string    `json:"projectLabel"`
	Origin       string    `json:"origin"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

type feedClient struct {
	id   string
	conn *ws.Conn
	send chan []byte
}

// Feed fans broker activity out to WebSocket clients.
type Feed struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*feedClient
	closed  bool
}

// NewFeed creates an empty feed.
func NewFeed(log *slog.Logger) *Feed {
	return &Feed{log: log, clients: make(map[string]*feedClient)}
}

// Count returns the number of connected clients.
func (f *Feed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func encodeMessage(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: typ, At: time.Now(), Data: raw})
}

// Publish sends a message to every client. Clients whose buffer is full miss
// the message.
func (f *Feed) Publish(typ string, data any) {
	payload, err := encodeMessage(typ, data)
	if err != nil {
		f.log.Error("failed to encode feed message", "type", typ, "error", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.clients {
		select {
		case c.send <- payload:
		default:
			f.log.Warn("feed client too slow, dropping message", "client", c.id, "type", typ)
		}
	}
}

// PublishEvent sends an accepted event.
func (f *Feed) PublishEvent(ev stream.PendingRequestEvent) {
	f.Publish(MessageEvent, EventData{
		PendingRequestEvent: ev,
		ProjectLabel:        ev.ProjectLabel(),
		Origin:              ev.Origin.String(),
		ReceivedAt:          ev.ReceivedAt,
	})
}

// PublishDecision sends a decision transition.
func (f *Feed) PublishDecision(s decision.Snapshot) {
	f.Publish(MessageDecision, s)
}

// PublishStatus sends a broker status update.
func (f *Feed) PublishStatus(s broker.Status) {
	f.Publish(MessageStatus, s)
}

// Relay forwards events from sub until it closes or ctx is done.
func (f *Feed) Relay(ctx context.Context, sub *stream.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			f.PublishEvent(ev)
		}
	}
}

// Serve upgrades the request and streams messages until the client leaves.
// initial, when non-nil, is sent first.
func (f *Feed) Serve(w http.ResponseWriter, r *http.Request, initial []byte) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true, // local operator tool, any origin
		CompressionMode:    ws.CompressionDisabled,
	})
	if err != nil {
		f.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{id: uuid.New().String(), conn: conn, send: make(chan []byte, clientBuffer)}
	if initial != nil {
		c.send <- initial
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close(ws.StatusGoingAway, "shutting down")
		return
	}
	f.clients[c.id] = c
	f.mu.Unlock()
	f.log.Debug("feed client connected", "client", c.id, "remote", r.RemoteAddr)

	defer func() {
		f.remove(c.id)
		f.log.Debug("feed client disconnected", "client", c.id)
	}()

	// The feed is one-way; CloseRead handles control frames and reports
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(ws.StatusNormalClosure, "")
			return
		case payload, ok := <-c.send:
			if !ok {
				_ = conn.Close(ws.StatusGoingAway, "shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, ws.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (f *Feed) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, id)
}

// Close disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, c := range f.clients {
		close(c.send)
		delete(f.clients, id)
	}
}
