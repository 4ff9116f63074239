// Package realtime fans record-change events out to subscribed SSE clients.
package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bunbase/bunbase/internal/rules"
)

// Message is one outbound SSE frame.
type Message struct {
	Event string // SSE event name; empty for comments
	Data  string
}

// Frame renders the message in text/event-stream framing.
func (m Message) Frame() string {
	if m.Event == "" {
		return ": " + m.Data + "\n\n"
	}
	return "event: " + m.Event + "\ndata: " + m.Data + "\n\n"
}

// AccessFilter decides whether a client identity may observe a record event.
type AccessFilter func(identity *rules.Identity, isAdmin bool, collection string, record map[string]any) bool

// Client is one connected SSE stream. Its channel is owned by the broker;
// the HTTP handler drains it until Done is closed.
type Client struct {
	ID       string
	Send     chan Message
	Done     chan struct{}
	identity *rules.Identity
	isAdmin  bool
	// subscriptions are "collection/recordId" pairs; recordId may be "*".
	subscriptions map[string]bool
	lastActivity  time.Time
	closed        bool
}

// Broker is the SSE client registry.
type Broker struct {
	mu      sync.RWMutex
	clients map[string]*Client

	heartbeat   time.Duration
	idleTimeout time.Duration
	filter      AccessFilter
	logger      *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewBroker creates a broker. filter may be nil to deliver on subscription
// match alone.
func NewBroker(heartbeat, idleTimeout time.Duration, filter AccessFilter, logger *slog.Logger) *Broker {
	return &Broker{
		clients:     make(map[string]*Client),
		heartbeat:   heartbeat,
		idleTimeout: idleTimeout,
		filter:      filter,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Heartbeat returns the heartbeat interval.
func (b *Broker) Heartbeat() time.Duration {
	return b.heartbeat
}

// Register allocates a client and queues its connect event.
func (b *Broker) Register() *Client {
	c := &Client{
		ID:            strings.ReplaceAll(uuid.NewString(), "-", ""),
		Send:          make(chan Message, 64),
		Done:          make(chan struct{}),
		subscriptions: make(map[string]bool),
		lastActivity:  time.Now(),
	}

	b.mu.Lock()
	b.clients[c.ID] = c
	total := len(b.clients)
	b.mu.Unlock()

	data, _ := json.Marshal(map[string]string{"clientId": c.ID})
	c.Send <- Message{Event: "connect", Data: string(data)}

	b.logger.Debug("sse client connected", slog.String("client", c.ID), slog.Int("total", total))
	return c
}

// Unregister drops a client; safe to call more than once.
func (b *Broker) Unregister(clientID string) {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	if ok {
		delete(b.clients, clientID)
		if !c.closed {
			c.closed = true
			close(c.Done)
		}
	}
	b.mu.Unlock()

	if ok {
		b.logger.Debug("sse client disconnected", slog.String("client", clientID))
	}
}

// Subscribe replaces the client's subscription set. Attaching an identity
// enables permission-filtered broadcast for that client.
func (b *Broker) Subscribe(clientID string, subscriptions []string, identity *rules.Identity, isAdmin bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.clients[clientID]
	if !ok {
		return fmt.Errorf("unknown client %q", clientID)
	}

	c.subscriptions = make(map[string]bool, len(subscriptions))
	for _, sub := range subscriptions {
		if sub = strings.TrimSpace(sub); sub != "" {
			c.subscriptions[sub] = true
		}
	}
	c.identity = identity
	c.isAdmin = isAdmin
	c.lastActivity = time.Now()
	return nil
}

// Touch updates a client's lastActivity, e.g. on a client-side heartbeat.
func (b *Broker) Touch(clientID string) {
	b.mu.Lock()
	if c, ok := b.clients[clientID]; ok {
		c.lastActivity = time.Now()
	}
	b.mu.Unlock()
}

// HasClient reports whether the client is registered.
func (b *Broker) HasClient(clientID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.clients[clientID]
	return ok
}

// Broadcast delivers a record event to every subscribed client. Delivery is
// best-effort: a client whose buffer is full is treated as disconnected and
// dropped.
func (b *Broker) Broadcast(collection, recordID, action string, record map[string]any) {
	payload, err := json.Marshal(map[string]any{"action": action, "record": record})
	if err != nil {
		b.logger.Error("failed to encode broadcast", slog.String("error", err.Error()))
		return
	}
	msg := Message{Event: collection, Data: string(payload)}

	b.mu.Lock()
	var dead []string
	for id, c := range b.clients {
		if !c.subscriptions[collection+"/*"] &&
			!c.subscriptions[collection+"/"+recordID] &&
			!c.subscriptions[collection] {
			continue
		}
		if b.filter != nil && !b.filter(c.identity, c.isAdmin, collection, record) {
			continue
		}
		select {
		case c.Send <- msg:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		if c, ok := b.clients[id]; ok {
			delete(b.clients, id)
			if !c.closed {
				c.closed = true
				close(c.Done)
			}
		}
	}
	b.mu.Unlock()

	for _, id := range dead {
		b.logger.Warn("dropping slow sse client", slog.String("client", id))
	}
}

// ClientCount returns the number of registered clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Start runs the heartbeat/eviction sweeper until Stop.
func (b *Broker) Start() {
	go func() {
		ticker := time.NewTicker(b.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case <-ticker.C:
				b.sweep()
			}
		}
	}()
}

// sweep sends heartbeats and evicts clients idle past the timeout.
func (b *Broker) sweep() {
	now := time.Now()
	ping := Message{Data: "ping"}

	b.mu.Lock()
	var idle []string
	for id, c := range b.clients {
		if now.Sub(c.lastActivity) > b.idleTimeout {
			idle = append(idle, id)
			continue
		}
		select {
		case c.Send <- ping:
			// A heartbeat we managed to queue counts as activity.
			c.lastActivity = now
		default:
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		if c, ok := b.clients[id]; ok {
			delete(b.clients, id)
			if !c.closed {
				c.closed = true
				close(c.Done)
			}
		}
	}
	b.mu.Unlock()

	for _, id := range idle {
		b.logger.Debug("evicting idle sse client", slog.String("client", id))
	}
}

// Stop terminates the sweeper and closes every client.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.Lock()
	for id, c := range b.clients {
		delete(b.clients, id)
		if !c.closed {
			c.closed = true
			close(c.Done)
		}
	}
	b.mu.Unlock()
}
