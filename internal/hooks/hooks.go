// Package hooks provides ordered, cancellable middleware chains around
// record mutations.
package hooks

import (
	"context"
	"net/http"
	"sync"

	"github.com/bunbase/bunbase/internal/schema"
)

// Type identifies a lifecycle event.
type Type string

const (
	BeforeCreate Type = "beforeCreate"
	AfterCreate  Type = "afterCreate"
	BeforeUpdate Type = "beforeUpdate"
	AfterUpdate  Type = "afterUpdate"
	BeforeDelete Type = "beforeDelete"
	AfterDelete  Type = "afterDelete"
)

// RequestInfo describes the HTTP request that triggered the event. The core
// never hands hooks the raw transport object.
type RequestInfo struct {
	Method  string
	Path    string
	Headers http.Header
}

// Event is the mutable context passed along a hook chain.
type Event struct {
	Context    context.Context
	Type       Type
	Collection *schema.Collection

	// Data is the incoming payload for beforeCreate/beforeUpdate. Handlers
	// mutate it in place to influence the write.
	Data map[string]any

	// Record is the committed row for afterCreate/afterUpdate.
	Record map[string]any

	// Existing is the current row for beforeUpdate/beforeDelete.
	Existing map[string]any

	// RecordID is set for update and delete events.
	RecordID string

	Request *RequestInfo
}

// Handler runs as middleware: code before next() runs before the remainder
// of the chain, code after next() runs once it unwinds. Returning nil
// without calling next ends the chain silently; returning an error aborts
// it.
type Handler func(e *Event, next func() error) error

type registration struct {
	collection string // empty = global
	handler    Handler
}

// Registry holds handler chains keyed by event type. On and Trigger are safe
// to interleave; Trigger observes the handler list as of invocation.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type][]registration
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type][]registration)}
}

// On registers a handler for the event. An empty collection name binds the
// handler globally; otherwise it only runs for that collection.
func (r *Registry) On(t Type, collection string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], registration{collection: collection, handler: h})
}

// Trigger runs all global handlers plus those bound to the event's
// collection, in registration order.
func (r *Registry) Trigger(e *Event) error {
	r.mu.RLock()
	regs := r.handlers[e.Type]
	chain := make([]Handler, 0, len(regs))
	for _, reg := range regs {
		if reg.collection == "" || (e.Collection != nil && reg.collection == e.Collection.Name) {
			chain = append(chain, reg.handler)
		}
	}
	r.mu.RUnlock()

	var run func(i int) error
	run = func(i int) error {
		if i >= len(chain) {
			return nil
		}
		return chain[i](e, func() error { return run(i + 1) })
	}
	return run(0)
}
