// Package notify delivers DecisionMade events to collaborators outside the
// approval core (push notifications, reporting).
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/warp/civic-points/approval"
)

// Handler handles a published decision.
type Handler func(context.Context, approval.DecisionMade) error

// Dispatcher is a synchronous in-process fan-out. Handlers subscribe per
// action; a handler registered for "" receives every event.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[approval.Action][]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		listeners: make(map[approval.Action][]Handler),
	}
}

// Subscribe registers a handler for action, or for all actions when action
// is empty.
func (d *Dispatcher) Subscribe(action approval.Action, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[action] = append(d.listeners[action], h)
}

// Publish invokes every matching handler. All handlers run even if some
// fail; the failures are joined.
func (d *Dispatcher) Publish(ctx context.Context, event approval.DecisionMade) error {
	d.mu.RLock()
	handlers := append([]Handler{}, d.listeners[event.Action]...)
	handlers = append(handlers, d.listeners[""]...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout publishes to several publishers in order.
type Fanout []approval.Publisher

func (f Fanout) Publish(ctx context.Context, event approval.DecisionMade) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
