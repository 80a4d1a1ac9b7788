// Package bus provides in-process publish/subscribe used to decouple
// producers (import completion, assignment changes) from reactive
// consumers (queue population, bookkeeping). A Bus is constructed per
// owner, never held in package state, so tests can build an isolated
// bus each.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Well-known event kinds.
const (
	KindImportCompleted   = "import.completed"
	KindAssignmentChanged = "assignment.changed"
	KindPipelineUpdated   = "pipeline.updated"
)

// Event is a notification dispatched to subscribers of its kind.
type Event struct {
	Kind    string
	Payload any
}

// Handler reacts to one event. Handlers must be side-effect-idempotent:
// the bus offers no persistence, and the triggering operation may be
// retried externally after a crash.
type Handler func(ctx context.Context, ev Event) error

// Bus dispatches events synchronously to subscribed handlers.
type Bus interface {
	// Subscribe registers a handler for a kind. Handlers run in
	// subscription order.
	Subscribe(kind string, h Handler)

	// Publish dispatches ev to every handler registered for its kind and
	// returns once all have run. Handler errors are collected, not
	// short-circuited.
	Publish(ctx context.Context, ev Event) error
}

// Compile-time interface check.
var _ Bus = (*bus)(nil)

type bus struct {
	log      logrus.FieldLogger
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates an empty Bus.
func New(log logrus.FieldLogger) Bus {
	return &bus{
		log:      log.WithField("component", "bus"),
		handlers: make(map[string][]Handler),
	}
}

func (b *bus) Subscribe(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[kind] = append(b.handlers[kind], h)
}

func (b *bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Kind]...)
	b.mu.RUnlock()

	var errs []error

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.log.WithError(err).
				WithField("kind", ev.Kind).
				Warn("Event handler failed")

			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
