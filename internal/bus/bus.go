package bus

import (
	"context"
	"log"
	"sync"
)

// Handler consumes one decoded event. A non-nil error is logged by the
// dispatch loop; it never stops dispatch.
type Handler func(Event) error

// EventBus decouples chain ingestion from event processing with a bounded
// queue. When the queue is full Publish blocks the ingester rather than
// dropping: a dropped contract event would corrupt the projection for good
// since there is no backfill to heal it.
type EventBus struct {
	events chan Event

	mu       sync.Mutex
	handlers []Handler
}

func NewEventBus(size int) *EventBus {
	return &EventBus{events: make(chan Event, size)}
}

// Subscribe registers a handler invoked once per event, in queue order.
func (b *EventBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	log.Printf("[bus] handler registered, total %d", len(b.handlers))
}

// Publish enqueues an event, blocking while the queue is full.
func (b *EventBus) Publish(ctx context.Context, ev Event) error {
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports how many events are waiting in the queue.
func (b *EventBus) Depth() int { return len(b.events) }

// Dispatch drains the queue until ctx is cancelled, fanning each event out
// to every subscribed handler. Handler panics and errors are contained per
// event so one bad event cannot stall the pipeline.
func (b *EventBus) Dispatch(ctx context.Context) {
	for {
		select {
		case ev := <-b.events:
			b.mu.Lock()
			handlers := make([]Handler, len(b.handlers))
			copy(handlers, b.handlers)
			b.mu.Unlock()

			for _, h := range handlers {
				b.invoke(h, ev)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *EventBus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] handler panic on %s task=%s tx=%s: %v",
				ev.Kind(), ev.TaskID(), ev.EventRef().TxHash, r)
		}
	}()
	if err := h(ev); err != nil {
		log.Printf("[bus] handler error on %s task=%s tx=%s idx=%d: %v",
			ev.Kind(), ev.TaskID(), ev.EventRef().TxHash, ev.EventRef().EventIndex, err)
	}
}
