package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a notification emitted by the memory store, swarm router or workflow executor.
type Type string

const (
	MemoryArchived      Type = "memory.archived"
	MemoryConsolidated  Type = "memory.consolidated"
	MemoryPruned        Type = "memory.pruned"
	SwarmMetricsUpdated Type = "swarm.metrics_updated"
	SwarmAgentAdded     Type = "swarm.agent_added"
	SwarmAgentRemoved   Type = "swarm.agent_removed"
	TemplateRegistered  Type = "workflow.template_registered"
	TaskCompleted       Type = "task.completed"
)

// Event is a single notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Listener receives events synchronously on the publisher's goroutine.
type Listener func(Event)

type subscription struct {
	types    map[Type]bool
	listener Listener
}

// Bus fans events out to registered listeners. A nil *Bus discards events.
type Bus struct {
	subs   map[int]subscription
	next   int
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]subscription), logger: logger}
}

// Subscribe registers l for the given types, or for every type when none are
// given. The returned func removes the subscription.
func (b *Bus) Subscribe(l Listener, types ...Type) func() {
	sub := subscription{listener: l}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish stamps e and delivers it to every matching listener. Callers emit
// only after the state change the event describes has been applied.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]Listener, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[e.Type] {
			targets = append(targets, s.listener)
		}
	}
	b.mu.RUnlock()

	for _, l := range targets {
		b.deliver(l, e)
	}
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.String("type", string(e.Type)),
				zap.Any("panic", r))
		}
	}()
	l(e)
}
