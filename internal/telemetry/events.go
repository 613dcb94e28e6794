package telemetry

import (
	"sync"
	"time"

	"appforge/internal/logging"

	"go.uber.org/zap"
)

// RunEvent is one observable moment in an agent run's life: a stage
// transition, a validation outcome, or an error. Events feed the live
// websocket stream and the structured log; they carry no control flow.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"` // stage, validation, error
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans RunEvents out to subscribers (the websocket stream). Publishing
// never blocks: a slow subscriber drops events rather than stalling the
// pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan RunEvent]struct{} // run ID -> subscribers
	log  *zap.Logger
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[chan RunEvent]struct{}),
		log:  logging.L().Named("telemetry"),
	}
}

// Publish delivers an event to subscribers of its run and logs it.
func (b *Bus) Publish(ev RunEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.log.Info("run event",
		zap.String("run_id", ev.RunID),
		zap.String("stage", ev.Stage),
		zap.String("kind", ev.Kind),
		zap.String("message", ev.Message))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
			// subscriber is falling behind; drop instead of blocking
		}
	}
}

// Subscribe returns a channel of events for one run, plus a cancel func.
func (b *Bus) Subscribe(runID string) (<-chan RunEvent, func()) {
	ch := make(chan RunEvent, 64)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan RunEvent]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
