package jobs

import (
	"context"
	"fmt"
	"sync"

	"appforge/pkg/models"
)

// Handler processes a single deferred job of one operation type. Handlers
// must return ErrRateLimited or ErrCircuitOpen unchanged when admission is
// denied so the queue can release the claim without burning an attempt.
type Handler func(ctx context.Context, job *models.PendingJob) error

// Dispatcher routes swept jobs to the handler registered for their operation
// type. It satisfies the queue's Executor interface.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to an operation type. Registering the same type
// twice replaces the earlier handler.
func (d *Dispatcher) Register(operationType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[operationType] = h
}

// ExecuteJob implements Executor.
func (d *Dispatcher) ExecuteJob(ctx context.Context, job *models.PendingJob) error {
	d.mu.RLock()
	h, ok := d.handlers[job.OperationType]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for operation type %q", job.OperationType)
	}
	return h(ctx, job)
}
