package escalation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fieldops/internal/model"
)

// Notifier receives every escalation event. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, evt model.EscalationEvent) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, evt model.EscalationEvent) error

func (f NotifierFunc) Notify(ctx context.Context, evt model.EscalationEvent) error {
	return f(ctx, evt)
}

// WorkerAllocator receives reassignment requests when a building enters the
// emergency protocol.
type WorkerAllocator interface {
	RequestReassignment(ctx context.Context, req model.ReassignmentRequest) error
}

type job struct {
	kind       string
	buildingID string
	run        func(ctx context.Context) error
}

// dispatcher delivers side effects on a single background goroutine so state
// transitions never wait on collaborators. A full buffer drops the job.
type dispatcher struct {
	jobs    chan job
	timeout time.Duration
	logger  *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
	started   bool
	mu        sync.Mutex
}

func newDispatcher(buffer int, timeout time.Duration, logger *slog.Logger) *dispatcher {
	if buffer < 1 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &dispatcher{
		jobs:    make(chan job, buffer),
		timeout: timeout,
		logger:  logger,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (d *dispatcher) enqueue(j job) {
	select {
	case d.jobs <- j:
	default:
		d.logger.Warn("escalation dispatch buffer full, dropping",
			"kind", j.kind,
			"building_id", j.buildingID,
		)
	}
}

func (d *dispatcher) start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.mu.Lock()
		d.started = true
		d.mu.Unlock()
		go d.loop(ctx)
	})
}

func (d *dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case j := <-d.jobs:
			d.run(ctx, j)
		case <-ctx.Done():
			d.drain(ctx)
			return
		case <-d.quit:
			d.drain(ctx)
			return
		}
	}
}

func (d *dispatcher) drain(ctx context.Context) {
	for {
		select {
		case j := <-d.jobs:
			d.run(ctx, j)
		default:
			return
		}
	}
}

func (d *dispatcher) run(ctx context.Context, j job) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := j.run(runCtx); err != nil {
		d.logger.Warn("escalation dispatch failed",
			"kind", j.kind,
			"building_id", j.buildingID,
			"error", err,
		)
	}
}

// stop flushes queued jobs and waits for the worker to exit.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.quit) })
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.done
	}
}
