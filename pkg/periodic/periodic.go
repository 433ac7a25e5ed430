package periodic

import (
	"context"
	"sync"
	"time"

	"apiary/pkg/logging"
)

// Executor is the task run on every tick. Errors are logged, never
// propagated; the next tick still occurs.
type Executor func(ctx context.Context) error

// Periodic runs an executor on a fixed period with support for immediate
// wake-up. The executor runs once right after Start and then every period,
// or sooner when Poke is called. All runs happen on a single goroutine, so
// operations funnelled through one Periodic never interleave.
type Periodic struct {
	name     string
	period   time.Duration
	executor Executor

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// New creates a Periodic. The executor is not invoked until Start.
func New(name string, period time.Duration, executor Executor) *Periodic {
	return &Periodic{
		name:     name,
		period:   period,
		executor: executor,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the run loop. The executor runs immediately. Calling
// Start on a running Periodic is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	logging.Debug("Periodic", "Starting periodic worker: %s", p.name)
	go p.loop(runCtx)
}

// Stop terminates the run loop and waits for any in-flight execution to
// finish. Safe to call multiple times.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
	logging.Debug("Periodic", "Periodic worker finished: %s", p.name)
}

// Poke schedules an immediate run and resets the waiting period.
// Idempotent within one cycle: multiple pokes before the next run
// collapse into a single execution.
func (p *Periodic) Poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Periodic) loop(ctx context.Context) {
	defer close(p.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	// Consume the initial fire so the first run happens below without an
	// extra tick queued behind it.
	<-timer.C

	for {
		p.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		timer.Reset(p.period)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-p.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Periodic", nil, "Panic during periodic run of %s: %v", p.name, r)
		}
	}()

	if err := p.executor(ctx); err != nil {
		logging.Warn("Periodic", "Error during periodic run of %s: %v", p.name, err)
	}
}
