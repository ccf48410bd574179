package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/inkframe/backend/internal/app/metrics"
	"github.com/inkframe/backend/internal/app/system"
	"github.com/inkframe/backend/pkg/logger"
)

// Task is one unit of background work.
type Task func(ctx context.Context)

var errPoolStopped = errors.New("generation: worker pool is not running")

var _ system.Service = (*Pool)(nil)

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
// Submissions never block: a full queue is reported as ErrBusy.
type Pool struct {
	workers int
	queue   chan Task
	log     *logger.Logger

	mu      sync.Mutex
	quit    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(workers, queueSize int, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewDefault("generation-pool")
	}
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		workers: workers,
		queue:   make(chan Task, queueSize),
		log:     log,
	}
}

func (p *Pool) Name() string { return "generation-pool" }

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	// Tasks outlive the start context; Stop cancels them explicitly.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.quit = make(chan struct{})
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(runCtx, p.quit)
	}
	p.log.WithField("workers", p.workers).WithField("queue", cap(p.queue)).Info("generation pool started")
	return nil
}

// Stop lets in-flight tasks finish and leaves queued ones unstarted. When
// ctx expires first the in-flight tasks are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.quit)
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
	cancel()

	if left := len(p.queue); left > 0 {
		p.log.WithField("queued", left).Warn("generation pool stopped with queued jobs")
	}
	p.log.Info("generation pool stopped")
	return nil
}

// TrySubmit enqueues task without blocking.
func (p *Pool) TrySubmit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errPoolStopped
	}
	select {
	case p.queue <- task:
		metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		return ErrBusy
	}
}

// Saturated reports whether the queue has no free slot.
func (p *Pool) Saturated() bool {
	return len(p.queue) >= cap(p.queue)
}

// Running reports whether the pool accepts tasks.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Pending is the number of queued tasks.
func (p *Pool) Pending() int { return len(p.queue) }

func (p *Pool) work(ctx context.Context, quit <-chan struct{}) {
	defer p.wg.Done()
	for {
		// quit wins over a ready task so Stop never starts new work.
		select {
		case <-quit:
			return
		default:
		}
		select {
		case <-quit:
			return
		case task := <-p.queue:
			metrics.SetQueueDepth(len(p.queue))
			p.run(ctx, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithError(fmt.Errorf("panic: %v", r)).Error("generation task panicked")
		}
	}()
	task(ctx)
}
