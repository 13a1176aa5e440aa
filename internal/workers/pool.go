package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-gateway/internal/observability"
)

var (
	ErrQueueFull      = errors.New("worker pool queue is full")
	ErrPoolClosed     = errors.New("worker pool is shutting down")
	ErrPoolNotRunning = errors.New("worker pool not started")
)

// WorkerPoolConfig holds configuration for the worker pool.
type WorkerPoolConfig struct {
	// NumWorkers is the number of concurrent workers to run.
	NumWorkers int

	// QueueSize is the size of the event queue buffer.
	QueueSize int

	// DrainTimeout is the maximum time to wait for queued events
	// to complete during graceful shutdown.
	DrainTimeout time.Duration
}

// DefaultWorkerPoolConfig returns sensible defaults for a worker pool.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		NumWorkers:   2,
		QueueSize:    256,
		DrainTimeout: 10 * time.Second,
	}
}

// pool implements the WorkerPool interface.
type pool struct {
	config    WorkerPoolConfig
	processor EventProcessor
	logger    *observability.Logger

	events chan EventMessage
	// quit is closed once by Drain or Stop; workers finish the queue and exit.
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	started  bool
	draining bool
	stopped  bool
	cancelFn context.CancelFunc
}

// NewWorkerPool creates a new worker pool for processing events.
func NewWorkerPool(
	config WorkerPoolConfig,
	processor EventProcessor,
	logger *observability.Logger,
) WorkerPool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultWorkerPoolConfig().NumWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultWorkerPoolConfig().QueueSize
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultWorkerPoolConfig().DrainTimeout
	}

	return &pool{
		config:    config,
		processor: processor,
		logger:    logger,
		events:    make(chan EventMessage, config.QueueSize),
		quit:      make(chan struct{}),
	}
}

// Start initializes the worker pool with N workers.
func (p *pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelFn = cancel
	p.started = true

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx, i)
	}

	p.logger.Info(ctx, fmt.Sprintf("Started %d workers for %s processor",
		p.config.NumWorkers, p.processor.Name()))

	return nil
}

func (p *pool) accepting() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotRunning
	}
	if p.draining || p.stopped {
		return ErrPoolClosed
	}
	return nil
}

// Submit adds an event to the worker pool for processing.
func (p *pool) Submit(ctx context.Context, event EventMessage) error {
	if err := p.accepting(); err != nil {
		return err
	}

	select {
	case p.events <- event:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) TrySubmit(event EventMessage) error {
	if err := p.accepting(); err != nil {
		return err
	}

	select {
	case p.events <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain stops accepting new events and waits for queued events to complete.
func (p *pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	if p.draining {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already draining")
	}
	p.draining = true
	p.mu.Unlock()

	p.logger.Info(ctx, fmt.Sprintf("Draining worker pool for %s processor, waiting for %d queued events",
		p.processor.Name(), len(p.events)))
	p.quitOnce.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, p.config.DrainTimeout)
	defer cancel()

	select {
	case <-done:
		p.logger.Info(ctx, fmt.Sprintf("Successfully drained worker pool for %s processor",
			p.processor.Name()))
		return nil
	case <-drainCtx.Done():
		p.logger.Warn(ctx, fmt.Sprintf("Drain timeout exceeded for %s processor, forcing shutdown",
			p.processor.Name()))
		p.Stop()
		return fmt.Errorf("drain timeout exceeded")
	}
}

// Stop immediately stops all workers. Queued events are dropped.
func (p *pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true

	if p.cancelFn != nil {
		p.cancelFn()
	}
	p.quitOnce.Do(func() { close(p.quit) })
}

// worker processes events until the pool quits, then finishes whatever is
// still queued.
func (p *pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	workerCtx := observability.WithFields(ctx,
		observability.Field{Key: "worker_id", Value: workerID},
		observability.Field{Key: "processor", Value: p.processor.Name()},
	)

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-p.events:
			p.process(workerCtx, workerID, event)

		case <-p.quit:
			for {
				select {
				case event := <-p.events:
					p.process(workerCtx, workerID, event)
				case <-ctx.Done():
					return
				default:
					return
				}
			}
		}
	}
}

func (p *pool) process(ctx context.Context, workerID int, event EventMessage) {
	eventCtx := observability.WithFields(ctx,
		observability.Field{Key: "event_id", Value: event.ID},
		observability.Field{Key: "event_type", Value: event.Type},
		observability.Field{Key: "call_id", Value: event.CallID},
	)

	if err := p.processor.Process(eventCtx, event); err != nil {
		p.logger.Error(eventCtx, fmt.Sprintf("Worker %d failed to process event", workerID), err)
		return
	}
	p.logger.Debug(eventCtx, fmt.Sprintf("Worker %d processed event", workerID))
}
