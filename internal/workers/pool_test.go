package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voice-gateway/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockProcessor is a test implementation of EventProcessor
type mockProcessor struct {
	name           string
	processedCount atomic.Int32
	processingTime time.Duration
	processedIDs   []string
	mu             sync.Mutex
	block          chan struct{}
	onProcess      func(event EventMessage) error
}

func newMockProcessor(name string, processingTime time.Duration) *mockProcessor {
	return &mockProcessor{
		name:           name,
		processingTime: processingTime,
		processedIDs:   make([]string, 0),
	}
}

func (m *mockProcessor) Process(ctx context.Context, event EventMessage) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.processingTime > 0 {
		time.Sleep(m.processingTime)
	}

	m.mu.Lock()
	m.processedIDs = append(m.processedIDs, event.ID)
	m.mu.Unlock()
	m.processedCount.Add(1)

	if m.onProcess != nil {
		return m.onProcess(event)
	}
	return nil
}

func (m *mockProcessor) Name() string {
	return m.name
}

func (m *mockProcessor) getProcessedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.processedIDs))
	copy(result, m.processedIDs)
	return result
}

func testLogger() *observability.Logger {
	return observability.NewFromZap(zap.NewNop())
}

func TestPoolProcessesSubmittedEvents(t *testing.T) {
	t.Parallel()

	processor := newMockProcessor("test", 0)
	p := NewWorkerPool(WorkerPoolConfig{NumWorkers: 3, QueueSize: 10}, processor, testLogger())
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), EventMessage{ID: fmt.Sprintf("evt-%d", i)}))
	}
	require.NoError(t, p.Drain(context.Background()))

	assert.Equal(t, int32(20), processor.processedCount.Load())
	assert.Len(t, processor.getProcessedIDs(), 20)
}

func TestPoolDrainFinishesQueuedEvents(t *testing.T) {
	t.Parallel()

	processor := newMockProcessor("test", 10*time.Millisecond)
	p := NewWorkerPool(WorkerPoolConfig{NumWorkers: 1, QueueSize: 5}, processor, testLogger())
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, p.TrySubmit(EventMessage{ID: fmt.Sprintf("evt-%d", i)}))
	}
	require.NoError(t, p.Drain(context.Background()))

	assert.Equal(t, []string{"evt-0", "evt-1", "evt-2", "evt-3", "evt-4"}, processor.getProcessedIDs())
	assert.ErrorIs(t, p.TrySubmit(EventMessage{ID: "late"}), ErrPoolClosed)
	assert.ErrorIs(t, p.Submit(context.Background(), EventMessage{ID: "late"}), ErrPoolClosed)
}

func TestPoolTrySubmitReportsFullQueue(t *testing.T) {
	t.Parallel()

	processor := newMockProcessor("test", 0)
	processor.block = make(chan struct{})
	p := NewWorkerPool(WorkerPoolConfig{NumWorkers: 1, QueueSize: 1}, processor, testLogger())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	// The worker takes the first event and blocks; the second fills the queue.
	require.NoError(t, p.TrySubmit(EventMessage{ID: "evt-0"}))
	require.Eventually(t, func() bool {
		return p.TrySubmit(EventMessage{ID: "evt-1"}) == nil
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, p.TrySubmit(EventMessage{ID: "evt-2"}), ErrQueueFull)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, EventMessage{ID: "evt-3"}), context.DeadlineExceeded)

	close(processor.block)
}

func TestPoolDrainTimeout(t *testing.T) {
	t.Parallel()

	processor := newMockProcessor("slow", 0)
	processor.block = make(chan struct{})
	p := NewWorkerPool(WorkerPoolConfig{NumWorkers: 1, QueueSize: 1, DrainTimeout: 20 * time.Millisecond}, processor, testLogger())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.TrySubmit(EventMessage{ID: "evt-0"}))

	err := p.Drain(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain timeout exceeded")
	assert.Equal(t, int32(0), processor.processedCount.Load())
}

func TestPoolLifecycleErrors(t *testing.T) {
	t.Parallel()

	p := NewWorkerPool(WorkerPoolConfig{}, newMockProcessor("test", 0), testLogger())
	assert.ErrorIs(t, p.TrySubmit(EventMessage{ID: "evt-0"}), ErrPoolNotRunning)
	assert.ErrorIs(t, p.Drain(context.Background()), ErrPoolNotRunning)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))

	p.Stop()
	p.Stop()
	assert.ErrorIs(t, p.TrySubmit(EventMessage{ID: "evt-1"}), ErrPoolClosed)
}

func TestNewWorkerPoolDefaults(t *testing.T) {
	t.Parallel()

	p := NewWorkerPool(WorkerPoolConfig{}, newMockProcessor("test", 0), testLogger()).(*pool)
	defaults := DefaultWorkerPoolConfig()
	assert.Equal(t, defaults.NumWorkers, p.config.NumWorkers)
	assert.Equal(t, defaults.QueueSize, cap(p.events))
	assert.Equal(t, defaults.DrainTimeout, p.config.DrainTimeout)
}
