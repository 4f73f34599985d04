package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/event"
)

// sinkFunc submits one batch. Implementations split the batch into service
// requests and pass each one to batcher.submit.
type sinkFunc func(ctx context.Context, batch []event.Event) error

// batcher is the bounded queue and background flusher shared by the cloud
// destinations. When the queue is full the oldest event is dropped; Write never
// blocks on the network.
type batcher struct {
	name   string
	cfg    config.DeliveryConfig
	policy retryPolicy
	sink   sinkFunc

	obsMu sync.RWMutex
	obs   Observer

	mu     sync.Mutex
	queue  []event.Event
	closed bool

	// sendSem serializes batch submission between the worker and Flush.
	sendSem chan struct{}

	// cancelWorker aborts the worker's in-progress drain, if any.
	workerMu     sync.Mutex
	cancelWorker context.CancelFunc

	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
}

func newBatcher(name string, cfg config.DeliveryConfig, sink sinkFunc) *batcher {
	return &batcher{
		name:    name,
		cfg:     cfg,
		policy:  newRetryPolicy(cfg),
		sink:    sink,
		obs:     nopObserver{},
		queue:   make([]event.Event, 0, cfg.BatchSize),
		kick:    make(chan struct{}, 1),
		sendSem: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (b *batcher) setObserver(o Observer) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.obs = o
}

func (b *batcher) observer() Observer {
	b.obsMu.RLock()
	defer b.obsMu.RUnlock()
	return b.obs
}

// start launches the background flusher. It is called from Initialize.
func (b *batcher) start() {
	if b.started.CompareAndSwap(false, true) {
		go b.run()
	}
}

func (b *batcher) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		case <-b.kick:
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-b.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		b.setWorkerCancel(cancel)
		// Errors are already reported to the observer.
		_ = b.drain(ctx)
		b.setWorkerCancel(nil)
		cancel()
	}
}

func (b *batcher) setWorkerCancel(cancel context.CancelFunc) {
	b.workerMu.Lock()
	b.cancelWorker = cancel
	b.workerMu.Unlock()
}

// abortWorker cancels the worker's current drain. Its in-flight batch is
// dropped as shutdown.
func (b *batcher) abortWorker() {
	b.workerMu.Lock()
	cancel := b.cancelWorker
	b.workerMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// enqueue adds ev, dropping the oldest queued event when full.
func (b *batcher) enqueue(ev event.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errClosed
	}
	dropped := 0
	if len(b.queue) >= b.cfg.QueueSize {
		dropped = len(b.queue) - b.cfg.QueueSize + 1
		b.queue = append(b.queue[:0], b.queue[dropped:]...)
	}
	b.queue = append(b.queue, ev)
	full := len(b.queue) >= b.cfg.BatchSize
	b.mu.Unlock()

	if dropped > 0 {
		b.observer().Dropped(b.name, ReasonQueueFull, dropped)
	}
	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// take removes up to BatchSize events from the head of the queue.
func (b *batcher) take() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	if n == 0 {
		return nil
	}
	if n > b.cfg.BatchSize {
		n = b.cfg.BatchSize
	}
	batch := make([]event.Event, n)
	copy(batch, b.queue[:n])
	b.queue = append(b.queue[:0], b.queue[n:]...)
	return batch
}

func (b *batcher) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// drain submits queued batches until the queue is empty or ctx ends. Waiting
// for another drain to finish is also bounded by ctx.
func (b *batcher) drain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.sendSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.sendSem }()

	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		batch := b.take()
		if len(batch) == 0 {
			return errors.Join(errs...)
		}
		if err := b.sink(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
}

// submit sends one request of n events through the retry policy. On
// exhaustion the events are counted as dropped and a *WriteError is returned.
// Every submitted event is accounted for exactly once, so batches are never requeued.
func (b *batcher) submit(ctx context.Context, n int, fn func(ctx context.Context) error) error {
	attempts, err := b.policy.do(ctx, fn)
	if err == nil {
		return nil
	}
	werr := &WriteError{Destination: b.name, Attempts: attempts, Err: err}
	reason := ReasonRetryExhausted
	if ctx.Err() != nil {
		reason = ReasonShutdown
	}
	obs := b.observer()
	obs.Dropped(b.name, reason, n)
	obs.WriteFailed(b.name, werr)
	return werr
}

// flush drains the queue synchronously, bounded by ctx. When ctx ends first the
// worker's own drain is aborted too, so nothing keeps retrying past the deadline.
func (b *batcher) flush(ctx context.Context) error {
	if err := b.drain(ctx); err != nil {
		if ctx.Err() != nil {
			b.abortWorker()
		}
		return &FlushError{Destination: b.name, Err: err}
	}
	return nil
}

// close stops the worker, waits for it to exit and drops whatever is still queued.
func (b *batcher) close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		remaining := len(b.queue)
		b.queue = nil
		b.mu.Unlock()

		close(b.stop)
		if remaining > 0 {
			b.observer().Dropped(b.name, ReasonShutdown, remaining)
		}
	})
	if b.started.Load() {
		<-b.done
	}
}

type nopObserver struct{}

func (nopObserver) Dropped(string, string, int) {}
func (nopObserver) WriteFailed(string, error)   {}
