// Package batch coalesces near-simultaneous invocations of the same step into
// batches. Each queued item is still invoked on its own; the batch shares a
// scheduling window, not an upstream request.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpipe/internal/model"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = eris.New("batch: coalescer closed")

// Config controls coalescing.
type Config struct {
	// Window is how long the first item of a batch waits for company.
	// Zero or negative disables coalescing. Default: 100ms.
	Window time.Duration

	// MaxBatchSize dispatches a batch early once it holds this many items.
	// Default: 10.
	MaxBatchSize int

	// QueueSize bounds each per-step queue. Default: 256.
	QueueSize int

	// OnBatch observes every dispatched batch.
	OnBatch func(step string, size int)
}

// DefaultConfig returns the coalescing defaults.
func DefaultConfig() Config {
	return Config{
		Window:       100 * time.Millisecond,
		MaxBatchSize: 10,
		QueueSize:    256,
	}
}

// Func is one queued invocation.
type Func func(ctx context.Context) (*model.Output, error)

type result struct {
	out *model.Output
	err error
}

type pending struct {
	ctx  context.Context
	fn   Func
	resp chan result
}

// Stats reports coalescer activity.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Batches   int64 `json:"batches"`
	Direct    int64 `json:"direct"`
}

// Coalescer owns one queue and one dispatcher goroutine per step name.
type Coalescer struct {
	cfg Config

	mu     sync.Mutex
	queues map[string]chan *pending
	closed bool

	workers  sync.WaitGroup
	inflight sync.WaitGroup

	submitted atomic.Int64
	batches   atomic.Int64
	direct    atomic.Int64
}

// New creates a coalescer. A non-positive Window yields a pass-through.
func New(cfg Config) *Coalescer {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Coalescer{
		cfg:    cfg,
		queues: make(map[string]chan *pending),
	}
}

// Submit queues fn under step and blocks until its own result is ready or
// ctx is done. When coalescing is disabled or the step queue is full, fn runs
// directly on the caller's goroutine.
func (c *Coalescer) Submit(ctx context.Context, step string, fn Func) (*model.Output, error) {
	if c.cfg.Window <= 0 {
		c.direct.Add(1)
		return fn(ctx)
	}

	p := &pending{ctx: ctx, fn: fn, resp: make(chan result, 1)}
	queued, err := c.enqueue(step, p)
	if err != nil {
		return nil, err
	}
	if !queued {
		zap.L().Debug("batch: queue full, invoking directly", zap.String("step", step))
		c.direct.Add(1)
		return fn(ctx)
	}
	c.submitted.Add(1)

	select {
	case r := <-p.resp:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue performs a non-blocking send under the lock so Close never races a
// send on a closed channel.
func (c *Coalescer) enqueue(step string, p *pending) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	q, ok := c.queues[step]
	if !ok {
		q = make(chan *pending, c.cfg.QueueSize)
		c.queues[step] = q
		c.workers.Add(1)
		go c.worker(step, q)
	}

	select {
	case q <- p:
		return true, nil
	default:
		return false, nil
	}
}

func (c *Coalescer) worker(step string, q chan *pending) {
	defer c.workers.Done()

	var (
		batch  []*pending
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		c.dispatch(step, batch)
		batch = nil
	}

	for {
		select {
		case p, ok := <-q:
			if !ok {
				flush()
				return
			}
			batch = append(batch, p)
			if len(batch) == 1 {
				timer = time.NewTimer(c.cfg.Window)
				timerC = timer.C
			}
			if len(batch) >= c.cfg.MaxBatchSize {
				flush()
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}

// dispatch runs every item of a batch concurrently under its own context and
// returns without waiting, so the next window can open immediately.
func (c *Coalescer) dispatch(step string, batch []*pending) {
	if len(batch) == 0 {
		return
	}
	c.batches.Add(1)
	if c.cfg.OnBatch != nil {
		c.cfg.OnBatch(step, len(batch))
	}

	for _, p := range batch {
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			if err := p.ctx.Err(); err != nil {
				p.resp <- result{err: err}
				return
			}
			out, err := p.fn(p.ctx)
			p.resp <- result{out: out, err: err}
		}()
	}
}

// Stats returns a snapshot of coalescer counters.
func (c *Coalescer) Stats() Stats {
	return Stats{
		Submitted: c.submitted.Load(),
		Batches:   c.batches.Load(),
		Direct:    c.direct.Load(),
	}
}

// Close stops accepting work, flushes queued items and waits for every
// dispatched invocation to finish.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, q := range c.queues {
		close(q)
	}
	c.mu.Unlock()

	c.workers.Wait()
	c.inflight.Wait()
}
