package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

var (
	// ErrQueueFull is returned when the pool already holds MaxPending jobs
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueClosed is returned when work is submitted after Close
	ErrQueueClosed = errors.New("queue is closed")
)

// Config sizes a Pool.
type Config struct {
	// Name appears in logs.
	Name string

	// Workers is the number of jobs run concurrently (defaults to 1).
	Workers int

	// MaxPending bounds jobs waiting for a worker (defaults to 64 per worker).
	MaxPending int
}

// Stats tracks pool activity.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Rejected  int64
	Cancelled int64
	Pending   int
	Running   int
	PeakSize  int
	TotalWait time.Duration
}

// AverageWait is the mean time a job spent queued before starting.
func (s Stats) AverageWait() time.Duration {
	started := s.Completed + s.Failed
	if started == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(started)
}

// Pool is a fixed set of workers pulling from a priority heap.
type Pool struct {
	name       string
	workers    int
	maxPending int

	mu       sync.Mutex
	notEmpty *sync.Cond
	pending  jobHeap
	seq      uint64
	closed   bool
	stats    Stats

	wg     sync.WaitGroup
	logger *log.Logger
}

type job struct {
	ctx      context.Context
	fn       func(context.Context) error
	priority ttypes.Priority
	seq      uint64
	queued   time.Time
	index    int // heap position, -1 once removed
	done     chan error
}

// NewPool starts cfg.Workers goroutines.
func NewPool(cfg Config, logger *log.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 64 * cfg.Workers
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	p := &Pool{
		name:       cfg.Name,
		workers:    cfg.Workers,
		maxPending: cfg.MaxPending,
		logger:     logger,
	}
	heap.Init(&p.pending)
	p.notEmpty = sync.NewCond(&p.mu)

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Do queues fn and blocks until it has run. The priority comes from ctx
// (see WithPriority). If ctx ends while the job is still queued the job is
// dropped and ctx.Err() returned; once started, Do waits for fn to return.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j := &job{
		ctx:      ctx,
		fn:       fn,
		priority: PriorityFrom(ctx),
		queued:   time.Now(),
		done:     make(chan error, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrQueueClosed
	}
	if p.pending.Len() >= p.maxPending {
		p.stats.Rejected++
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.seq++
	j.seq = p.seq
	heap.Push(&p.pending, j)
	p.stats.Submitted++
	if n := p.pending.Len(); n > p.stats.PeakSize {
		p.stats.PeakSize = n
	}
	p.notEmpty.Signal()
	p.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
	}

	p.mu.Lock()
	if j.index >= 0 {
		heap.Remove(&p.pending, j.index)
		p.stats.Cancelled++
		p.mu.Unlock()
		return ctx.Err()
	}
	p.mu.Unlock()
	return <-j.done
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.pending.Len() == 0 && !p.closed {
			p.notEmpty.Wait()
		}
		if p.pending.Len() == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		j := heap.Pop(&p.pending).(*job)
		p.stats.Running++
		p.stats.TotalWait += time.Since(j.queued)
		p.mu.Unlock()

		err := p.run(j)

		p.mu.Lock()
		p.stats.Running--
		if err != nil {
			p.stats.Failed++
		} else {
			p.stats.Completed++
		}
		p.mu.Unlock()
		j.done <- err
	}
}

// run calls the job, turning a panic into an error so one bad job cannot
// take a worker down.
func (p *Pool) run(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "pool", p.name, "panic", r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Pending = p.pending.Len()
	return s
}

// Close stops intake. Jobs already queued still run; Close returns once
// every worker has exited.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.notEmpty.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("pool closed", "pool", p.name)
	return nil
}

// jobHeap orders by priority (high first), then arrival.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	item := x.(*job)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
