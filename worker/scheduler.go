package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/metrics"
)

const DefaultMaxIdle = 30 * time.Second

type job struct {
	ctx     context.Context
	w       Worker
	request any
	state   any
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxIdle sets how long a goroutine waits for work before it may retire.
func WithMaxIdle(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxIdle = d
		}
	}
}

// WithCompleted sets the callback receiving every successful response with the state
// passed to AddWorker. It runs on the worker goroutine.
func WithCompleted(fn func(response, state any)) Option {
	return func(s *Scheduler) {
		s.completed = fn
	}
}

// WithFailed sets the callback receiving handler errors and recovered panics.
func WithFailed(fn func(err error, state any)) Option {
	return func(s *Scheduler) {
		s.failed = fn
	}
}

// WithMetrics exports the goroutine gauges under the label pool=name.
func WithMetrics(m *metrics.Metrics, name string) Option {
	return func(s *Scheduler) {
		s.metrics = m
		s.name = name
	}
}

/*
Scheduler runs work units on an elastic pool of goroutines.

min goroutines start immediately and never retire. When queued units outnumber the idle
goroutines, one more is started, up to max. A goroutine above min retires after
waiting MaxIdle for work. Both changes of the live count are CAS loops, so the count stays
within [min, max] at every instant.
*/
type Scheduler struct {
	min, max int32
	maxIdle  time.Duration

	jobs    *concurrent.BlockingQueue[job]
	threads atomic.Int32
	busy    atomic.Int32

	completed func(response, state any)
	failed    func(err error, state any)

	metrics *metrics.Metrics
	name    string
	gauges  []prometheus.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// AddWorker enqueues and spawns under the read lock, so nothing is added once Close holds it.
	mu     sync.RWMutex
	closed concurrent.AtomicBool
}

// NewScheduler validates 0 <= min <= max and max >= 1, then starts min goroutines.
func NewScheduler(min, max int, opts ...Option) (*Scheduler, error) {
	if min < 0 || max < 1 || max < min {
		return nil, clustermq.NewError(clustermq.ErrOutOfRange, "new scheduler",
			fmt.Sprintf("invalid worker bounds min=%d max=%d", min, max))
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		min:     int32(min),
		max:     int32(max),
		maxIdle: DefaultMaxIdle,
		jobs:    concurrent.NewBlockingQueue[job](),
		ctx:     ctx,
		cancel:  cancel,
		name:    "default",
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.registerGauges(); err != nil {
		cancel()
		return nil, err
	}

	s.threads.Store(s.min)
	for i := int32(0); i < s.min; i++ {
		s.spawn()
	}
	return s, nil
}

func (s *Scheduler) registerGauges() error {
	if s.metrics == nil {
		return nil
	}
	labels := prometheus.Labels{"pool": s.name}
	workers, err := s.metrics.RegisterGaugeFunc("worker_goroutines", "Live worker goroutines.", labels,
		func() float64 { return float64(s.CurrentWorkerThreadCount()) })
	if err != nil {
		return err
	}
	busy, err := s.metrics.RegisterGaugeFunc("busy_worker_goroutines", "Worker goroutines executing a request.", labels,
		func() float64 { return float64(s.CurrentBusyThreadCount()) })
	if err != nil {
		s.metrics.Unregister(workers)
		return err
	}
	s.gauges = []prometheus.Collector{workers, busy}
	return nil
}

func (s *Scheduler) CurrentWorkerThreadCount() int {
	return int(s.threads.Load())
}

func (s *Scheduler) CurrentBusyThreadCount() int {
	return int(s.busy.Load())
}

// Pending returns the number of queued work units not yet picked up.
func (s *Scheduler) Pending() int {
	return s.jobs.Len()
}

/*
AddWorker queues one work unit. ctx is passed to w.Respond; state is handed back to the
completed or failed callback.
*/
func (s *Scheduler) AddWorker(ctx context.Context, w Worker, request, state any) error {
	if w == nil {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "add worker", "nil worker")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.RLock()
	if s.closed.Get() {
		s.mu.RUnlock()
		return clustermq.NewError(clustermq.ErrClosed, "add worker", "scheduler closed")
	}
	s.jobs.Enqueue(job{ctx: ctx, w: w, request: request, state: state})
	s.grow()
	s.mu.RUnlock()
	return nil
}

// grow starts one goroutine if queued units outnumber idle goroutines and the pool is
// below max.
func (s *Scheduler) grow() {
	for {
		n := s.threads.Load()
		if n >= s.max || s.ctx.Err() != nil || int(n-s.busy.Load()) >= s.jobs.Len() {
			return
		}
		if s.threads.CompareAndSwap(n, n+1) {
			log.Log(log.LOGLEVEL_DEBUG, "worker pool", s.name, "grows to", n+1)
			s.spawn()
			return
		}
	}
}

// tryRetire gives up one live slot unless that would drop below min.
func (s *Scheduler) tryRetire() bool {
	for {
		n := s.threads.Load()
		if n <= s.min {
			return false
		}
		if s.threads.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// spawn starts a goroutine; its slot in threads must already be counted.
func (s *Scheduler) spawn() {
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		if s.ctx.Err() != nil {
			s.threads.Add(-1)
			return
		}
		j, ok, err := s.jobs.DequeueTimeout(s.ctx, s.maxIdle)
		if err != nil {
			s.threads.Add(-1)
			return
		}
		if !ok {
			if s.tryRetire() {
				log.Log(log.LOGLEVEL_DEBUG, "worker pool", s.name, "shrinks to", s.threads.Load())
				// A unit may have arrived between the timeout and the retirement.
				if s.jobs.Len() > 0 && !s.closed.Get() {
					s.grow()
				}
				return
			}
			continue
		}
		s.execute(j)
	}
}

func (s *Scheduler) execute(j job) {
	s.busy.Add(1)
	defer s.busy.Add(-1)
	s.grow()

	response, err := s.respond(j)
	if err != nil {
		if s.failed != nil {
			s.failed(err, j.state)
		} else {
			log.Log(log.LOGLEVEL_WARNINGS, "worker pool", s.name, "handler failed:", err)
		}
		return
	}
	if s.completed != nil {
		s.completed(response, j.state)
	}
}

func (s *Scheduler) respond(j job) (response any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return j.w.Respond(j.ctx, j.request)
}

/*
Close wakes all idle goroutines and waits for them to exit. Running units are not
interrupted. Units still queued are handed to the failed callback with ErrClosed.
*/
func (s *Scheduler) Close() error {
	s.mu.Lock()
	already := s.closed.Set(true)
	s.mu.Unlock()
	if already {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	var err error
	for _, j := range s.jobs.Drain() {
		cerr := clustermq.NewError(clustermq.ErrClosed, "worker", "scheduler closed before execution")
		if s.failed != nil {
			s.failed(cerr, j.state)
		} else {
			err = multierr.Append(err, cerr)
		}
	}
	for _, g := range s.gauges {
		s.metrics.Unregister(g)
	}
	return err
}
