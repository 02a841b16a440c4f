package outbound

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/metrics"
)

const DefaultPollInterval = 10 * time.Millisecond

// Options configure a Processor or Distributor.
type Options struct {
	PollInterval time.Duration
	Metrics      *metrics.Metrics
	// Node labels metrics and log lines, e.g. "Publisher".
	Node string
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return DefaultPollInterval
}

type senderEntry struct {
	busy   concurrent.AtomicBool
	t      *tomb.Tomb
	ctx    context.Context
	cancel context.CancelFunc
}

/*
Processor drains the outbound queues of one component with a single loop.

The loop wakes every poll interval, or when a registered queue receives a frame, and starts
an asynchronous drain for every queue that has frames and is not being drained already. A
drain sends until the queue is empty, its registration is cancelled or a send fails.

The loop starts with the first Register and stops with the last Unregister.
*/
type Processor struct {
	opts Options
	wake chan struct{}

	mu      sync.Mutex
	senders map[Sender]*senderEntry
	t       *tomb.Tomb
	retired []*tomb.Tomb
	closed  bool

	onError atomic.Pointer[func(Sender, error)]
}

func NewProcessor(opts Options) *Processor {
	return &Processor{
		opts:    opts,
		wake:    make(chan struct{}, 1),
		senders: make(map[Sender]*senderEntry),
	}
}

// OnError sets the callback receiving send failures. It runs on the drain goroutine and may
// call Unregister.
func (p *Processor) OnError(fn func(Sender, error)) {
	p.onError.Store(&fn)
}

// Wake makes the loop look at all queues without waiting for the poll interval.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) Register(s Sender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return clustermq.NewError(clustermq.ErrClosed, "register", "processor closed")
	}
	if _, ok := p.senders[s]; ok {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "register", "sender already registered")
	}
	if p.t == nil {
		t := new(tomb.Tomb)
		p.t = t
		t.Go(func() error {
			return p.loop(t)
		})
	}
	ctx, cancel := context.WithCancel(p.t.Context(nil))
	p.senders[s] = &senderEntry{t: p.t, ctx: ctx, cancel: cancel}
	s.Notify(p.Wake)
	p.Wake()
	return nil
}

// Unregister cancels the drain of s, if any, and stops the loop if s was the last sender.
// It does not wait for the drain to finish.
func (p *Processor) Unregister(s Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.senders[s]
	if !ok {
		return
	}
	delete(p.senders, s)
	s.Notify(nil)
	e.cancel()
	if len(p.senders) == 0 && p.t != nil {
		p.t.Kill(nil)
		p.retired = append(pruneDead(p.retired), p.t)
		p.t = nil
	}
}

func pruneDead(ts []*tomb.Tomb) []*tomb.Tomb {
	live := ts[:0]
	for _, t := range ts {
		select {
		case <-t.Dead():
		default:
			live = append(live, t)
		}
	}
	return live
}

func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.senders)
}

// Close unregisters all senders and waits for all loops and drains to exit. It must not be
// called from an OnError callback.
func (p *Processor) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	tombs := p.retired
	if p.t != nil {
		tombs = append(tombs, p.t)
	}
	p.t, p.retired = nil, nil
	for s, e := range p.senders {
		s.Notify(nil)
		e.cancel()
	}
	p.senders = map[Sender]*senderEntry{}
	p.mu.Unlock()

	var err error
	for _, t := range tombs {
		t.Kill(nil)
		if werr := t.Wait(); werr != nil {
			err = werr
		}
	}
	return err
}

type registration struct {
	s Sender
	e *senderEntry
}

func (p *Processor) snapshot(t *tomb.Tomb) []registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]registration, 0, len(p.senders))
	for s, e := range p.senders {
		// Senders registered after a restart belong to the new loop.
		if e.t == t {
			out = append(out, registration{s, e})
		}
	}
	return out
}

func (p *Processor) loop(t *tomb.Tomb) error {
	ticker := time.NewTicker(p.opts.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
		case <-p.wake:
		}

		for _, r := range p.snapshot(t) {
			if r.e.ctx.Err() != nil || r.s.Pending() == 0 {
				continue
			}
			if r.e.busy.CompareExchange(true, false) {
				continue
			}
			r := r
			t.Go(func() error {
				p.drain(r.s, r.e)
				return nil
			})
		}
	}
}

func (p *Processor) drain(s Sender, e *senderEntry) {
	defer func() {
		e.busy.Set(false)
		if e.ctx.Err() == nil && s.Pending() > 0 {
			p.Wake()
		}
	}()

	for e.ctx.Err() == nil {
		n, err := s.Send(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				p.report(s, err)
			}
			return
		}
		if n == 0 {
			return
		}
		p.opts.Metrics.FramesSent(p.opts.Node, n)
	}
}

func (p *Processor) report(s Sender, err error) {
	if fn := p.onError.Load(); fn != nil {
		(*fn)(s, err)
		return
	}
	log.Log(log.LOGLEVEL_WARNINGS, p.opts.Node, "send failed:", err)
}
