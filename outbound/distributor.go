package outbound

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/concurrent"
	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/log"
	"github.com/dermesser/clustermq/protocol"
	"github.com/dermesser/clustermq/queue"
)

// Algorithm selects how a Distributor picks among idle writers.
type Algorithm int

const (
	// Ring of writers; the writer that finished longest ago gets the next frame.
	LoadBalance Algorithm = iota
	// First idle writer in registration order. Not fair.
	FirstIdle
)

func (a Algorithm) String() string {
	if a == FirstIdle {
		return config.RotationFirstIdle
	}
	return config.RotationLoadBalance
}

// ParseAlgorithm maps a config rotation name to an Algorithm.
func ParseAlgorithm(rotation string) (Algorithm, error) {
	switch rotation {
	case config.RotationLoadBalance, "":
		return LoadBalance, nil
	case config.RotationFirstIdle:
		return FirstIdle, nil
	default:
		return 0, clustermq.NewError(clustermq.ErrInvalidArgument, "rotation", rotation)
	}
}

// Handle is one writer registered with a Distributor. Each handle has its own send
// goroutine, fed one frame at a time.
type Handle struct {
	w          FrameWriter
	t          *tomb.Tomb
	busy       concurrent.AtomicBool
	cancelled  concurrent.AtomicBool
	dispatched atomic.Int64

	frames  chan *protocol.MessageFrame
	started chan struct{}
	quit    chan struct{}
}

func (h *Handle) Writer() FrameWriter {
	return h.w
}

/*
Distributor hands the frames of one shared queue to a set of competing writers. Every frame
goes to exactly one idle writer, which is busy until its write returns. The loop does not take
the next frame before the claimed writer's send goroutine has picked up the current one, so a
writer that is idle in practice is also idle when the next pick happens.

The loop starts with the first Register and stops with the last Unregister. A frame taken
from the source while no writer remains is put back at the tail of the source. A failed
write loses its frame.
*/
type Distributor struct {
	source *concurrent.BlockingQueue[*protocol.MessageFrame]
	alg    Algorithm
	opts   Options
	idle   chan struct{}

	mu      sync.Mutex
	handles []*Handle
	ring    queue.Queue[*Handle]
	t       *tomb.Tomb
	retired []*tomb.Tomb
	closed  bool

	onError atomic.Pointer[func(*Handle, error)]
}

func NewDistributor(source *concurrent.BlockingQueue[*protocol.MessageFrame], alg Algorithm, opts Options) *Distributor {
	return &Distributor{
		source: source,
		alg:    alg,
		opts:   opts,
		idle:   make(chan struct{}, 1),
		ring:   queue.NewQueue[*Handle](8),
	}
}

// OnError sets the callback receiving write failures; it may call Unregister.
func (d *Distributor) OnError(fn func(*Handle, error)) {
	d.onError.Store(&fn)
}

func (d *Distributor) Algorithm() Algorithm {
	return d.alg
}

func (d *Distributor) Register(w FrameWriter) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, clustermq.NewError(clustermq.ErrClosed, "register", "distributor closed")
	}
	if d.t == nil {
		t := new(tomb.Tomb)
		d.t = t
		t.Go(func() error {
			return d.loop(t)
		})
	}
	h := &Handle{
		w:       w,
		t:       d.t,
		frames:  make(chan *protocol.MessageFrame, 1),
		started: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	t := d.t
	t.Go(func() error {
		d.send(t, h)
		return nil
	})
	d.handles = append(d.handles, h)
	d.ring.Push(h)
	d.signalIdle()
	return h, nil
}

// Unregister cancels h. A write in flight on h completes, but h receives no further frames.
func (d *Distributor) Unregister(h *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.cancelled.Set(true) {
		return
	}
	close(h.quit)
	for i, other := range d.handles {
		if other == h {
			d.handles = append(d.handles[:i], d.handles[i+1:]...)
			break
		}
	}
	if len(d.handles) == 0 && d.t != nil {
		d.t.Kill(nil)
		d.retired = append(pruneDead(d.retired), d.t)
		d.t = nil
		d.ring.Clear()
	}
}

// Dispatched returns the number of frames successfully written through h.
func (d *Distributor) Dispatched(h *Handle) int64 {
	return h.dispatched.Load()
}

func (d *Distributor) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// Close cancels all handles and waits for the loop and in-flight writes.
func (d *Distributor) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, h := range d.handles {
		h.cancelled.Set(true)
	}
	d.handles = nil
	d.ring.Clear()
	tombs := d.retired
	if d.t != nil {
		tombs = append(tombs, d.t)
	}
	d.t, d.retired = nil, nil
	d.mu.Unlock()

	var err error
	for _, t := range tombs {
		t.Kill(nil)
		if werr := t.Wait(); werr != nil {
			err = werr
		}
	}
	return err
}

func (d *Distributor) signalIdle() {
	select {
	case d.idle <- struct{}{}:
	default:
	}
}

// pick claims an idle writer of loop t. ok is false if t has no writers left.
// must hold d.mu
func (d *Distributor) pick(t *tomb.Tomb) (h *Handle, ok bool) {
	if d.t != t || len(d.handles) == 0 {
		return nil, false
	}
	switch d.alg {
	case FirstIdle:
		for _, h := range d.handles {
			if !h.busy.CompareExchange(true, false) {
				return h, true
			}
		}
	default:
		for n := d.ring.Len(); n > 0; n-- {
			h, _ := d.ring.Pop()
			if h.cancelled.Get() {
				continue
			}
			if !h.busy.CompareExchange(true, false) {
				return h, true
			}
			d.ring.Push(h)
		}
	}
	return nil, true
}

// claim waits until a writer is idle.
func (d *Distributor) claim(t *tomb.Tomb) *Handle {
	var ticker *time.Ticker
	for {
		d.mu.Lock()
		h, ok := d.pick(t)
		d.mu.Unlock()
		if !ok {
			return nil
		}
		if h != nil {
			return h
		}
		if ticker == nil {
			ticker = time.NewTicker(d.opts.pollInterval())
			defer ticker.Stop()
		}
		select {
		case <-t.Dying():
			return nil
		case <-d.idle:
		case <-ticker.C:
		}
	}
}

func (d *Distributor) release(h *Handle) {
	h.busy.Set(false)
	if d.alg == LoadBalance && !h.cancelled.Get() {
		d.mu.Lock()
		if d.t == h.t {
			d.ring.Push(h)
		}
		d.mu.Unlock()
	}
	d.signalIdle()
}

func (d *Distributor) loop(t *tomb.Tomb) error {
	ctx := t.Context(nil)
	for {
		if !t.Alive() {
			return nil
		}
		f, err := d.source.Dequeue(ctx)
		if err != nil {
			return nil
		}
		h := d.claim(t)
		if h == nil {
			d.source.Enqueue(f)
			return nil
		}
		h.frames <- f
		select {
		case <-h.started:
		case <-h.quit:
			// Unregistered before its goroutine took the frame.
			select {
			case f := <-h.frames:
				d.source.Enqueue(f)
			default:
			}
		case <-t.Dying():
			return nil
		}
	}
}

// send runs one handle's writes until the handle is unregistered or the loop dies.
func (d *Distributor) send(t *tomb.Tomb, h *Handle) {
	ctx := t.Context(nil)
	for {
		select {
		case <-t.Dying():
			return
		case <-h.quit:
			return
		case f := <-h.frames:
			h.started <- struct{}{}
			d.dispatch(ctx, h, f)
		}
	}
}

func (d *Distributor) dispatch(ctx context.Context, h *Handle, f *protocol.MessageFrame) {
	defer d.release(h)
	if err := h.w.WriteFrames(ctx, f); err != nil {
		if fn := d.onError.Load(); fn != nil {
			(*fn)(h, err)
		} else {
			log.Log(log.LOGLEVEL_WARNINGS, d.opts.Node, "dispatch failed:", err)
		}
		return
	}
	h.dispatched.Add(1)
	d.opts.Metrics.FramesSent(d.opts.Node, 1)
}
