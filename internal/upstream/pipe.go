package upstream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Pipe turns a push-based producer into a pull-based Stream. The producer
// calls Emit for each fragment and exactly one of Finish or Fail; the
// consumer calls Next until it returns an error.
type Pipe struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Fragment

	mu      sync.Mutex
	err     error
	summary *Summary
	done    chan struct{}
	once    sync.Once

	closeOnce sync.Once
	onClose   func()
}

// NewPipe returns a Pipe whose buffer holds size fragments. Closing the pipe
// cancels the derived context, which the producer should watch.
func NewPipe(ctx context.Context, size int) *Pipe {
	if size < 0 {
		size = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pipe{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan Fragment, size),
		done:   make(chan struct{}),
	}
}

// Context is cancelled when the consumer closes the pipe.
func (p *Pipe) Context() context.Context { return p.ctx }

// OnClose registers fn to run once when the pipe is closed.
func (p *Pipe) OnClose(fn func()) { p.onClose = fn }

// Emit hands a fragment to the consumer, blocking while the buffer is full.
// It returns the context error if the consumer went away.
func (p *Pipe) Emit(f Fragment) error {
	select {
	case p.ch <- f:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Finish ends the stream normally. summary may be nil.
func (p *Pipe) Finish(summary *Summary) {
	p.end(summary, io.EOF)
}

// Fail ends the stream with err.
func (p *Pipe) Fail(err error) {
	if err == nil {
		err = errors.New("upstream stream failed")
	}
	p.end(nil, err)
}

func (p *Pipe) end(summary *Summary, err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.summary = summary
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Next returns the next fragment. Buffered fragments are delivered before
// the terminal error.
func (p *Pipe) Next() (Fragment, error) {
	select {
	case f := <-p.ch:
		return f, nil
	default:
	}
	select {
	case f := <-p.ch:
		return f, nil
	case <-p.done:
		select {
		case f := <-p.ch:
			return f, nil
		default:
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return Fragment{}, p.err
	case <-p.ctx.Done():
		return Fragment{}, wrapError(p.ctx, p.ctx.Err())
	}
}

func (p *Pipe) Summary() (*Summary, error) {
	select {
	case <-p.done:
	default:
		return nil, ErrNoSummary
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.summary == nil {
		return nil, ErrNoSummary
	}
	return p.summary, nil
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}
