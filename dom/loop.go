package dom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Poster schedules work on the goroutine that owns a document.
type Poster interface {
	Post(fn func())
}

// Loop runs posted tasks one at a time on a single goroutine and delivers
// mutation records after each task. It is the only goroutine allowed to
// touch its Document.
type Loop struct {
	doc    *Document
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

// NewLoop creates a loop for doc. Call Run to start it.
func NewLoop(doc *Document, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		doc:    doc,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Document returns the document owned by the loop.
func (l *Loop) Document() *Document { return l.doc }

// Post queues fn. It never blocks. Tasks posted after Run returned are
// dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call posts fn and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes tasks until ctx is cancelled. Blocks.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.run(fn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop: task panicked", "panic", fmt.Sprint(r))
		}
		l.doc.DeliverMutations()
	}()
	fn()
}

// Inline is a Poster that runs tasks immediately on the calling goroutine,
// then delivers mutations. For single-goroutine hosts and tests.
type Inline struct {
	Doc *Document
}

// Post runs fn now.
func (p Inline) Post(fn func()) {
	fn()
	if p.Doc != nil {
		p.Doc.DeliverMutations()
	}
}
