package async

import (
	"sync"
)

// Executor runs callbacks on a context chosen by the caller, such as a
// UI thread or a single event loop.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs callbacks on whichever goroutine delivers them.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// Loop is a serial executor: callbacks run one at a time, in submission
// order, on a single goroutine owned by the loop. Execute never blocks, so
// callbacks may submit to their own loop. They must not call Close.
type Loop struct {
	mu      sync.Mutex
	wake    *sync.Cond
	pending []func()
	shut    bool
	once    sync.Once
	done    chan struct{}
}

// NewLoop starts a loop. capacity presizes the queue; the queue grows as
// needed.
func NewLoop(capacity int) *Loop {
	l := &Loop{
		pending: make([]func(), 0, max(capacity, 0)),
		done:    make(chan struct{}),
	}
	l.wake = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.pending) == 0 && !l.shut {
			l.wake.Wait()
		}
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()
		fn()
	}
}

// Execute enqueues fn. Callbacks submitted after Close are dropped.
func (l *Loop) Execute(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shut {
		return
	}
	l.pending = append(l.pending, fn)
	l.wake.Signal()
}

// Close drains pending callbacks and stops the loop.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.shut = true
		l.wake.Broadcast()
		l.mu.Unlock()
	})
	<-l.done
}
