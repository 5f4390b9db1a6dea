// Package loop provides the single event loop every piece of sync state is
// mutated on. Inbound wire events, caller operations and timer callbacks are
// all queued here and run one at a time, in submission order.
package loop

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop runs queued functions sequentially on one goroutine.
type Loop struct {
	clock  Clock
	logger *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	quit    chan struct{}
	exited  chan struct{}
	started bool
}

// New creates a loop. It does not run until Start is called.
func New(clock Clock, logger *zap.Logger) *Loop {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		clock:  clock,
		logger: logger,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started || l.closed {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	go l.run()
}

// Stop drains nothing further and waits for the loop goroutine to exit.
// Must not be called from the loop itself.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	started := l.started
	l.mu.Unlock()

	close(l.quit)
	if started {
		<-l.exited
	}
}

// Clock returns the loop's time source.
func (l *Loop) Clock() Clock { return l.clock }

// Now is shorthand for l.Clock().Now().
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Post queues fn. It returns false if the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. It returns false
// without running fn if the loop is stopped. Must not be called from the loop.
func (l *Loop) Do(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.exited:
		return false
	}
}

// Sync waits until everything queued before the call has run.
func (l *Loop) Sync() {
	l.Do(func() {})
}

func (l *Loop) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				select {
				case <-l.quit:
					return
				default:
				}
				l.exec(fn)
			}
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Timer is a cancellable callback scheduled onto the loop. AfterFunc and
// Stop must be called on the loop; once Stop returns the callback will not
// run, even if the underlying clock already fired and queued it.
type Timer struct {
	loop    *Loop
	stopper Stopper
	stopped bool
	fired   bool
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}
	t.stopper = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// Stop cancels the timer. It reports whether the callback was still pending.
// Safe on a nil Timer.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.stopper.Stop()
	return true
}

// Active reports whether the callback is still pending.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped && !t.fired
}
