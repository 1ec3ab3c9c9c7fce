package daemon

// Loop is the single cooperative task every component's deferred work runs
// on (§5: "The core is single-threaded cooperative... concurrency is
// expressed by deferred callbacks"). Timers, the CIB client, the peer
// transport, and the IPC server all do their actual blocking I/O on their
// own goroutines, but never touch the store or other shared state directly
// — they hand a closure to Loop.Submit and the closure runs serialized with
// everything else on Loop.Run's goroutine.
type Loop struct {
	tasks chan func()
	done  chan struct{}
}

// NewLoop creates a Loop with the given pending-task buffer size.
func NewLoop(buffer int) *Loop {
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Submit schedules fn to run on the loop's goroutine. Safe to call from any
// goroutine, including from within a task already running on the loop.
func (l *Loop) Submit(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Run drains tasks until Stop is called. Intended to be the daemon's main
// goroutine for its entire lifetime.
func (l *Loop) Run() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			return
		}
	}
}

// Stop ends Run. Any tasks still queued are dropped.
func (l *Loop) Stop() {
	close(l.done)
}
