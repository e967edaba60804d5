package client

import "sync"

// loop runs tasks one at a time on a single goroutine. post never blocks, so
// it is safe to call while holding other locks.
type loop struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	stopOnce sync.Once
	wake     chan struct{}
	done     chan struct{}
	exit     chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		exit: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.exit)
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.tasks) == 0 {
				l.mu.Unlock()
				break
			}
			task := l.tasks[0]
			l.tasks[0] = nil
			l.tasks = l.tasks[1:]
			l.mu.Unlock()
			task()
		}
	}
}

func (l *loop) post(f func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs f on the loop and waits for it. It reports false if the loop has
// stopped. It must not be called from the loop itself.
func (l *loop) do(f func()) bool {
	ran := make(chan struct{})
	if !l.post(func() {
		f()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.exit:
		return false
	}
}

// stop runs the tasks already queued, then stops the loop.
func (l *loop) stop() {
	l.stopOnce.Do(func() {
		flushed := make(chan struct{})
		if l.post(func() { close(flushed) }) {
			<-flushed
		}
		l.mu.Lock()
		l.closed = true
		l.tasks = nil
		l.mu.Unlock()
		close(l.done)
	})
	<-l.exit
}
