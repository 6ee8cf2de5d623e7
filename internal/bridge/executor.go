package bridge

import (
	"sync"

	"go.uber.org/zap"
)

// UIExecutor runs posted work on one goroutine in FIFO order. It plays the
// role of the WebView's UI thread: every native-to-page call goes through it.
type UIExecutor struct {
	log     *zap.Logger
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// NewUIExecutor starts the executor goroutine.
func NewUIExecutor(log *zap.Logger) *UIExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &UIExecutor{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

// Post enqueues fn. It never blocks; work posted after Stop is dropped.
func (e *UIExecutor) Post(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.log.Debug("ui executor stopped; dropping task")
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop drops queued work and ends the goroutine once the running task returns.
func (e *UIExecutor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.queue = nil
	e.mu.Unlock()
	close(e.done)
}

// Stopped reports whether Stop was called.
func (e *UIExecutor) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *UIExecutor) loop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			if e.stopped || len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			fn := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()
			e.run(fn)
		}
	}
}

func (e *UIExecutor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("ui task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
