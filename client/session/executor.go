package session

import "sync"

// serialExecutor runs submitted funcs one at a time, in submission order, on its
// own goroutine. Submit never blocks.
type serialExecutor struct {
	mx     sync.Mutex
	cond   *sync.Cond
	queue   []func()
	closed  bool
	running bool
	done    chan struct{}
}

func newSerialExecutor() *serialExecutor {
	e := &serialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mx)
	go e.loop()
	return e
}

func (e *serialExecutor) Submit(fn func()) {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
}

// Close stops accepting work and waits until queued funcs have run. Called
// while a func is running, which includes from inside one, it returns at once
// and the loop drains the queue on its own.
func (e *serialExecutor) Close() {
	e.mx.Lock()
	e.closed = true
	e.cond.Signal()
	running := e.running
	e.mx.Unlock()
	if !running {
		<-e.done
	}
}

func (e *serialExecutor) loop() {
	defer close(e.done)
	for {
		e.mx.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mx.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.running = true
		e.mx.Unlock()

		fn()

		e.mx.Lock()
		e.running = false
		e.mx.Unlock()
	}
}
