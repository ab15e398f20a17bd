package server

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrPoolStopped is returned by Do after Stop.
var ErrPoolStopped = errors.New("server: worker pool stopped")

// job is a unit of work handed to a worker goroutine.
type job struct {
	fn   func()
	done chan error
}

// Pool bounds how many runs execute at once. Each run gets its own VM, so
// workers share nothing but the queue.
type Pool struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewPool starts n worker goroutines. n <= 0 selects GOMAXPROCS.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		jobs: make(chan job),
		quit: make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			j.done <- p.execute(j.fn)
		case <-p.quit:
			return
		}
	}
}

// execute runs fn, recovering from panics.
func (p *Pool) execute(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("server: run panicked: %v", r)
		}
	}()
	fn()
	return nil
}

// Do waits for a free worker, runs fn on it and blocks until fn returns.
// It gives up without running fn if ctx is done first.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolStopped
	}
	return <-j.done
}

// Stop shuts the workers down once their current runs finish.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
