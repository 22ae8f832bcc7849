package server

import (
	"errors"
	"fmt"

	"github.com/chazu/tapir/vm"
)

// ErrWorkerStopped is returned for work submitted to a stopped worker.
var ErrWorkerStopped = errors.New("engine worker stopped")

// engineRequest represents a unit of work to be executed on the engine
// goroutine.
type engineRequest struct {
	fn   func(vm.Engine) interface{}
	done chan engineResult
}

// engineResult holds the return value from an engine operation.
type engineResult struct {
	value interface{}
	err   error
}

// EngineWorker serializes engine access through a single goroutine. Handlers
// for one session go through its worker, so concurrent requests observe one
// engine operation at a time and a panic inside a handler closure cannot
// take the server down.
type EngineWorker struct {
	engine   vm.Engine
	requests chan engineRequest
	quit     chan struct{}
}

// NewEngineWorker creates an EngineWorker and starts the processing
// goroutine.
func NewEngineWorker(eng vm.Engine) *EngineWorker {
	w := &EngineWorker{
		engine:   eng,
		requests: make(chan engineRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes engine requests sequentially on a dedicated goroutine.
func (w *EngineWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the engine, recovering from panics.
func (w *EngineWorker) execute(fn func(vm.Engine) interface{}) engineResult {
	var result engineResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn(w.engine)
	}()
	return result
}

// Do submits a function for execution on the engine goroutine and blocks
// until it completes. Returns the result and any error (including panics).
func (w *EngineWorker) Do(fn func(vm.Engine) interface{}) (interface{}, error) {
	req := engineRequest{
		fn:   fn,
		done: make(chan engineResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *EngineWorker) Stop() {
	close(w.quit)
}

// Engine returns the underlying engine for subscription access; the state
// hub is safe for concurrent use without the worker.
func (w *EngineWorker) Engine() vm.Engine {
	return w.engine
}
