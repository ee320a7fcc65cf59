// Package engine provides a goroutine-owned inference channel around an ONNX
// session. Callers submit tensors with explicit request identifiers and the
// engine correlates completions back to them, so several inferences can be in
// flight at once without any ordering assumption between submit and complete.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tandanlab/tandan/internal/mempool"
)

// State describes the lifecycle of an inference engine.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotInitialized is returned when Infer is called before Init has
	// completed successfully. Callers fail fast instead of queueing.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrTerminated is returned by Infer after Close, until a fresh Init
	// brings the engine back up.
	ErrTerminated = errors.New("engine terminated")
)

// FatalError marks an inference failure that invalidates the session. The
// engine fails all pending requests and drops back to uninitialized; callers
// must Init again before submitting more work.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal inference error: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a session-invalidating failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Runner executes model inference. Implementations are owned by a single
// engine; the engine serializes calls onto one worker goroutine per engine.
type Runner interface {
	Load(ctx context.Context) error
	Run(input []float32, shape []int64) ([]float32, []int64, error)
	Close() error
}

// Result is the output of a completed inference.
type Result struct {
	Output []float32
	Shape  []int64
}

type request struct {
	id    string
	input []float32
	shape []int64
}

type response struct {
	result Result
	err    error
}

// Options configure an Engine.
type Options struct {
	// Name tags log lines and metrics for this engine.
	Name string
	// QueueSize bounds the dispatch channel between callers and the worker.
	QueueSize int
	Logger    *slog.Logger
}

// Engine owns a Runner and mediates all access to it through a request
// channel. Input buffers passed to Infer are moved into the engine: the
// caller must not touch them afterwards, and the engine returns them to the
// shared pool once the runner has consumed them.
type Engine struct {
	runner Runner
	name   string
	queue  int
	log    *slog.Logger

	mu       sync.Mutex
	state    State
	initDone chan struct{}
	initErr  error
	pending  map[string]chan response
	requests chan request
	quit     chan struct{}
	wg       sync.WaitGroup
}

// New creates an engine in the uninitialized state. No model is loaded until
// Init is called.
func New(runner Runner, opts Options) *Engine {
	if opts.Name == "" {
		opts.Name = "engine"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runner:  runner,
		name:    opts.Name,
		queue:   opts.QueueSize,
		log:     logger.With("engine", opts.Name),
		pending: make(map[string]chan response),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Init loads the model and starts the worker. Concurrent calls coalesce onto
// a single load: only the first caller triggers it, the rest wait for the
// same outcome. A failed load returns the engine to uninitialized so a later
// call can retry.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateReady:
		e.mu.Unlock()
		return nil
	case StateInitializing:
		done := e.initDone
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		e.mu.Lock()
		err := e.initErr
		e.mu.Unlock()
		return err
	case StateUninitialized, StateTerminated:
		// Terminated engines come back up with a fresh load.
	}

	done := make(chan struct{})
	e.state = StateInitializing
	e.initDone = done
	e.initErr = nil
	e.mu.Unlock()

	initsTotal.WithLabelValues(e.name).Inc()
	e.log.Info("loading model")

	go e.load(done)

	select {
	case <-ctx.Done():
		// The load keeps going; a follow-up Init observes its outcome.
		return ctx.Err()
	case <-done:
	}
	e.mu.Lock()
	err := e.initErr
	e.mu.Unlock()
	return err
}

func (e *Engine) load(done chan struct{}) {
	err := e.runner.Load(context.Background())

	e.mu.Lock()
	if e.state == StateTerminated {
		// Closed while loading. Release the session if it came up.
		e.mu.Unlock()
		if err == nil {
			if cerr := e.runner.Close(); cerr != nil {
				e.log.Warn("closing runner after late load", "error", cerr)
			}
		}
		close(done)
		return
	}
	if e.initDone != done {
		// A Close and re-Init raced past this load; the newer load owns
		// the runner now.
		e.mu.Unlock()
		close(done)
		return
	}
	if err != nil {
		e.state = StateUninitialized
		e.initErr = fmt.Errorf("model load failed: %w", err)
		e.mu.Unlock()
		e.log.Error("model load failed", "error", err)
		close(done)
		return
	}
	e.state = StateReady
	e.requests = make(chan request, e.queue)
	e.quit = make(chan struct{})
	e.wg.Add(1)
	go e.run(e.requests, e.quit)
	e.mu.Unlock()

	e.log.Info("model loaded, engine ready")
	close(done)
}

// Infer submits a tensor and blocks until its result arrives, ctx expires or
// the engine goes down. The input buffer is moved: ownership transfers to the
// engine on a successful submit and it is pooled after the runner consumes
// it. On ctx expiry the pending entry is removed so a late completion is
// dropped rather than delivered to nobody.
func (e *Engine) Infer(ctx context.Context, input []float32, shape []int64) (Result, error) {
	e.mu.Lock()
	switch e.state {
	case StateTerminated:
		e.mu.Unlock()
		return Result{}, ErrTerminated
	case StateReady:
	default:
		e.mu.Unlock()
		return Result{}, ErrNotInitialized
	}

	id := uuid.NewString()
	ch := make(chan response, 1)
	e.pending[id] = ch
	requests := e.requests
	quit := e.quit
	e.mu.Unlock()

	req := request{id: id, input: input, shape: shape}
	select {
	case requests <- req:
	case <-quit:
		e.removePending(id)
		return Result{}, ErrTerminated
	case <-ctx.Done():
		e.removePending(id)
		return Result{}, ctx.Err()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			requestsTotal.WithLabelValues(e.name, "error").Inc()
			return Result{}, res.err
		}
		requestsTotal.WithLabelValues(e.name, "ok").Inc()
		return res.result, nil
	case <-ctx.Done():
		e.removePending(id)
		requestsTotal.WithLabelValues(e.name, "timeout").Inc()
		return Result{}, ctx.Err()
	}
}

// run is the worker loop. A single goroutine owns the runner, so inference
// calls never overlap even when many requests are in flight.
func (e *Engine) run(requests chan request, quit chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-quit:
			return
		case req := <-requests:
			out, shape, err := e.runner.Run(req.input, req.shape)
			mempool.PutFloat32(req.input)
			if err != nil && IsFatal(err) {
				e.fail(req.id, err)
				return
			}
			e.deliver(req.id, response{result: Result{Output: out, Shape: shape}, err: err})
		}
	}
}

// deliver routes a completion to the pending entry registered under id.
// Responses for unknown identifiers are dropped and logged; they belong to
// callers that already timed out or were never ours.
func (e *Engine) deliver(id string, res response) {
	e.mu.Lock()
	ch, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !ok {
		droppedTotal.WithLabelValues(e.name).Inc()
		e.log.Warn("dropping response with no matching request", "request_id", id)
		return
	}
	ch <- res
}

// fail handles a fatal runner error: every pending request gets the error,
// the worker stops and the engine returns to uninitialized so a fresh Init
// can bring up a new session.
func (e *Engine) fail(id string, err error) {
	e.log.Error("fatal inference error, failing all pending requests", "error", err)

	e.mu.Lock()
	if e.state == StateReady {
		e.state = StateUninitialized
		close(e.quit)
		e.requests = nil
		e.quit = nil
	}
	failed := e.pending
	e.pending = make(map[string]chan response)
	e.mu.Unlock()

	if cerr := e.runner.Close(); cerr != nil {
		e.log.Warn("closing runner after fatal error", "error", cerr)
	}

	for pid, ch := range failed {
		res := response{err: err}
		if pid != id {
			res.err = fmt.Errorf("request aborted: %w", err)
		}
		ch <- res
	}
}

func (e *Engine) removePending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// Close shuts the engine down. Pending requests fail with ErrTerminated and
// the runner is released. Safe to call more than once; later calls are
// no-ops, and a subsequent Init brings the engine back up.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	prev := e.state
	e.state = StateTerminated
	if prev == StateReady {
		close(e.quit)
		e.requests = nil
		e.quit = nil
	}
	failed := e.pending
	e.pending = make(map[string]chan response)
	e.mu.Unlock()

	for _, ch := range failed {
		ch <- response{err: ErrTerminated}
	}

	e.wg.Wait()

	// When a load is still in flight the loader closes the runner itself
	// once it finishes; closing here would race session creation.
	if prev == StateInitializing {
		e.log.Info("engine closed during initialization")
		return nil
	}
	e.log.Info("engine closed")
	return e.runner.Close()
}
