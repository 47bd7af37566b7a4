// Package coordinator runs units of work on a single designated goroutine.
//
// Every interaction with the Cast session and discovery subsystem has to
// happen on one execution context. A Coordinator owns that context: callers
// hand it closures and block on a one-shot result until the closure finishes
// or a timeout elapses.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultQueueSize     = 100
	defaultSlowThreshold = 300 * time.Millisecond
)

var (
	// ErrTimeout is returned when the work did not finish in time.
	// The work may still complete later, so the outcome is unknown.
	ErrTimeout = errors.New("coordinator: timed out waiting for task")
	// ErrStopped is returned when the coordinator is not running.
	ErrStopped = errors.New("coordinator: not running")
	// ErrAlreadyRunning is returned by Start on a running coordinator.
	ErrAlreadyRunning = errors.New("coordinator: already running")
)

// PanicError carries a panic recovered while running a task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coordinator: task panicked: %v", e.Value)
}

type ctxKey struct{}

type task struct {
	fn     func(ctx context.Context) error
	result chan error
}

// Coordinator serialises work onto one goroutine.
type Coordinator struct {
	mu        sync.RWMutex
	isRunning bool
	tasks     chan task
	stopChan  chan struct{}
	doneChan  chan struct{}

	slowThreshold time.Duration
	log           zerolog.Logger

	statsMu      sync.Mutex
	lastDuration time.Duration
	maxDuration  time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for slow task and panic reports.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithQueueSize sets the capacity of the inbound task queue.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.tasks = make(chan task, n)
		}
	}
}

// WithSlowThreshold sets the duration above which a task is reported as slow.
func WithSlowThreshold(d time.Duration) Option {
	return func(c *Coordinator) {
		c.slowThreshold = d
	}
}

// New creates a stopped coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		tasks:         make(chan task, defaultQueueSize),
		slowThreshold: defaultSlowThreshold,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the coordinator goroutine.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return ErrAlreadyRunning
	}

	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})
	c.isRunning = true
	go c.loop(c.stopChan, c.doneChan)

	return nil
}

// Stop halts the coordinator. Queued tasks that have not started are dropped
// and their callers get ErrStopped.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	close(c.stopChan)
	c.isRunning = false
	done := c.doneChan
	c.mu.Unlock()

	<-done
	c.drain()
	return nil
}

// IsRunning reports whether the coordinator goroutine is active.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// Stats returns the duration of the last task and the slowest task seen.
func (c *Coordinator) Stats() (last, longest time.Duration) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.lastDuration, c.maxDuration
}

// OnCoordinator reports whether ctx was handed out by this coordinator,
// i.e. the caller is already running on the coordinator goroutine.
func (c *Coordinator) OnCoordinator(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(ctxKey{}).(*Coordinator)
	return owner == c
}

// Run executes fn on the coordinator and waits for it up to timeout.
//
// When ctx already belongs to this coordinator fn runs inline. fn must not
// call Run on the same coordinator with a foreign context; that would
// deadlock until the timeout.
func (c *Coordinator) Run(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.OnCoordinator(ctx) {
		return c.invoke(ctx, fn)
	}

	t := task{fn: fn, result: make(chan error, 1)}
	if !c.enqueue(t) {
		return ErrStopped
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	c.mu.RLock()
	done := c.doneChan
	c.mu.RUnlock()

	select {
	case err := <-t.result:
		return err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		// The loop may have finished the task right before exiting.
		select {
		case err := <-t.result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Post enqueues fn without waiting for it. It returns false when the
// coordinator is not running or its queue is full.
func (c *Coordinator) Post(fn func(ctx context.Context)) bool {
	return c.enqueue(task{fn: func(ctx context.Context) error {
		fn(ctx)
		return nil
	}})
}

// Call is the typed form of Run.
func Call[T any](ctx context.Context, c *Coordinator, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Run(ctx, timeout, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (c *Coordinator) enqueue(t task) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isRunning {
		return false
	}

	select {
	case c.tasks <- t:
		return true
	default:
		c.log.Warn().Str("Method", "enqueue").Int("Queue", cap(c.tasks)).Msg("task queue full")
		return false
	}
}

func (c *Coordinator) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx := context.WithValue(context.Background(), ctxKey{}, c)
	for {
		select {
		case <-stop:
			return
		case t := <-c.tasks:
			start := time.Now()
			err := c.invoke(ctx, t.fn)
			c.record(time.Since(start))
			if t.result != nil {
				t.result <- err
			}
		}
	}
}

func (c *Coordinator) invoke(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: debug.Stack()}
			c.log.Error().Str("Method", "invoke").Interface("Panic", r).Msg("task panicked")
			err = perr
		}
	}()
	return fn(ctx)
}

func (c *Coordinator) record(d time.Duration) {
	c.statsMu.Lock()
	c.lastDuration = d
	if d > c.maxDuration {
		c.maxDuration = d
	}
	c.statsMu.Unlock()

	if c.slowThreshold > 0 && d > c.slowThreshold {
		c.log.Warn().Str("Method", "loop").Dur("Took", d).Dur("Threshold", c.slowThreshold).Msg("slow coordinator task")
	}
}

func (c *Coordinator) drain() {
	for {
		select {
		case t := <-c.tasks:
			if t.result != nil {
				t.result <- ErrStopped
			}
		default:
			return
		}
	}
}
