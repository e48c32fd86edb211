package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start when the worker goroutine is still alive
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrStopTimeout is returned by Stop when the task did not finish within the timeout
	ErrStopTimeout = errors.New("worker did not stop within timeout")

	// ErrInterrupted is returned from Sleep under the ThrowInterrupt strategy
	ErrInterrupted = errors.New("worker interrupted during wait")
)

// retryPause keeps a failing task without its own delay from spinning
const retryPause = 100 * time.Millisecond

// InterruptStrategy governs what an interrupt does to a pending wait
type InterruptStrategy int

const (
	// SkipWait ends the wait and proceeds immediately
	SkipWait InterruptStrategy = iota
	// ReportInterrupt logs the interrupt and keeps waiting
	ReportInterrupt
	// ThrowInterrupt fails the wait with ErrInterrupted
	ThrowInterrupt
)

// Policy decides what happens when the task returns an error
type Policy int

const (
	// StopOnError records the error and stops the worker
	StopOnError Policy = iota
	// RetryOnError records the error, muffles repeated identical errors and keeps running
	RetryOnError
)

// Task is one loop iteration. ctx is cancelled when the worker is stopped.
type Task func(ctx context.Context, w *Worker) error

// Options configures a Worker
type Options struct {
	Delay             time.Duration // pause between iterations, zero for none
	InterruptStrategy InterruptStrategy
	Policy            Policy
	MuffleWindow      time.Duration // initial suppression window for RetryOnError
	Logger            *slog.Logger
	OnError           func(err error) // called for every task failure, muffled or not
}

// Worker runs a Task in a loop on a dedicated goroutine
type Worker struct {
	name    string
	task    Task
	opts    Options
	logger  *slog.Logger
	muffler *muffler

	interrupt chan struct{}

	mu             sync.Mutex
	state          ServiceState
	running        bool
	stopNext       bool
	cancel         context.CancelFunc
	done           chan struct{}
	subscribers    map[int]chan ServiceState
	nextSubscriber int
}

// New creates a stopped worker
func New(name string, task Task, opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		name:        name,
		task:        task,
		opts:        opts,
		logger:      logger.With(slog.String("worker", name)),
		muffler:     newMuffler(opts.MuffleWindow),
		interrupt:   make(chan struct{}, 1),
		state:       ServiceState{Type: Stopped, Message: "Not started"},
		subscribers: make(map[int]chan ServiceState),
	}
}

// Name returns the worker name
func (w *Worker) Name() string {
	return w.name
}

// Start spawns the worker goroutine
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("%s: %w", w.name, ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.stopNext = false
	w.running = true

	// Drop an interrupt left over from a previous run
	select {
	case <-w.interrupt:
	default:
	}

	w.setStateLocked(Starting, "Starting")
	go w.run(ctx, cancel, w.done)

	return nil
}

// Stop requests a graceful stop and waits up to timeout for the loop to exit.
// The task context is cancelled immediately so blocking I/O tied to it is released.
// If the loop does not exit in time it is abandoned, the state records ErrStopTimeout
// and ErrStopTimeout is returned. A non-positive timeout waits indefinitely.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.stopNext = true
	cancel, done := w.cancel, w.done
	w.setStateLocked(Stopping, "Stopping")
	w.mu.Unlock()

	cancel()
	w.wake()

	if timeout <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		w.mu.Lock()
		if !w.running || w.done != done {
			w.mu.Unlock()
			return nil
		}
		// The abandoned loop keeps its cancelled context; a new Start gets a fresh run
		w.running = false
		w.setErrorLocked(Stopped, "Forcefully stopped", ErrStopTimeout)
		w.mu.Unlock()
		w.logger.Warn("Worker did not stop in time, abandoning it",
			slog.Duration("timeout", timeout),
		)
		return fmt.Errorf("%s: %w", w.name, ErrStopTimeout)
	}
}

// StopNextLoop asks the worker to stop once the current iteration completes, without blocking
func (w *Worker) StopNextLoop() {
	w.mu.Lock()
	w.stopNext = true
	w.mu.Unlock()
	w.wake()
}

// Interrupt wakes the worker from an interruptible wait.
// If the worker is not waiting the interrupt stays pending and ends the next wait.
func (w *Worker) Interrupt() {
	w.wake()
}

// InterruptIfRunning interrupts only a running worker and reports whether it did
func (w *Worker) InterruptIfRunning() bool {
	if !w.IsRunning() {
		return false
	}
	w.wake()
	return true
}

// Sleep waits for d, honouring the worker's InterruptStrategy.
// It returns ctx.Err() when the worker is stopped during the wait.
func (w *Worker) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-w.interrupt:
			if w.stopRequested() {
				return nil
			}
			switch w.opts.InterruptStrategy {
			case ReportInterrupt:
				w.logger.Info("Worker interrupted during wait, continuing to wait")
			case ThrowInterrupt:
				return ErrInterrupted
			default:
				return nil
			}
		}
	}
}

// IsRunning reports whether the worker goroutine is alive
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Done returns a channel closed when the current run exits.
// For a worker that was never started the channel is already closed.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return w.done
}

// State returns the current service state
func (w *Worker) State() ServiceState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetState changes type and message, keeping any recorded error
func (w *Worker) SetState(t StateType, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setStateLocked(t, message)
}

// SetError changes the state and replaces the recorded error
func (w *Worker) SetError(t StateType, message string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setErrorLocked(t, message, err)
}

// ClearError removes the recorded error
func (w *Worker) ClearError() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Err == nil {
		return
	}
	w.state.Err = nil
	w.publishLocked()
}

// Subscribe returns a channel receiving every state change, starting with the current state.
// Slow subscribers miss intermediate states. The returned func unsubscribes and closes the channel.
func (w *Worker) Subscribe() (<-chan ServiceState, func()) {
	ch := make(chan ServiceState, 16)

	w.mu.Lock()
	id := w.nextSubscriber
	w.nextSubscriber++
	w.subscribers[id] = ch
	ch <- w.state
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if sub, ok := w.subscribers[id]; ok {
				delete(w.subscribers, id)
				close(sub)
			}
		})
	}
}

// run is the worker goroutine
func (w *Worker) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	w.SetState(Running, "Running")
	w.logger.Debug("Worker started")

	for !w.shouldStop(ctx) {
		err := w.invoke(ctx)
		if err != nil && ctx.Err() == nil {
			if !w.handleError(err) {
				break
			}
			if w.opts.Delay <= 0 && !w.shouldStop(ctx) {
				_ = w.Sleep(ctx, retryPause)
			}
		} else if err == nil {
			w.muffler.reset()
		}

		if w.shouldStop(ctx) {
			break
		}

		if w.opts.Delay > 0 {
			if err := w.Sleep(ctx, w.opts.Delay); err != nil {
				if ctx.Err() != nil {
					break
				}
				if !w.handleError(err) {
					break
				}
			}
		}
	}

	w.mu.Lock()
	// An abandoned run no longer owns the state: a forced stop already reported
	// STOPPED, and the worker may have been started again since
	if w.running && w.done == done {
		w.setStateLocked(Stopping, "Stopping")
		w.running = false
		w.setStateLocked(Stopped, "Stopped")
	}
	w.mu.Unlock()

	w.logger.Debug("Worker stopped")
}

// invoke runs one iteration, converting a panic into an error
func (w *Worker) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker task panic: %v", r)
		}
	}()
	return w.task(ctx, w)
}

// handleError applies the failure policy and reports whether the loop continues
func (w *Worker) handleError(err error) bool {
	if w.opts.OnError != nil {
		w.opts.OnError(err)
	}

	if w.opts.Policy == RetryOnError {
		if report, suppressed := w.muffler.admit(err); report {
			if suppressed > 0 {
				w.logger.Error("Worker task still failing",
					slog.String("error", err.Error()),
					slog.Int("repeats", suppressed),
					slog.Duration("next_report_after", w.muffler.window(err)),
				)
			} else {
				w.logger.Error("Worker task failed, retrying",
					slog.String("error", err.Error()),
				)
			}
		}

		w.mu.Lock()
		w.setErrorLocked(w.state.Type, err.Error(), err)
		w.mu.Unlock()
		return true
	}

	w.logger.Error("Worker task failed, stopping",
		slog.String("error", err.Error()),
	)
	w.SetError(Stopping, "Failed: "+err.Error(), err)
	return false
}

func (w *Worker) shouldStop(ctx context.Context) bool {
	return ctx.Err() != nil || w.stopRequested()
}

func (w *Worker) stopRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopNext
}

func (w *Worker) wake() {
	select {
	case w.interrupt <- struct{}{}:
	default:
	}
}

func (w *Worker) setStateLocked(t StateType, message string) {
	w.state.Type = t
	w.state.Message = message
	w.publishLocked()
}

func (w *Worker) setErrorLocked(t StateType, message string, err error) {
	w.state = ServiceState{Type: t, Message: message, Err: err}
	w.publishLocked()
}

func (w *Worker) publishLocked() {
	for _, ch := range w.subscribers {
		select {
		case ch <- w.state:
		default:
		}
	}
}
