package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitForState polls until the worker reaches the wanted state type
func waitForState(t *testing.T, w *Worker, want StateType) ServiceState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := w.State(); s.Type == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected state %s, got %s", want, w.State())
	return ServiceState{}
}

func TestWorkerLifecycle(t *testing.T) {
	var iterations atomic.Int32
	w := New("lifecycle", func(ctx context.Context, w *Worker) error {
		iterations.Add(1)
		return w.Sleep(ctx, 10*time.Millisecond)
	}, Options{Logger: quietLogger()})

	if w.State().Type != Stopped {
		t.Fatalf("Expected initial state STOPPED, got %s", w.State().Type)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, Running)

	if err := w.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning on second start, got %v", err)
	}

	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	state := w.State()
	if state.Type != Stopped {
		t.Errorf("Expected STOPPED after stop, got %s", state.Type)
	}
	if state.HasError() {
		t.Errorf("Expected no error after graceful stop, got %v", state.Err)
	}
	if w.IsRunning() {
		t.Error("Expected worker not to be running after stop")
	}
	if iterations.Load() == 0 {
		t.Error("Expected task to run at least once")
	}

	// A stopped worker can be restarted
	if err := w.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("Second stop failed: %v", err)
	}
}

func TestWorkerStateTransitions(t *testing.T) {
	w := New("transitions", func(ctx context.Context, w *Worker) error {
		<-ctx.Done()
		return nil
	}, Options{Logger: quietLogger()})

	states, unsubscribe := w.Subscribe()
	defer unsubscribe()

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, Running)
	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	var seen []StateType
	timeout := time.After(time.Second)
collect:
	for {
		select {
		case s := <-states:
			if len(seen) == 0 || seen[len(seen)-1] != s.Type {
				seen = append(seen, s.Type)
			}
			if len(seen) > 1 && s.Type == Stopped {
				break collect
			}
		case <-timeout:
			break collect
		}
	}

	expected := []StateType{Stopped, Starting, Running, Stopping, Stopped}
	if len(seen) != len(expected) {
		t.Fatalf("Expected transitions %v, got %v", expected, seen)
	}
	for i := range expected {
		if seen[i] != expected[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, expected[i], seen[i])
		}
	}
}

func TestWorkerStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	w := New("failing", func(ctx context.Context, w *Worker) error {
		calls.Add(1)
		return boom
	}, Options{Logger: quietLogger()})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-w.Done()

	state := w.State()
	if state.Type != Stopped {
		t.Errorf("Expected STOPPED, got %s", state.Type)
	}
	if !errors.Is(state.Err, boom) {
		t.Errorf("Expected recorded error %v, got %v", boom, state.Err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected exactly one call, got %d", calls.Load())
	}
}

func TestWorkerRecoversPanic(t *testing.T) {
	w := New("panicking", func(ctx context.Context, w *Worker) error {
		panic("kaboom")
	}, Options{Logger: quietLogger()})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-w.Done()

	state := w.State()
	if state.Err == nil {
		t.Fatal("Expected panic to be recorded as error")
	}
}

func TestWorkerRetryPolicy(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	var reported atomic.Int32

	w := New("retrying", func(ctx context.Context, w *Worker) error {
		calls.Add(1)
		return boom
	}, Options{
		Delay:   time.Millisecond,
		Policy:  RetryOnError,
		Logger:  quietLogger(),
		OnError: func(error) { reported.Add(1) },
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if !w.IsRunning() {
		t.Fatal("Expected retrying worker to keep running")
	}
	if calls.Load() < 5 {
		t.Errorf("Expected at least 5 calls, got %d", calls.Load())
	}
	if !errors.Is(w.State().Err, boom) {
		t.Errorf("Expected recorded error %v, got %v", boom, w.State().Err)
	}

	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The error survives STOPPING and STOPPED
	state := w.State()
	if state.Type != Stopped || !errors.Is(state.Err, boom) {
		t.Errorf("Expected STOPPED with recorded error, got %s", state)
	}
	// The last failure may race with cancellation and go unreported
	if got, total := reported.Load(), calls.Load(); got < total-1 || got > total {
		t.Errorf("Expected OnError for every failure, got %d of %d", got, total)
	}
}

func TestWorkerStopTimeout(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	releaseTask := func() { releaseOnce.Do(func() { close(release) }) }
	defer releaseTask()

	var runs atomic.Int32
	w := New("stuck", func(ctx context.Context, w *Worker) error {
		if runs.Add(1) == 1 {
			<-release
			return nil
		}
		return w.Sleep(ctx, 10*time.Millisecond)
	}, Options{Logger: quietLogger()})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, Running)

	err := w.Stop(20 * time.Millisecond)
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Expected ErrStopTimeout, got %v", err)
	}

	state := w.State()
	if state.Type != Stopped {
		t.Errorf("Expected STOPPED after forced stop, got %s", state.Type)
	}
	if !errors.Is(state.Err, ErrStopTimeout) {
		t.Errorf("Expected recorded ErrStopTimeout, got %v", state.Err)
	}
	if w.IsRunning() {
		t.Errorf("Expected a forcefully stopped worker not to report running")
	}

	// The abandoned loop exiting later must not move the state
	abandoned := w.Done()
	releaseTask()
	select {
	case <-abandoned:
	case <-time.After(time.Second):
		t.Fatal("Expected the abandoned loop to exit once released")
	}
	if state := w.State(); state.Type != Stopped {
		t.Errorf("Expected STOPPED after the abandoned loop exits, got %s", state.Type)
	}

	// The worker can be started again
	if err := w.Start(); err != nil {
		t.Fatalf("Expected restart after forced stop, got %v", err)
	}
	waitForState(t, w, Running)
	if err := w.Stop(time.Second); err != nil {
		t.Errorf("Expected graceful stop, got %v", err)
	}
	if state := w.State(); state.Type != Stopped {
		t.Errorf("Expected STOPPED, got %s", state.Type)
	}
}

func TestWorkerAbandonedRunDoesNotTouchRestart(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	w := New("restarted", func(ctx context.Context, w *Worker) error {
		if runs.Add(1) == 1 {
			<-release
			return nil
		}
		return w.Sleep(ctx, 10*time.Millisecond)
	}, Options{Logger: quietLogger()})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, Running)
	abandoned := w.Done()
	if err := w.Stop(20 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Expected ErrStopTimeout, got %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Expected restart after forced stop, got %v", err)
	}
	waitForState(t, w, Running)

	close(release)
	select {
	case <-abandoned:
	case <-time.After(time.Second):
		t.Fatal("Expected the abandoned loop to exit once released")
	}

	if !w.IsRunning() {
		t.Errorf("Expected the new run to keep running")
	}
	if state := w.State(); state.Type != Running {
		t.Errorf("Expected RUNNING, got %s", state.Type)
	}
	w.Stop(time.Second)
}

func TestWorkerStopNextLoop(t *testing.T) {
	var calls atomic.Int32
	w := New("once", func(ctx context.Context, w *Worker) error {
		calls.Add(1)
		w.StopNextLoop()
		return nil
	}, Options{Delay: time.Hour, Logger: quietLogger()})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected worker to stop after one loop")
	}

	if calls.Load() != 1 {
		t.Errorf("Expected one call, got %d", calls.Load())
	}
	if w.State().Type != Stopped {
		t.Errorf("Expected STOPPED, got %s", w.State().Type)
	}
}

func TestWorkerInterruptStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy InterruptStrategy
		wantErr  error
		wantWake bool
	}{
		{"skip wait", SkipWait, nil, true},
		{"report", ReportInterrupt, nil, false},
		{"throw", ThrowInterrupt, ErrInterrupted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := make(chan error, 1)
			w := New(tt.name, func(ctx context.Context, w *Worker) error {
				result <- w.Sleep(ctx, 300*time.Millisecond)
				w.StopNextLoop()
				return nil
			}, Options{InterruptStrategy: tt.strategy, Logger: quietLogger()})

			if err := w.Start(); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			waitForState(t, w, Running)
			time.Sleep(20 * time.Millisecond)

			started := time.Now()
			w.Interrupt()

			var err error
			select {
			case err = <-result:
			case <-time.After(2 * time.Second):
				t.Fatal("Sleep never returned")
			}
			elapsed := time.Since(started)

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			woke := elapsed < 150*time.Millisecond
			if woke != tt.wantWake {
				t.Errorf("Expected early wake %v, elapsed %v", tt.wantWake, elapsed)
			}

			_ = w.Stop(time.Second)
		})
	}
}

func TestInterruptIfRunning(t *testing.T) {
	w := New("idle", func(ctx context.Context, w *Worker) error {
		return w.Sleep(ctx, time.Hour)
	}, Options{Logger: quietLogger()})

	if w.InterruptIfRunning() {
		t.Error("Expected no interrupt for a stopped worker")
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, Running)

	if !w.InterruptIfRunning() {
		t.Error("Expected interrupt for a running worker")
	}

	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestStateErrorPersistence(t *testing.T) {
	w := New("manual", func(ctx context.Context, w *Worker) error { return nil }, Options{Logger: quietLogger()})

	failure := errors.New("device gone")
	w.SetError(Running, "Failed", failure)
	w.SetState(Stopping, "Stopping")

	if !errors.Is(w.State().Err, failure) {
		t.Errorf("Expected error to persist across SetState, got %v", w.State().Err)
	}

	w.ClearError()
	if w.State().HasError() {
		t.Error("Expected error to be cleared")
	}

	info := w.State().Info("manual")
	if info.State != "STOPPING" || info.Error != "" {
		t.Errorf("Unexpected info %+v", info)
	}
}
