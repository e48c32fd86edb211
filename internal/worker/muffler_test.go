package worker

import (
	"errors"
	"testing"
	"time"
)

func TestMufflerSuppressesRepeats(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newMuffler(time.Second)
	m.now = func() time.Time { return now }

	boom := errors.New("boom")

	steps := []struct {
		advance        time.Duration
		wantReport     bool
		wantSuppressed int
		wantWindow     time.Duration
	}{
		{0, true, 0, time.Second},
		{100 * time.Millisecond, false, 0, time.Second},
		{100 * time.Millisecond, false, 0, time.Second},
		{900 * time.Millisecond, true, 2, 2 * time.Second},
		{time.Second, false, 0, 2 * time.Second},
		{1500 * time.Millisecond, true, 1, 4 * time.Second},
	}

	for i, step := range steps {
		now = now.Add(step.advance)
		report, suppressed := m.admit(boom)
		if report != step.wantReport {
			t.Errorf("Step %d: expected report %v, got %v", i, step.wantReport, report)
		}
		if suppressed != step.wantSuppressed {
			t.Errorf("Step %d: expected %d suppressed, got %d", i, step.wantSuppressed, suppressed)
		}
		if w := m.window(boom); w != step.wantWindow {
			t.Errorf("Step %d: expected window %v, got %v", i, step.wantWindow, w)
		}
	}
}

func TestMufflerDistinctErrorsAlwaysReported(t *testing.T) {
	m := newMuffler(time.Minute)

	if report, _ := m.admit(errors.New("first")); !report {
		t.Error("Expected first error to be reported")
	}
	if report, _ := m.admit(errors.New("second")); !report {
		t.Error("Expected a distinct error to be reported")
	}
	if report, _ := m.admit(errors.New("first")); report {
		t.Error("Expected repeated error to be muffled")
	}
}

func TestMufflerResetAndCap(t *testing.T) {
	now := time.Unix(0, 0)
	m := newMuffler(0)
	m.now = func() time.Time { return now }

	if m.initial != DefaultMuffleWindow {
		t.Errorf("Expected default window %v, got %v", DefaultMuffleWindow, m.initial)
	}

	boom := errors.New("boom")
	m.admit(boom)
	for i := 0; i < 20; i++ {
		now = now.Add(maxMuffleWindow)
		m.admit(boom)
	}
	if w := m.window(boom); w != maxMuffleWindow {
		t.Errorf("Expected window capped at %v, got %v", maxMuffleWindow, w)
	}

	m.reset()
	if report, _ := m.admit(boom); !report {
		t.Error("Expected error to be reported again after reset")
	}
}
