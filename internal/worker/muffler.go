package worker

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultMuffleWindow is the first suppression window after an error is reported
	DefaultMuffleWindow = time.Second

	maxMuffleWindow = 10 * time.Minute
)

// muffler throttles reporting of repeated identical errors.
// The first occurrence is always reported; repeats inside the current window are counted;
// the first repeat after the window closes is reported with the count and doubles the window.
type muffler struct {
	initial time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*muffleEntry
}

type muffleEntry struct {
	window     time.Duration
	until      time.Time
	suppressed int
}

func newMuffler(initial time.Duration) *muffler {
	if initial <= 0 {
		initial = DefaultMuffleWindow
	}
	return &muffler{
		initial: initial,
		now:     time.Now,
		entries: make(map[string]*muffleEntry),
	}
}

// admit decides whether err should be logged. It returns the number of identical
// errors suppressed since the previous report.
func (m *muffler) admit(err error) (report bool, suppressed int) {
	key := errorKey(err)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists {
		m.entries[key] = &muffleEntry{
			window: m.initial,
			until:  now.Add(m.initial),
		}
		return true, 0
	}

	if now.Before(entry.until) {
		entry.suppressed++
		return false, 0
	}

	suppressed = entry.suppressed
	entry.suppressed = 0
	entry.window *= 2
	if entry.window > maxMuffleWindow {
		entry.window = maxMuffleWindow
	}
	entry.until = now.Add(entry.window)
	return true, suppressed
}

// reset forgets all errors, called after a successful iteration
func (m *muffler) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 {
		m.entries = make(map[string]*muffleEntry)
	}
}

// window returns the current suppression window for err, zero if unseen
func (m *muffler) window(err error) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[errorKey(err)]; ok {
		return entry.window
	}
	return 0
}

// errorKey identifies "the same" error by concrete type and message
func errorKey(err error) string {
	return fmt.Sprintf("%T: %s", err, err.Error())
}
