package discovery

import (
	"net/netip"
	"sync"
	"time"

	"github.com/skypro1111/lan-audio-service/internal/protocol"
)

// IndexEventType names a change to the index
type IndexEventType string

const (
	ServerAdded   IndexEventType = "added"
	ServerUpdated IndexEventType = "updated"
	ServerRemoved IndexEventType = "removed"
)

// IndexEvent describes one change to the index
type IndexEvent struct {
	Type   IndexEventType `json:"type"`
	Server RemoteServer   `json:"server"`
}

// subscriberBuffer is the per-subscriber channel capacity. Events beyond it are
// dropped for that subscriber.
const subscriberBuffer = 32

// Index holds auto-discovered and manually added servers under one lock.
// A server is in at most one of the two lists.
type Index struct {
	mu          sync.Mutex
	auto        []*RemoteServer
	manual      []*RemoteServer
	subscribers map[int]chan IndexEvent
	next        int
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{
		subscribers: make(map[int]chan IndexEvent),
	}
}

// Update records fresh details for the server at addr, creating an auto entry when
// the server is unknown. It reports whether a new entry was created.
func (ix *Index) Update(addr netip.AddrPort, details protocol.ServerDetails, now time.Time) (RemoteServer, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	d := details
	if r := ix.findLocked(addr); r != nil {
		r.Details = &d
		r.LastUpdate = now
		updated := r.clone()
		ix.notifyLocked(IndexEvent{Type: ServerUpdated, Server: updated})
		return updated, false
	}

	r := &RemoteServer{Address: addr, Details: &d, LastUpdate: now}
	ix.auto = append(ix.auto, r)
	added := r.clone()
	ix.notifyLocked(IndexEvent{Type: ServerAdded, Server: added})
	return added, true
}

// AddManual adds a manual server. An auto-discovered entry for the same server is
// promoted, keeping its details; an existing manual entry is returned unchanged.
func (ix *Index) AddManual(addr netip.AddrPort) RemoteServer {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, r := range ix.manual {
		if r.Is(addr) {
			return r.clone()
		}
	}

	for i, r := range ix.auto {
		if r.Is(addr) {
			ix.auto = append(ix.auto[:i], ix.auto[i+1:]...)
			r.Manual = true
			ix.manual = append(ix.manual, r)
			promoted := r.clone()
			ix.notifyLocked(IndexEvent{Type: ServerUpdated, Server: promoted})
			return promoted
		}
	}

	r := &RemoteServer{Address: addr, Manual: true}
	ix.manual = append(ix.manual, r)
	added := r.clone()
	ix.notifyLocked(IndexEvent{Type: ServerAdded, Server: added})
	return added
}

// RemoveManual removes a manual server and reports whether it existed
func (ix *Index) RemoveManual(addr netip.AddrPort) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i, r := range ix.manual {
		if r.Is(addr) {
			ix.manual = append(ix.manual[:i], ix.manual[i+1:]...)
			ix.notifyLocked(IndexEvent{Type: ServerRemoved, Server: r.clone()})
			return true
		}
	}
	return false
}

// Purge removes auto entries that have not been updated for longer than maxAge.
// Manual entries are never removed; those without a fresh response are returned so
// the caller can request their details directly.
func (ix *Index) Purge(now time.Time, maxAge time.Duration) (purged, retry []RemoteServer) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	kept := ix.auto[:0]
	for _, r := range ix.auto {
		if r.Stale(now, maxAge) {
			purged = append(purged, r.clone())
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(ix.auto); i++ {
		ix.auto[i] = nil
	}
	ix.auto = kept

	for _, r := range purged {
		ix.notifyLocked(IndexEvent{Type: ServerRemoved, Server: r})
	}

	for _, r := range ix.manual {
		if r.Stale(now, maxAge) {
			retry = append(retry, r.clone())
		}
	}
	return purged, retry
}

// Find returns the entry for addr from either list
func (ix *Index) Find(addr netip.AddrPort) (RemoteServer, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if r := ix.findLocked(addr); r != nil {
		return r.clone(), true
	}
	return RemoteServer{}, false
}

// Snapshot returns copies of both lists
func (ix *Index) Snapshot() (auto, manual []RemoteServer) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	auto = make([]RemoteServer, 0, len(ix.auto))
	for _, r := range ix.auto {
		auto = append(auto, r.clone())
	}
	manual = make([]RemoteServer, 0, len(ix.manual))
	for _, r := range ix.manual {
		manual = append(manual, r.clone())
	}
	return auto, manual
}

// All returns every server, manual entries first
func (ix *Index) All() []RemoteServer {
	auto, manual := ix.Snapshot()
	return append(manual, auto...)
}

// ManualAddresses returns the addresses of manual entries
func (ix *Index) ManualAddresses() []netip.AddrPort {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	addrs := make([]netip.AddrPort, 0, len(ix.manual))
	for _, r := range ix.manual {
		addrs = append(addrs, r.Address)
	}
	return addrs
}

// Counts returns the number of auto and manual entries
func (ix *Index) Counts() (auto, manual int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.auto), len(ix.manual)
}

// Subscribe returns a channel of index changes and a func that unsubscribes and
// closes it. A subscriber that falls behind misses events.
func (ix *Index) Subscribe() (<-chan IndexEvent, func()) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	id := ix.next
	ix.next++
	ch := make(chan IndexEvent, subscriberBuffer)
	ix.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ix.mu.Lock()
			defer ix.mu.Unlock()
			delete(ix.subscribers, id)
			close(ch)
		})
	}
}

func (ix *Index) findLocked(addr netip.AddrPort) *RemoteServer {
	for _, r := range ix.manual {
		if r.Is(addr) {
			return r
		}
	}
	for _, r := range ix.auto {
		if r.Is(addr) {
			return r
		}
	}
	return nil
}

func (ix *Index) notifyLocked(ev IndexEvent) {
	for _, ch := range ix.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
