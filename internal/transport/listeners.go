package transport

import (
	"net/netip"
	"sync"

	"github.com/skypro1111/lan-audio-service/internal/protocol"
)

// Listeners is a list of callbacks receiving values of type T.
// The zero value is ready to use.
type Listeners[T any] struct {
	mu      sync.Mutex
	next    int
	entries map[int]func(T)
}

// Add registers fn and returns a func that removes it
func (l *Listeners[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries == nil {
		l.entries = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.entries[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.entries, id)
	}
}

// Emit calls every registered callback with v, outside the lock
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	callbacks := make([]func(T), 0, len(l.entries))
	for _, fn := range l.entries {
		callbacks = append(callbacks, fn)
	}
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(v)
	}
}

// Len returns the number of registered callbacks
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// PacketEvent is a decoded control packet and where it came from
type PacketEvent struct {
	Packet    protocol.Packet
	Source    netip.AddrPort
	Transport string      // "udp", "multicast" or "tcp"
	Conn      *Connection // set for packets received over TCP
}
