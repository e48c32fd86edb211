package discovery

import (
	"net/netip"
	"time"

	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/transport"
)

// isLocal decides whether an address belongs to this machine
var isLocal = transport.IsLocalAddr

// RemoteServer is a known node, identified by its control address
type RemoteServer struct {
	Address    netip.AddrPort          `json:"address"`
	Details    *protocol.ServerDetails `json:"details,omitempty"` // nil until the first response
	LastUpdate time.Time               `json:"last_update"`
	Manual     bool                    `json:"manual"`
}

// Is reports whether addr refers to this server
func (r RemoteServer) Is(addr netip.AddrPort) bool {
	return SameServer(r.Address, addr)
}

// HasDetails reports whether the server has answered at least once
func (r RemoteServer) HasDetails() bool {
	return r.Details != nil
}

// HasAudio reports whether the last known details advertise an audio server
func (r RemoteServer) HasAudio() bool {
	return r.Details != nil && r.Details.HasAudio()
}

// Stale reports whether the last update is older than maxAge
func (r RemoteServer) Stale(now time.Time, maxAge time.Duration) bool {
	return r.LastUpdate.IsZero() || now.Sub(r.LastUpdate) > maxAge
}

func (r RemoteServer) clone() RemoteServer {
	if r.Details != nil {
		d := *r.Details
		r.Details = &d
	}
	return r
}

// SameServer reports whether two control addresses name the same node. Ports must
// match; addresses match when equal or when both belong to this machine, so that
// localhost and the host's own LAN address are one server.
func SameServer(a, b netip.AddrPort) bool {
	if a.Port() != b.Port() {
		return false
	}
	aa, ba := a.Addr().Unmap(), b.Addr().Unmap()
	if aa == ba {
		return true
	}
	return isLocal(aa) && isLocal(ba)
}
