package transport

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsDisconnect reports whether err is a normal connection termination: EOF, a closed
// connection, broken pipe, protocol wrong type (reported by some platforms on writes to a
// peer that went away), or a connection reset/abort by the peer.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EPIPE, syscall.EPROTOTYPE, syscall.ECONNRESET, syscall.ECONNABORTED:
			return true
		}
	}
	return false
}

// IsConnectRefused reports whether a dial failed because nothing listens at the address
func IsConnectRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// IsTimeout reports whether err is a network timeout
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
