// Package transport provides the network primitives under discovery and streaming:
// a UDP server and a multicast group member with bounded datagrams, a TCP server and
// connection pool exchanging length-prefixed control frames, typed listener lists,
// and structural classification of disconnect and connect-refused errors.
// Every receive and accept loop runs on a worker.Worker.
package transport
