package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/skypro1111/lan-audio-service/internal/protocol"
)

func newLoopbackTCP(t *testing.T) *TCPServer {
	t.Helper()
	s := NewTCPServer(TCPOptions{}, quietLogger(), nil)
	if err := s.Listen(loopback); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { s.Close(time.Second) })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestTCPRequestResponse(t *testing.T) {
	server := newLoopbackTCP(t)
	client := NewTCPServer(TCPOptions{}, quietLogger(), nil)
	defer client.Close(time.Second)

	// Answer every request on the connection it arrived on
	server.OnPacket(func(ev PacketEvent) {
		if _, ok := ev.Packet.(*protocol.DiscoveryRequest); ok {
			ev.Conn.Send(&protocol.DiscoveryResponse{Details: protocol.ServerDetails{
				ControlAddress: server.Addr(),
			}})
		}
	})

	responses := make(chan PacketEvent, 1)
	client.OnPacket(func(ev PacketEvent) { responses <- ev })

	conn, err := client.GetOrOpenConnection(context.Background(), server.Addr())
	if err != nil {
		t.Fatalf("GetOrOpenConnection failed: %v", err)
	}
	if !conn.Outbound() {
		t.Errorf("Expected dialed connection to be outbound")
	}
	if err := conn.Send(&protocol.DiscoveryRequest{ReplyPort: 1234}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case ev := <-responses:
		resp, ok := ev.Packet.(*protocol.DiscoveryResponse)
		if !ok {
			t.Fatalf("Expected *DiscoveryResponse, got %T", ev.Packet)
		}
		if resp.Details.ControlAddress != server.Addr() {
			t.Errorf("Expected control address %s, got %s", server.Addr(), resp.Details.ControlAddress)
		}
		if ev.Conn != conn {
			t.Errorf("Expected event to carry the receiving connection")
		}
		if ev.Transport != "tcp" {
			t.Errorf("Expected transport tcp, got %s", ev.Transport)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for response")
	}

	waitFor(t, "inbound connection", func() bool { return len(server.Connections()) == 1 })
}

func TestTCPGetOrOpenConnectionCached(t *testing.T) {
	server := newLoopbackTCP(t)
	client := NewTCPServer(TCPOptions{}, quietLogger(), nil)
	defer client.Close(time.Second)

	const callers = 8
	conns := make([]*Connection, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := client.GetOrOpenConnection(context.Background(), server.Addr())
			if err != nil {
				t.Errorf("GetOrOpenConnection failed: %v", err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if conns[i] != conns[0] {
			t.Fatalf("Expected all callers to share one connection, caller %d differs", i)
		}
	}
	if n := len(client.Connections()); n != 1 {
		t.Errorf("Expected 1 pooled connection, got %d", n)
	}
}

func TestTCPGetOrOpenConnectionRefused(t *testing.T) {
	// Grab a free port, then release it so nothing listens there
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr).AddrPort()
	l.Close()

	client := NewTCPServer(TCPOptions{}, quietLogger(), nil)
	defer client.Close(time.Second)

	_, err = client.GetOrOpenConnection(context.Background(), addr)
	if err == nil {
		t.Fatal("Expected dial error")
	}
	if !IsConnectRefused(err) {
		t.Errorf("Expected connect refused, got %v", err)
	}
	if n := len(client.Connections()); n != 0 {
		t.Errorf("Expected empty pool after failed dial, got %d", n)
	}
}

// scriptedConn fails every write with err; reads block until closed
type scriptedConn struct {
	net.Conn
	err error
}

func (c *scriptedConn) Write([]byte) (int, error) {
	return 0, c.err
}

func pipeDialer(conns map[netip.AddrPort]func() net.Conn) Dialer {
	return func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
		open, ok := conns[addr]
		if !ok {
			return nil, fmt.Errorf("no route to %s", addr)
		}
		return open(), nil
	}
}

func TestTCPSendToAllCollectsErrors(t *testing.T) {
	healthy := netip.MustParseAddrPort("10.0.0.1:7000")
	broken := netip.MustParseAddrPort("10.0.0.2:7000")
	failing := netip.MustParseAddrPort("10.0.0.3:7000")
	writeErr := errors.New("device on fire")

	frames := make(chan []byte, 4)
	var peers []net.Conn
	dial := pipeDialer(map[netip.AddrPort]func() net.Conn{
		healthy: func() net.Conn {
			local, remote := net.Pipe()
			peers = append(peers, remote)
			go func() {
				for {
					frame, err := protocol.ReadFrame(remote)
					if err != nil {
						return
					}
					frames <- frame
				}
			}()
			return local
		},
		broken: func() net.Conn {
			local, remote := net.Pipe()
			peers = append(peers, remote)
			return &scriptedConn{Conn: local, err: &net.OpError{Op: "write", Net: "tcp", Err: syscall.EPIPE}}
		},
		failing: func() net.Conn {
			local, remote := net.Pipe()
			peers = append(peers, remote)
			return &scriptedConn{Conn: local, err: writeErr}
		},
	})
	defer func() {
		for _, p := range peers {
			p.Close()
		}
	}()

	s := NewTCPServer(TCPOptions{Dial: dial}, quietLogger(), nil)
	defer s.Close(time.Second)

	for _, addr := range []netip.AddrPort{healthy, broken, failing} {
		if _, err := s.GetOrOpenConnection(context.Background(), addr); err != nil {
			t.Fatalf("GetOrOpenConnection(%s) failed: %v", addr, err)
		}
	}

	err := s.SendToAll(&protocol.DiscoveryRequest{ReplyPort: 1})
	if err == nil {
		t.Fatal("Expected collected errors")
	}
	if !errors.Is(err, writeErr) {
		t.Errorf("Expected joined error to contain the generic failure, got %v", err)
	}
	if !errors.Is(err, syscall.EPIPE) {
		t.Errorf("Expected joined error to contain the broken pipe, got %v", err)
	}

	select {
	case frame := <-frames:
		p, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if _, ok := p.(*protocol.DiscoveryRequest); !ok {
			t.Errorf("Expected *DiscoveryRequest, got %T", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Healthy connection never received the packet")
	}

	// The disconnected peer is dropped from the pool, the generic failure is kept
	remaining := s.Connections()
	if len(remaining) != 2 {
		t.Fatalf("Expected 2 connections after send, got %d", len(remaining))
	}
	for _, c := range remaining {
		if c.Remote() == broken {
			t.Errorf("Expected disconnected peer %s to be removed", broken)
		}
	}
}

func writeRawFrame(t *testing.T, conn net.Conn, length uint32, payload []byte) {
	t.Helper()
	header := make([]byte, protocol.FrameHeaderSize)
	binary.BigEndian.PutUint32(header, length)
	if _, err := conn.Write(append(header, payload...)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestTCPMalformedFrameDropped(t *testing.T) {
	server := newLoopbackTCP(t)

	events := make(chan PacketEvent, 1)
	server.OnPacket(func(ev PacketEvent) { events <- ev })

	conn, err := net.Dial("tcp4", server.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	garbage := []byte("not a control packet")
	writeRawFrame(t, conn, uint32(len(garbage)), garbage)

	valid, err := protocol.Encode(&protocol.DiscoveryRequest{ReplyPort: 77})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	writeRawFrame(t, conn, uint32(len(valid)), valid)

	select {
	case ev := <-events:
		if req, ok := ev.Packet.(*protocol.DiscoveryRequest); !ok || req.ReplyPort != 77 {
			t.Errorf("Expected request with reply port 77, got %#v", ev.Packet)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the valid packet after a malformed one")
	}
}

func TestTCPDesyncTearsDown(t *testing.T) {
	server := newLoopbackTCP(t)

	conn, err := net.Dial("tcp4", server.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	waitFor(t, "inbound connection", func() bool { return len(server.Connections()) == 1 })
	inbound := server.Connections()[0]

	writeRawFrame(t, conn, protocol.MaxFrameSize+1, nil)

	waitFor(t, "teardown", func() bool { return len(server.Connections()) == 0 })
	if !inbound.Closed() {
		t.Errorf("Expected desynchronized connection to be closed")
	}
	if inbound.Worker().State().HasError() {
		t.Errorf("Expected teardown without a worker error, got %v", inbound.Worker().State().Err)
	}
}

func TestTCPPeerCloseRemovesConnection(t *testing.T) {
	server := newLoopbackTCP(t)

	conn, err := net.Dial("tcp4", server.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	waitFor(t, "inbound connection", func() bool { return len(server.Connections()) == 1 })
	conn.Close()
	waitFor(t, "removal", func() bool { return len(server.Connections()) == 0 })
}

func TestTCPClosedServer(t *testing.T) {
	s := NewTCPServer(TCPOptions{}, quietLogger(), nil)
	if err := s.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.GetOrOpenConnection(context.Background(), netip.MustParseAddrPort("127.0.0.1:1")); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed, got %v", err)
	}
	if err := s.Listen(loopback); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed from Listen, got %v", err)
	}
}
