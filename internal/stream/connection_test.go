package stream

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records writes and fails them with writeErr when set
type fakeConn struct {
	mu       sync.Mutex
	writeErr error
	written  bytes.Buffer
	closed   bool
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.written.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 47900}
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func waitStopped(t *testing.T, w *worker.Worker) worker.ServiceState {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s to stop", w.Name())
	}
	return w.State()
}

func TestAudioConnectionWriteFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantFail bool
	}{
		{"broken pipe", &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.EPIPE)}, false},
		{"protocol wrong type", &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.EPROTOTYPE)}, false},
		{"connection reset", syscall.ECONNRESET, false},
		{"other failure", errors.New("disk quota exceeded"), true},
		{"message is not enough", errors.New("Broken pipe"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{writeErr: tt.err}
			codec, _ := NewPayloadCodec(protocol.CompressionNone, nil)
			c := NewAudioConnection(conn, codec, 4, time.Second, quietLogger(), nil)

			closed := make(chan struct{})
			c.OnClose(func(*AudioConnection) { close(closed) })

			c.Buffer().Push([]byte{1, 2, 3, 4})
			if err := c.Start(); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			state := waitStopped(t, c.Worker())
			if state.Type != worker.Stopped {
				t.Errorf("Expected STOPPED, got %s", state.Type)
			}
			if tt.wantFail {
				if !state.HasError() {
					t.Fatalf("Expected a recorded failure")
				}
				if !errors.Is(state.Err, tt.err) {
					t.Errorf("Expected recorded error to wrap %v, got %v", tt.err, state.Err)
				}
			} else if state.HasError() {
				t.Errorf("Expected quiet disconnect, got error %v", state.Err)
			}

			select {
			case <-closed:
			case <-time.After(time.Second):
				t.Errorf("Expected close hook to run")
			}
			if !conn.isClosed() {
				t.Errorf("Expected socket to be closed")
			}
			if !c.Buffer().Closed() {
				t.Errorf("Expected buffer to be closed")
			}
		})
	}
}

func TestAudioConnectionSendsFrames(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	codec, _ := NewPayloadCodec(protocol.CompressionNone, nil)
	c := NewAudioConnection(local, codec, 4, time.Second, quietLogger(), nil)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop(time.Second)

	// Six bytes yield one four byte chunk; the rest waits for more data
	c.Buffer().Push([]byte{1, 2, 3, 4, 5, 6})
	c.Buffer().Push([]byte{7, 8})

	for _, want := range [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}} {
		frame, err := protocol.ReadFrame(remote)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if !bytes.Equal(frame, want) {
			t.Errorf("Expected frame %v, got %v", want, frame)
		}
	}

	waitFor(t, "frame counter", func() bool { return c.GetStatistics().FramesSent == 2 })
	stats := c.GetStatistics()
	if stats.BytesSent != 2*(protocol.FrameHeaderSize+4) {
		t.Errorf("Expected %d bytes sent, got %d", 2*(protocol.FrameHeaderSize+4), stats.BytesSent)
	}
	if stats.ID == "" {
		t.Errorf("Expected a connection id")
	}
}

func TestAudioConnectionStopReleasesPop(t *testing.T) {
	conn := &fakeConn{}
	codec, _ := NewPayloadCodec(protocol.CompressionNone, nil)
	c := NewAudioConnection(conn, codec, 1024, time.Second, quietLogger(), nil)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if state := c.Worker().State(); state.HasError() {
		t.Errorf("Expected clean stop, got %v", state.Err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
