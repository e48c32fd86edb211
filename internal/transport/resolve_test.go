package transport

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		input       string
		host        string
		port        uint16
		expectError bool
	}{
		{"127.0.0.1:47800", "127.0.0.1", 47800, false},
		{"localhost:47800", "localhost", 47800, false},
		{"box.local:1", "box.local", 1, false},
		{"[::1]:47800", "::1", 47800, false},
		{"localhost", "", 0, true},
		{":47800", "", 0, true},
		{"localhost:0", "", 0, true},
		{"localhost:70000", "", 0, true},
		{"localhost:http", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			host, port, err := SplitHostPort(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error for %q, got %s:%d", tt.input, host, port)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if host != tt.host || port != tt.port {
				t.Errorf("Expected %s:%d, got %s:%d", tt.host, tt.port, host, port)
			}
		})
	}
}

func TestResolveAddrPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	literal, err := ResolveAddrPort(ctx, "192.0.2.7:47800")
	if err != nil {
		t.Fatalf("Expected literal address to parse, got %v", err)
	}
	if literal != netip.MustParseAddrPort("192.0.2.7:47800") {
		t.Errorf("Expected 192.0.2.7:47800, got %s", literal)
	}

	mapped, err := ResolveAddrPort(ctx, "[::ffff:192.0.2.7]:47800")
	if err != nil {
		t.Fatalf("Expected mapped address to parse, got %v", err)
	}
	if mapped != literal {
		t.Errorf("Expected mapped address to unmap to %s, got %s", literal, mapped)
	}

	local, err := ResolveAddrPort(ctx, "localhost:47800")
	if err != nil {
		t.Skipf("localhost does not resolve here: %v", err)
	}
	if !local.Addr().IsLoopback() || local.Port() != 47800 {
		t.Errorf("Expected a loopback address on port 47800, got %s", local)
	}
	if !local.Addr().Is4() {
		t.Logf("localhost resolved to %s only", local.Addr())
	}

	if _, err := ResolveAddrPort(ctx, "no-port"); err == nil {
		t.Errorf("Expected an error for a missing port")
	}
}
