package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/lan-audio-service/internal/config"
	"github.com/skypro1111/lan-audio-service/internal/discovery"
	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

func newTestServer(t *testing.T) (*HTTPServer, *discovery.Service, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Encryption.Secret = "super-secret-value"

	svc := discovery.NewService(discovery.Options{
		ControlAddress: netip.MustParseAddrPort("127.0.0.1:0"),
	}, logger, nil)
	m := metrics.NewMetrics()

	h := NewHTTPServer(cfg.HTTP, logger, Node{
		Config:    func() *config.Config { return cfg },
		Discovery: svc,
	}, m)
	return h, svc, m
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := do(t, h.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", health["status"])
	}
	components, _ := health["components"].(map[string]interface{})
	if _, ok := components["discovery"]; !ok {
		t.Errorf("Expected discovery component in health")
	}

	if rec := do(t, h.Handler(), http.MethodPost, "/health", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", rec.Code)
	}
}

func TestServersEndpoint(t *testing.T) {
	h, svc, _ := newTestServer(t)
	handler := h.Handler()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"add manual server", http.MethodPost, "/servers", `{"address":"192.0.2.10:47800"}`, http.StatusCreated},
		{"add again is idempotent", http.MethodPost, "/servers", `{"address":"192.0.2.10:47800"}`, http.StatusCreated},
		{"add invalid address", http.MethodPost, "/servers", `{"address":"192.0.2.10"}`, http.StatusBadRequest},
		{"add malformed body", http.MethodPost, "/servers", `{`, http.StatusBadRequest},
		{"list", http.MethodGet, "/servers", "", http.StatusOK},
		{"remove", http.MethodDelete, "/servers?address=192.0.2.10:47800", "", http.StatusNoContent},
		{"remove unknown", http.MethodDelete, "/servers?address=192.0.2.10:47800", "", http.StatusNotFound},
		{"remove invalid", http.MethodDelete, "/servers?address=nope", "", http.StatusBadRequest},
		{"unsupported method", http.MethodPut, "/servers", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, handler, tt.method, tt.target, tt.body)
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	if _, manual := svc.Index().Counts(); manual != 0 {
		t.Errorf("Expected no manual servers after removal, got %d", manual)
	}
}

func TestServersEndpointResolvesHostNames(t *testing.T) {
	h, svc, _ := newTestServer(t)
	handler := h.Handler()

	rec := do(t, handler, http.MethodPost, "/servers", `{"address":"localhost:47800"}`)
	if rec.Code != http.StatusCreated {
		t.Skipf("localhost does not resolve here: %d %s", rec.Code, rec.Body.String())
	}
	var added discovery.RemoteServer
	if err := json.NewDecoder(rec.Body).Decode(&added); err != nil {
		t.Fatalf("Failed to decode server: %v", err)
	}
	if added.Address != netip.MustParseAddrPort("127.0.0.1:47800") {
		t.Skipf("localhost resolved to %s", added.Address)
	}

	// The literal address names the same server
	if _, ok := svc.Index().Find(netip.MustParseAddrPort("127.0.0.1:47800")); !ok {
		t.Errorf("Expected 127.0.0.1:47800 in the index")
	}
	rec = do(t, handler, http.MethodPost, "/servers", `{"address":"127.0.0.1:47800"}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d", rec.Code)
	}
	if _, manual := svc.Index().Snapshot(); len(manual) != 1 {
		t.Errorf("Expected one manual server, got %d", len(manual))
	}

	rec = do(t, handler, http.MethodDelete, "/servers?address=127.0.0.1:47800", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, handler, http.MethodDelete, "/servers?address=localhost:47800", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after removal, got %d", rec.Code)
	}
}

func TestServersListing(t *testing.T) {
	h, svc, _ := newTestServer(t)
	svc.AddManualServer(netip.MustParseAddrPort("192.0.2.20:47800"))

	rec := do(t, h.Handler(), http.MethodGet, "/servers", "")
	var listing struct {
		Auto   []discovery.RemoteServer `json:"auto"`
		Manual []discovery.RemoteServer `json:"manual"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatalf("Failed to decode listing: %v", err)
	}
	if listing.Auto == nil || len(listing.Auto) != 0 {
		t.Errorf("Expected an empty auto list, got %v", listing.Auto)
	}
	if len(listing.Manual) != 1 || listing.Manual[0].Address.String() != "192.0.2.20:47800" {
		t.Errorf("Expected the manual server, got %v", listing.Manual)
	}
	if !listing.Manual[0].Manual {
		t.Errorf("Expected entry to be marked manual")
	}
}

func TestStateEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := do(t, h.Handler(), http.MethodGet, "/state", "")
	var state struct {
		Workers []worker.StateInfo `json:"workers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}

	names := map[string]bool{}
	for _, w := range state.Workers {
		names[w.Name] = true
	}
	for _, want := range []string{"discovery-broadcast", "discovery-purge"} {
		if !names[want] {
			t.Errorf("Expected worker %s in state, got %v", want, state.Workers)
		}
	}
}

func TestConfigEndpointHidesSecret(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := do(t, h.Handler(), http.MethodGet, "/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "super-secret-value") {
		t.Errorf("Expected secret to be omitted, got %s", body)
	}
	if !strings.Contains(body, `"enabled":true`) {
		t.Errorf("Expected encryption to be reported as enabled, got %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t)
	handler := h.Handler()

	do(t, handler, http.MethodGet, "/health", "")
	do(t, handler, http.MethodGet, "/nope", "")

	rec := do(t, handler, http.MethodGet, "/metrics", "")
	body := rec.Body.String()
	if !strings.Contains(body, `lanaudio_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`) {
		t.Errorf("Expected health request to be counted, got:\n%s", body)
	}
	if !strings.Contains(body, `lanaudio_http_errors_total{endpoint="/",error_type="client_error",method="GET"} 1`) {
		t.Errorf("Expected not found to be counted as a client error")
	}
}

func TestEventsStream(t *testing.T) {
	h, svc, _ := newTestServer(t)
	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if first.Type != "state" || len(first.States) == 0 {
		t.Errorf("Expected an initial state snapshot, got %+v", first)
	}

	svc.AddManualServer(netip.MustParseAddrPort("192.0.2.30:47800"))

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		if ev.Type != "server" {
			continue
		}
		if ev.Server == nil || ev.Server.Type != discovery.ServerAdded {
			t.Fatalf("Expected an added event, got %+v", ev.Server)
		}
		if got := ev.Server.Server.Address.String(); got != "192.0.2.30:47800" {
			t.Errorf("Expected event for 192.0.2.30:47800, got %s", got)
		}
		return
	}
}

func TestStartStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHTTPServer(config.HTTPConfig{Address: "127.0.0.1", Port: 0, Enabled: true}, logger, Node{}, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + h.Addr() + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if rec := do(t, h.Handler(), http.MethodGet, "/servers", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 without discovery, got %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestChangedStates(t *testing.T) {
	prev := []worker.StateInfo{
		{Name: "a", State: "RUNNING", Message: "Running"},
		{Name: "b", State: "RUNNING", Message: "Running"},
	}
	current := []worker.StateInfo{
		{Name: "a", State: "RUNNING", Message: "Running"},
		{Name: "b", State: "STOPPED", Message: "Stopped", Error: "boom"},
		{Name: "c", State: "STARTING", Message: "Starting"},
	}

	changed := changedStates(prev, current)
	if len(changed) != 2 {
		t.Fatalf("Expected 2 changed states, got %d", len(changed))
	}
	if changed[0].Name != "b" || changed[1].Name != "c" {
		t.Errorf("Expected b and c, got %v", changed)
	}
	if len(changedStates(current, current)) != 0 {
		t.Errorf("Expected no changes for identical states")
	}
}
