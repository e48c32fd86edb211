package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/skypro1111/lan-audio-service/internal/config"
	"github.com/skypro1111/lan-audio-service/internal/discovery"
	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/stream"
	"github.com/skypro1111/lan-audio-service/internal/transport"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

const (
	serviceName    = "lan-audio-service"
	serviceVersion = "1.0.0"
)

// Node holds the components the API reports on. AudioServer and AudioClient are
// nil when the node does not run them.
type Node struct {
	Config      func() *config.Config
	Discovery   *discovery.Service
	AudioServer *stream.AudioServer
	AudioClient *stream.AudioClient
	Workers     func() []*worker.Worker // extra workers such as the config watcher
}

// workers collects every worker of the node
func (n Node) workers() []*worker.Worker {
	var all []*worker.Worker
	if n.Discovery != nil {
		all = append(all, n.Discovery.Workers()...)
	}
	if n.AudioServer != nil {
		all = append(all, n.AudioServer.Workers()...)
	}
	if n.AudioClient != nil {
		all = append(all, n.AudioClient.Worker())
	}
	if n.Workers != nil {
		all = append(all, n.Workers()...)
	}
	return all
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server  *http.Server
	handler http.Handler
	logger  *slog.Logger
	node    Node
	metrics *metrics.Metrics

	// Server state
	startTime time.Time
	mu        sync.RWMutex
	listener  net.Listener
	events    sync.WaitGroup
	done      chan struct{}
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, node Node, m *metrics.Metrics) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http")),
		node:      node,
		metrics:   m,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprint(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the API handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Server index
	mux.HandleFunc("/servers", h.withMetrics("/servers", h.handleServers))

	// Worker states
	mux.HandleFunc("/state", h.withMetrics("/state", h.handleState))

	// Live state and index events over a websocket
	mux.HandleFunc("/events", h.withMetrics("/events", h.handleEvents))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address, empty before Start
func (h *HTTPServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server and closes open event streams
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	close(h.done)
	err := h.server.Shutdown(ctx)
	h.events.Wait()
	return err
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	components := map[string]interface{}{}
	status := "healthy"

	if h.node.Discovery != nil {
		stats := h.node.Discovery.GetStatistics()
		components["discovery"] = map[string]interface{}{
			"control_address": stats.ControlAddress,
			"multicast":       stats.Multicast != nil,
			"auto_servers":    stats.AutoServers,
			"manual_servers":  stats.ManualServers,
		}
	}
	if h.node.AudioServer != nil {
		running := h.node.AudioServer.Running()
		components["audio_server"] = map[string]interface{}{
			"running":     running,
			"connections": len(h.node.AudioServer.Connections()),
		}
		if !running {
			status = "degraded"
		}
	}
	if h.node.AudioClient != nil {
		stats := h.node.AudioClient.GetStatistics()
		components["audio_client"] = map[string]interface{}{
			"status":    stats.Status,
			"connected": stats.Connected,
		}
	}

	failed := 0
	for _, wk := range h.node.workers() {
		if wk.State().HasError() {
			failed++
		}
	}
	if failed > 0 {
		status = "degraded"
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"failed_workers": failed,
		"components":     components,
	}

	writeJSON(w, http.StatusOK, health)
}

// handleServers implements the /servers endpoint: GET lists the index, POST adds
// a manual server and DELETE removes one
func (h *HTTPServer) handleServers(w http.ResponseWriter, r *http.Request) {
	if h.node.Discovery == nil {
		http.Error(w, "Discovery not running", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		auto, manual := h.node.Discovery.Index().Snapshot()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"timestamp": time.Now().UTC(),
			"auto":      nonNil(auto),
			"manual":    nonNil(manual),
		})

	case http.MethodPost:
		var req struct {
			Address string `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		addr, err := transport.ResolveAddrPort(r.Context(), req.Address)
		if err != nil {
			http.Error(w, "Invalid address, expected host:port: "+err.Error(), http.StatusBadRequest)
			return
		}
		server := h.node.Discovery.AddManualServer(addr)
		writeJSON(w, http.StatusCreated, server)

	case http.MethodDelete:
		addr, err := transport.ResolveAddrPort(r.Context(), r.URL.Query().Get("address"))
		if err != nil {
			http.Error(w, "Invalid address, expected host:port: "+err.Error(), http.StatusBadRequest)
			return
		}
		if !h.node.Discovery.RemoveManualServer(addr) {
			http.Error(w, "Manual server not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleState implements the /state endpoint
func (h *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"workers":   h.workerStates(),
	}
	if h.node.AudioClient != nil {
		response["client_status"] = h.node.AudioClient.Status()
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *HTTPServer) workerStates() []worker.StateInfo {
	workers := h.node.workers()
	states := make([]worker.StateInfo, 0, len(workers))
	for _, wk := range workers {
		states = append(states, wk.State().Info(wk.Name()))
	}
	return states
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.node.Config == nil {
		http.Error(w, "Configuration not available", http.StatusServiceUnavailable)
		return
	}
	cfg := h.node.Config()

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"node": map[string]interface{}{
			"name": cfg.Node.Name,
		},
		"discovery": map[string]interface{}{
			"control_address":    cfg.Discovery.ControlAddress,
			"multicast_group":    cfg.Discovery.MulticastGroup,
			"interface":          cfg.Discovery.Interface,
			"broadcast_interval": cfg.Discovery.BroadcastInterval,
			"purge_interval":     cfg.Discovery.PurgeInterval,
			"stale_after":        cfg.Discovery.StaleAfter,
			"mdns":               cfg.Discovery.MDNS,
			"servers":            cfg.Discovery.Servers,
		},
		"audio_server": map[string]interface{}{
			"enabled":     cfg.AudioServer.Enabled,
			"address":     cfg.AudioServer.Address,
			"source":      cfg.AudioServer.Source,
			"format":      cfg.AudioServer.GetFormat().String(),
			"buffer_size": cfg.AudioServer.BufferSize,
			"compression": cfg.AudioServer.Compression,
		},
		"audio_client": map[string]interface{}{
			"enabled":         cfg.AudioClient.Enabled,
			"server":          cfg.AudioClient.Server,
			"output":          cfg.AudioClient.Output,
			"buffer_size":     cfg.AudioClient.BufferSize,
			"retry_delay":     cfg.AudioClient.RetryDelay,
			"report_interval": cfg.AudioClient.ReportInterval,
		},
		"encryption": map[string]interface{}{
			// Note: the secret is intentionally omitted for security
			"enabled": cfg.Encryption.Secret != "",
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.node.Discovery != nil {
		stats["discovery"] = h.node.Discovery.GetStatistics()
	}
	if h.node.AudioServer != nil {
		stats["audio_server"] = h.node.AudioServer.GetStatistics()
	}
	if h.node.AudioClient != nil {
		stats["audio_client"] = h.node.AudioClient.GetStatistics()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "LAN Audio Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":           "API documentation",
			"GET /health":     "Service health check",
			"GET /servers":    "List known servers",
			"POST /servers":   "Add a manual server: {\"address\": \"host:port\"}",
			"DELETE /servers": "Remove a manual server: ?address=host:port",
			"GET /state":      "Worker states",
			"GET /events":     "Websocket stream of state and server events",
			"GET /config":     "Get node configuration",
			"GET /stats":      "Get node statistics",
			"GET /metrics":    "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil(servers []discovery.RemoteServer) []discovery.RemoteServer {
	if servers == nil {
		return []discovery.RemoteServer{}
	}
	return servers
}
