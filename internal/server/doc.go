// Package server implements the node's HTTP API: health, the server index with
// manual server management, worker states, a websocket event stream and
// Prometheus metrics.
package server
