// Package metrics defines the node's Prometheus metrics on a private registry.
package metrics
