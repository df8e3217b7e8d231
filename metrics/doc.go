// Package metrics exposes the agent's Prometheus collectors and the server
// that publishes them.
package metrics
