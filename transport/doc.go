// Package transport implements the Network effect over real connections:
// direct gRPC between peers and a WebSocket relay for peers that cannot reach
// each other. Relay endpoints can be discovered through DNS SRV records.
package transport
