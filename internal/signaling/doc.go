// Package signaling carries call signaling between a client and the relay:
// the JSON message union, the reconnecting Channel, and its two transports
// (WebSocket and redis mailbox polling).
package signaling
