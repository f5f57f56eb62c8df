// Package protocol defines the eventwire wire format shared by the hub and the
// connection manager.
//
// Every frame exchanged over the WebSocket is a JSON text message that decodes
// into an Envelope with a "type" discriminant. Server frames carry their send
// time in "ts", while the richer client envelope uses "timestamp" and "id".
// Consumers must not assume the two ends share a clock.
package protocol
