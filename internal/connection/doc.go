// Package connection implements the client-side Connection Manager.
//
// The Connection Manager:
//   - Owns one logical WebSocket connection to a streaming endpoint
//   - Reconnects with capped exponential backoff after abnormal closures
//   - Queues outbound messages in a bounded drop-oldest buffer while
//     disconnected and flushes them in order on reconnect
//   - Correlates ack / health-check / latency replies through a single
//     pending-request table
//   - Sends periodic liveness pings and answers inbound pings with pongs
//   - Optionally coalesces non-priority sends into batch envelopes
package connection
