// Package server implements the streaming endpoint: a WebSocket upgrade
// handler at /ws backed by a broadcast hub, plus /health and /stats HTTP
// endpoints.
//
// The hub:
//   - Tracks connected clients with per-connection metadata
//   - Sends a welcome envelope on accept
//   - Answers envelope-level pings with pongs, echoing correlation ids
//   - Acknowledges messages that carry a messageId
//   - Unpacks batch envelopes before dispatch
//   - Broadcasts periodic heartbeat and stats envelopes
package server
