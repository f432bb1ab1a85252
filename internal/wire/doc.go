// Package wire defines the JSON message envelope exchanged over the
// streaming connection.
//
// Conventions:
//   - Every envelope carries a "type" discriminator and a unix-millisecond
//     "timestamp".
//   - Request/response correlation uses an id field whose name matches
//     between request and reply (messageId, healthCheckId, latencyId).
//   - Non-priority messages may be coalesced into a "batch" envelope whose
//     "messages" array holds the originals.
package wire
