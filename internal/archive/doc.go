// Package archive persists received application messages to PostgreSQL in
// batches. It is optional: when no archive is configured the server simply
// does not attach a sink.
package archive
