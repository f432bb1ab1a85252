// Package database manages the PostgreSQL connection pool backing the
// optional message archive.
package database
