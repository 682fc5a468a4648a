// Package database provides the PostgreSQL connection pool used by the block recorder.
package database
