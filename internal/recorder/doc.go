// Package recorder persists block notifications received over a backend
// connection to PostgreSQL.
//
// Subscription callbacks run on the connection read goroutine, so the
// recorder only enqueues there; batching and inserts happen on its own
// goroutines. Inserts are append-only with ON CONFLICT DO NOTHING.
package recorder
