// Package connection implements the client side of a blockchain indexing
// backend connection.
//
// The Connection Manager:
//   - Keeps at most one WebSocket connection to one of several endpoints
//   - Picks endpoints in random order and drops the ones that failed
//   - Correlates request ids with replies under a connection-wide timeout
//   - Routes push frames to subscription callbacks
//   - Closes idle connections and probes busy ones
//
// Callers connect explicitly with EnsureConnected. Subscriptions do not
// survive a disconnect; OnConnected listeners re-subscribe if needed.
package connection
