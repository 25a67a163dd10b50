// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timings for the streaming session client.
const (
	// SnapshotPollInterval is how often the snapshot fallback re-fetches the session
	// while a stream is open.
	SnapshotPollInterval = 1 * time.Second

	// IdleDebounce is how long an idle status must stand before the exchange is
	// considered complete.
	IdleDebounce = 600 * time.Millisecond

	// ExchangeTimeout is the hard ceiling for a single exchange.
	ExchangeTimeout = 5 * time.Minute

	// AbortTimeout bounds the remote abort issued when a stream is replaced.
	AbortTimeout = 800 * time.Millisecond

	// CommandTimeout is the HTTP timeout for request/response commands.
	CommandTimeout = 30 * time.Second

	// HealthCheckTimeout is how long WaitForHealth keeps probing the server.
	HealthCheckTimeout = 20 * time.Second
)

// ReaderYieldEvery is the number of parsed events after which the event reader
// yields to the scheduler.
const ReaderYieldEvery = 32
