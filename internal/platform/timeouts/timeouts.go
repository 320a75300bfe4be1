// Package timeouts defines shared timeout constants used across gradebook
// binaries.
package timeouts

import "time"

// ReadHeader limits how long the metrics HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers and workers wait for in-flight work
// during graceful shutdown.
const Shutdown = 5 * time.Second

// OutboxLease is how long a claimed outbox row stays reserved before another
// worker may reclaim it.
const OutboxLease = 2 * time.Minute

// Grading caps a single call into the grading pipeline.
const Grading = 30 * time.Second
