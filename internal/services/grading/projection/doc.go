// Package projection maintains the in-memory read models derived from the
// grading event log.
//
// Views are updated by event store handlers and can be thrown away and
// rebuilt from the log at any time. Every view change is keyed by event id,
// so redelivered events are ignored.
package projection
