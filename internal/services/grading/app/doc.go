// Package server composes the grading event store, command handler and
// projections into a runnable service.
//
// Startup opens the SQLite event log, registers the projection handlers and
// rebuilds every projection from history before any command is accepted.
// Serve runs the handler outbox worker and the optional metrics endpoint
// until its context ends.
package server
