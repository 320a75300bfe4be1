// Package eventstore is the write and read API over the grading event log.
//
// Append validates an event against the event registry, commits it through
// storage with the optimistic version check, and hands it to the handlers
// registered for its type. Handler failures never reach the writer: every
// committed event also has a handler outbox row, and a failed or deferred
// delivery is retried by the outbox worker until it succeeds or is dead
// lettered. Handlers may therefore see an event more than once and must be
// idempotent.
package eventstore
