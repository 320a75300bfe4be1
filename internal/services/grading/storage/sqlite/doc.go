// Package sqlite implements the grading event log and its handler outbox on
// SQLite.
//
// Appends run in an immediate transaction: the version check and the insert
// are a single conditional INSERT, and UNIQUE (aggregate_id, version) backs it
// up, so two writers racing on one aggregate resolve to one winner and one
// version conflict. The same transaction enqueues the handler outbox row.
package sqlite
