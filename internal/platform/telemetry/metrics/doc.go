// Package metrics exposes Prometheus collectors for the event store and its
// handler delivery.
//
// Collectors register on an injected prometheus.Registerer so tests and
// multiple stores in one process do not collide on the default registry. A
// nil *Metrics is valid and records nothing.
package metrics
