// Package event defines the event envelope, the fixed event-type enumeration
// and the registry that validates events before they reach the log.
//
// Events are immutable facts about one aggregate. Storage assigns the
// per-aggregate version and the global sequence; everything else is fixed by
// the caller and checked here.
package event
