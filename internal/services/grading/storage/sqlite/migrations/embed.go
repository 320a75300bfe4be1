package migrations

import "embed"

// EventsFS holds the event log and handler outbox schema.
//
//go:embed events/*.sql
var EventsFS embed.FS

// EventsRoot is the directory inside EventsFS holding the migrations.
const EventsRoot = "events"
