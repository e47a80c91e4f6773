package event

import "context"

// ServerStore is the server-side durable store for ingested events.
// Writes are idempotent on event ID: a re-delivered batch inserts nothing
// and still succeeds.
type ServerStore interface {
	// SaveAll persists the events, skipping IDs already present. Returns
	// the number of rows actually inserted.
	SaveAll(ctx context.Context, events []*InteractionEvent) (int64, error)
}
