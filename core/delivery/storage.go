package delivery

import "context"

// DestinationStore persists destination configs write-behind. The engine is
// authoritative in memory; the store only survives restarts. Queue state and
// attempt history are intentionally not persisted.
type DestinationStore interface {
	Save(ctx context.Context, dest Destination) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]Destination, error)
}
