package state

import (
	"context"

	"perp-ledger/internal/ledger"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// History is the durable append-only archive of closed positions.
type History interface {
	AppendClosed(ctx context.Context, record ledger.ClosedPosition) error
	ListClosed(ctx context.Context, limit int) ([]ledger.ClosedPosition, error)
}
