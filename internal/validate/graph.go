package validate

import (
	"context"

	"evigraph/internal/store"
)

// JournalSource lists persisted journal events. store.Backend satisfies it.
type JournalSource interface {
	Events(ctx context.Context, fromSeq int64, limit int) ([]store.JournalEvent, error)
}
