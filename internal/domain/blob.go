package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver moves aged history to cold storage.
type Archiver interface {
	// ArchivePricePoints uploads every price point bucketed before cutoff
	// and then deletes them from the primary store.
	ArchivePricePoints(ctx context.Context, before time.Time) (int64, error)
	// ArchiveHedges copies the hedge ledger for [from, to) without deleting.
	ArchiveHedges(ctx context.Context, from, to time.Time) (int64, error)
}
