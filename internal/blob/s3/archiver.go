package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// ArchiveImpl implements domain.Archiver by serialising store rows to JSONL
// and uploading them through a domain.BlobWriter.
type ArchiveImpl struct {
	writer domain.BlobWriter
	store  domain.Store
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, store domain.Store) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, store: store}
}

// ArchivePricePoints uploads price points older than before, one object per
// UTC day, and deletes them only once every upload has succeeded.
//
//	archive/price_points/2026-03-01/1772409600.jsonl
func (a *ArchiveImpl) ArchivePricePoints(ctx context.Context, before time.Time) (int64, error) {
	points, err := a.store.PricePoints().ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive price points query: %w", err)
	}
	if len(points) == 0 {
		return 0, nil
	}

	byDay := make(map[string][]domain.PricePoint)
	for _, pt := range points {
		day := pt.Bucket.UTC().Format(time.DateOnly)
		byDay[day] = append(byDay[day], pt)
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	paths := make([]string, 0, len(days))
	for _, day := range days {
		buf, err := marshalJSONL(byDay[day])
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive price points marshal: %w", err)
		}
		path := fmt.Sprintf("archive/price_points/%s/%d.jsonl", day, before.Unix())
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL); err != nil {
			return 0, fmt.Errorf("s3blob: archive price points upload: %w", err)
		}
		paths = append(paths, path)
	}

	deleted, err := a.store.PricePoints().DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive price points delete: %w", err)
	}
	count := int64(len(points))
	if err := a.store.Audit().Log(ctx, "archive.price_points", map[string]any{
		"paths":   paths,
		"count":   count,
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive price points audit log: %w", err)
	}
	return count, nil
}

// ArchiveHedges copies hedge positions created in [from, to) to
// archive/hedges/<from day>.jsonl. Hedges stay in the primary store.
func (a *ArchiveImpl) ArchiveHedges(ctx context.Context, from, to time.Time) (int64, error) {
	all, err := a.store.Hedges().List(ctx, domain.ListOpts{Since: &from, Until: &to})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive hedges query: %w", err)
	}
	hedges := all[:0]
	for _, h := range all {
		if h.CreatedAt.Before(to) {
			hedges = append(hedges, h)
		}
	}
	if len(hedges) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(hedges)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive hedges marshal: %w", err)
	}
	path := fmt.Sprintf("archive/hedges/%s.jsonl", from.UTC().Format(time.DateOnly))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL); err != nil {
		return 0, fmt.Errorf("s3blob: archive hedges upload: %w", err)
	}

	count := int64(len(hedges))
	if err := a.store.Audit().Log(ctx, "archive.hedges", map[string]any{
		"path":  path,
		"count": count,
		"from":  from.Format(time.RFC3339),
		"to":    to.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive hedges audit log: %w", err)
	}
	return count, nil
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
