package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	pointsBefore time.Time
	from, to     time.Time
	err          error
}

func (f *fakeArchive) ArchivePricePoints(_ context.Context, before time.Time) (int64, error) {
	f.pointsBefore = before
	return 3, f.err
}

func (f *fakeArchive) ArchiveHedges(_ context.Context, from, to time.Time) (int64, error) {
	f.from, f.to = from, to
	return 1, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiverCutoffs(t *testing.T) {
	fa := &fakeArchive{}
	a := NewArchiver(fa, 30*24*time.Hour, discard())
	a.SetClock(func() time.Time { return time.Date(2026, 4, 10, 3, 0, 0, 0, time.UTC) })

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), fa.pointsBefore)
	assert.Equal(t, time.Date(2026, 4, 9, 0, 0, 0, 0, time.UTC), fa.from)
	assert.Equal(t, time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC), fa.to)
}

func TestArchiverStopsOnPointFailure(t *testing.T) {
	fa := &fakeArchive{err: errors.New("boom")}
	a := NewArchiver(fa, time.Hour, discard())
	assert.Error(t, a.Run(context.Background()))
	assert.True(t, fa.from.IsZero())
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(discard())
	require.Error(t, s.Add("bad", "not a spec", func(context.Context) error { return nil }))

	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}))
	assert.Equal(t, 1, s.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestSchedulerAcceptsSecondsField(t *testing.T) {
	s := NewScheduler(discard())
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add("archive", "0 30 3 * * *", noop))
	require.NoError(t, s.Add("reconcile", "*/5 * * * *", noop))
	assert.Equal(t, 2, s.Len())
}
