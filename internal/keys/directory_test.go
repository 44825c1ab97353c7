package keys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mensageria/internal/database"
	"mensageria/internal/errs"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return NewDirectory(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUploadThenLookup(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Lookup(ctx, "alice")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = d.Upload(ctx, "alice", []byte("k1"))
	require.NoError(t, err)
	rec, err := d.Upload(ctx, "alice", []byte("k2"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Version)

	got, err := d.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("k2"), got.PublicKey)
}

func TestLookupSurvivesRestart(t *testing.T) {
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	_, err = NewDirectory(db, logger).Upload(ctx, "alice", []byte("k1"))
	require.NoError(t, err)

	fresh := NewDirectory(db, logger)
	got, err := fresh.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("k1"), got.PublicKey)

	rec, err := fresh.Upload(ctx, "alice", []byte("k2"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Version)
}

func TestUploadRejectsMalformed(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Upload(ctx, "alice", nil)
	assert.ErrorIs(t, err, errs.ErrMalformedUpload)

	_, err = d.Upload(ctx, "alice", make([]byte, MaxKeySize+1))
	assert.ErrorIs(t, err, errs.ErrMalformedUpload)

	_, err = d.Upload(ctx, "", []byte("k"))
	assert.ErrorIs(t, err, errs.ErrMalformedUpload)
}

func TestConcurrentUploadsLastWriterWins(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		last    uint64
		lastKey []byte
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []byte(fmt.Sprintf("key-%d", i))
			rec, err := d.Upload(ctx, "alice", key)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			if rec.Version > last {
				last = rec.Version
				lastKey = key
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	got, err := d.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, n, got.Version)
	assert.Equal(t, lastKey, got.PublicKey)

	fresh := NewDirectory(d.db, d.logger)
	stored, err := fresh.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, lastKey, stored.PublicKey)
}
