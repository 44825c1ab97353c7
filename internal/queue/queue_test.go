package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mensageria/internal/database"
	"mensageria/internal/errs"
)

func setup(t *testing.T, pageSize int) (*Offline, *gorm.DB) {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return NewOffline(db, pageSize), db
}

func appendMessage(t *testing.T, db *gorm.DB, recipient string, seq uint64) database.Message {
	t.Helper()
	m := database.Message{
		ID:          fmt.Sprintf("m%d", seq),
		SenderID:    "alice",
		RecipientID: recipient,
		Sequence:    seq,
		Ciphertext:  []byte{byte(seq)},
		Nonce:       []byte("n"),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, database.Create(context.Background(), db, &m))
	return m
}

func collect(t *testing.T, q *Offline, recipient string, after uint64) []database.QueueEntry {
	t.Helper()
	var out []database.QueueEntry
	for e, err := range q.Flush(context.Background(), recipient, after) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func ids(entries []database.QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.MessageID
	}
	return out
}

func TestFlush_ReplaysUntilAcked(t *testing.T) {
	q, db := setup(t, 2)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, appendMessage(t, db, "bob", i)))
	}

	first := collect(t, q, "bob", 0)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, ids(first))
	assert.Equal(t, []byte{3}, first[2].Message.Ciphertext, "message is loaded with the entry")
	assert.Equal(t, 1, first[0].Attempts)

	again := collect(t, q, "bob", 0)
	assert.Equal(t, ids(first), ids(again), "unacked entries are replayed")
	assert.Equal(t, 2, again[0].Attempts)

	n, err := q.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	none := collect(t, q, "carol", 0)
	assert.Empty(t, none)
}

func TestFlush_ResumesAfterCursor(t *testing.T) {
	q, db := setup(t, 0)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, appendMessage(t, db, "bob", i)))
	}

	entries := collect(t, q, "bob", 0)
	require.Len(t, entries, 3)

	rest := collect(t, q, "bob", entries[0].ID)
	assert.Equal(t, []string{"m2", "m3"}, ids(rest))

	has, err := q.HasAfter(ctx, "bob", entries[2].ID)
	require.NoError(t, err)
	assert.False(t, has)

	has, err = q.HasAfter(ctx, "bob", entries[1].ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestFlush_SnapshotExcludesLateArrivals(t *testing.T) {
	q, db := setup(t, 1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, appendMessage(t, db, "bob", 1)))
	require.NoError(t, q.Enqueue(ctx, appendMessage(t, db, "bob", 2)))

	var seen []string
	var last uint64
	for e, err := range q.Flush(ctx, "bob", 0) {
		require.NoError(t, err)
		seen = append(seen, e.MessageID)
		last = e.ID
		if e.MessageID == "m1" {
			require.NoError(t, q.Enqueue(ctx, appendMessage(t, db, "bob", 3)))
		}
	}
	assert.Equal(t, []string{"m1", "m2"}, seen)

	has, err := q.HasAfter(ctx, "bob", last)
	require.NoError(t, err)
	assert.True(t, has, "late arrival is left for the next round")
	assert.Equal(t, []string{"m3"}, ids(collect(t, q, "bob", last)))
}

func TestEnqueue_Idempotent(t *testing.T) {
	q, db := setup(t, 0)
	ctx := context.Background()
	m := appendMessage(t, db, "bob", 1)
	require.NoError(t, q.Enqueue(ctx, m))
	require.NoError(t, q.Enqueue(ctx, m))

	n, err := q.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAck_OutOfOrderPurgesPrefix(t *testing.T) {
	q, db := setup(t, 0)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, appendMessage(t, db, "bob", i)))
	}

	require.NoError(t, q.Ack(ctx, "bob", "m2"))
	assert.Equal(t, []string{"m1", "m3"}, ids(collect(t, q, "bob", 0)))

	var rows int64
	require.NoError(t, db.Model(&database.QueueEntry{}).Count(&rows).Error)
	assert.EqualValues(t, 3, rows, "m2 stays until m1 is acked")

	require.NoError(t, q.Ack(ctx, "bob", "m1"))
	require.NoError(t, db.Model(&database.QueueEntry{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)

	require.NoError(t, q.Ack(ctx, "bob", "m3"))
	require.NoError(t, q.Ack(ctx, "bob", "m3"))
	require.NoError(t, db.Model(&database.QueueEntry{}).Count(&rows).Error)
	assert.Zero(t, rows)

	require.NoError(t, q.Ack(ctx, "bob", "unknown"))
}

func TestDrop(t *testing.T) {
	q, db := setup(t, 0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, appendMessage(t, db, "bob", 1)))
	require.NoError(t, q.Enqueue(ctx, appendMessage(t, db, "bob", 2)))

	require.NoError(t, q.Drop(ctx, "bob", "m1"))
	assert.Equal(t, []string{"m2"}, ids(collect(t, q, "bob", 0)))
}

func TestAdmit_AppendsAndQueuesTogether(t *testing.T) {
	q, db := setup(t, 0)
	ctx := context.Background()
	msg := func(id string) *database.Message {
		return &database.Message{
			ID:          id,
			SenderID:    "alice",
			RecipientID: "bob",
			Sequence:    1,
			Ciphertext:  []byte("c"),
			Nonce:       []byte("n"),
			CreatedAt:   time.Now().UTC(),
		}
	}

	require.NoError(t, q.Admit(ctx, msg("first")))
	stored, err := database.First[database.Message](ctx, db, "id = ?", "first")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.Sequence)
	assert.Equal(t, []string{"first"}, ids(collect(t, q, "bob", 0)))

	// Same pair and sequence: the log rejects it and no entry is left behind.
	err = q.Admit(ctx, msg("second"))
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	_, err = database.First[database.Message](ctx, db, "id = ?", "second")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	n, err := q.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
