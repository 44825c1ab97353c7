package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mensageria/internal/errs"
)

func TestCreateAndFirst(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	ctx := context.Background()
	u := User{ID: "u1", Username: "alice", PasswordHash: []byte("h")}
	require.NoError(t, Create(ctx, db, &u))

	got, err := First[User](ctx, db, "username = ?", "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	_, err = First[User](ctx, db, "username = ?", "bob")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateDuplicateIsAlreadyExists(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	ctx := context.Background()
	require.NoError(t, Create(ctx, db, &User{ID: "u1", Username: "alice", PasswordHash: []byte("h")}))
	err = Create(ctx, db, &User{ID: "u2", Username: "alice", PasswordHash: []byte("h")})
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestInMemoryDatabasesAreIsolated(t *testing.T) {
	a, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(a) })
	b, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(b) })

	ctx := context.Background()
	require.NoError(t, Create(ctx, a, &KeyRecord{UserID: "u1", PublicKey: []byte{1}, Version: 1, UploadedAt: time.Now()}))

	_, err = First[KeyRecord](ctx, b, "user_id = ?", "u1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStateCanAdvance(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateQueued, StateDelivered, true},
		{StateDelivered, StateAcked, true},
		{StateQueued, StateAcked, true},
		{StateDelivered, StateQueued, false},
		{StateAcked, StateDelivered, false},
		{StateAcked, StateFailed, false},
		{StateDelivered, StateFailed, true},
		{StateFailed, StateAcked, false},
		{StateDelivered, StateDelivered, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.from.CanAdvance(tc.to), "%s -> %s", tc.from, tc.to)
	}
}
