// Package store is the append-only message log used for delivery state,
// conversation history and client resynchronisation.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"gorm.io/gorm"

	"mensageria/internal/database"
	"mensageria/internal/errs"
)

// DefaultPageSize bounds each query issued by the lazy iterators.
const DefaultPageSize = 100

// Messages is a gorm backed message log.
type Messages struct {
	db       *gorm.DB
	pageSize int
	now      func() time.Time
}

func NewMessages(db *gorm.DB, pageSize int) *Messages {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Messages{
		db:       db,
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Append durably records m. The row is committed when Append returns nil.
func (s *Messages) Append(ctx context.Context, m *database.Message) error {
	if m.ID == "" || m.SenderID == "" || m.RecipientID == "" || m.Sequence == 0 {
		return fmt.Errorf("append message: incomplete message")
	}
	if err := database.Create(ctx, s.db, m); err != nil {
		return fmt.Errorf("append message %s: %w", m.ID, err)
	}
	return nil
}

// Get loads a message by id.
func (s *Messages) Get(ctx context.Context, id string) (database.Message, error) {
	m, err := database.First[database.Message](ctx, s.db, "id = ?", id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return database.Message{}, err
		}
		return database.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// LastSequence returns the highest sequence recorded for the pair, or 0.
func (s *Messages) LastSequence(ctx context.Context, senderID, recipientID string) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).
		Model(&database.Message{}).
		Where("sender_id = ? AND recipient_id = ?", senderID, recipientID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return last, nil
}

// Advance moves message id to state next if that is a forward transition.
// It reports whether the state changed; repeating a transition is a no-op.
func (s *Messages) Advance(ctx context.Context, id string, next database.State) (bool, error) {
	bound := next
	if bound > database.StateAcked {
		bound = database.StateAcked
	}
	updates := map[string]any{"state": next}
	switch next {
	case database.StateDelivered:
		updates["delivered_at"] = s.now()
	case database.StateAcked:
		updates["acked_at"] = s.now()
	case database.StateQueued:
		return false, nil
	}

	res := s.db.WithContext(ctx).
		Model(&database.Message{}).
		Where("id = ? AND state < ?", id, bound).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("advance message %s to %s: %w", id, next, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// History yields the pair's messages with sequence > afterSequence in order.
// Rows are fetched a page at a time; no cursor is held between pages.
func (s *Messages) History(ctx context.Context, senderID, recipientID string, afterSequence uint64) iter.Seq2[database.Message, error] {
	return func(yield func(database.Message, error) bool) {
		cursor := afterSequence
		for {
			var page []database.Message
			err := s.db.WithContext(ctx).
				Where("sender_id = ? AND recipient_id = ? AND sequence > ?", senderID, recipientID, cursor).
				Order("sequence").
				Limit(s.pageSize).
				Find(&page).Error
			if err != nil {
				yield(database.Message{}, fmt.Errorf("history: %w", err))
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				cursor = m.Sequence
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// Conversation returns up to limit messages exchanged between a and b in
// either direction, created after since, oldest first.
func (s *Messages) Conversation(ctx context.Context, a, b string, since time.Time, limit int) ([]database.Message, error) {
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}
	var out []database.Message
	err := s.db.WithContext(ctx).
		Where("((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)) AND created_at > ?",
			a, b, b, a, since).
		Order("created_at, sequence").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	return out, nil
}
