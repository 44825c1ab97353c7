// Package queue is the durable per-recipient offline queue.
package queue

import (
	"context"
	"fmt"
	"iter"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mensageria/internal/database"
)

// DefaultPageSize is the number of entries loaded per flush query.
const DefaultPageSize = 64

// Offline stores undelivered messages per recipient in enqueue order.
// Entries stay in place until acknowledged so a flush can be replayed.
type Offline struct {
	db       *gorm.DB
	pageSize int
	now      func() time.Time
}

func NewOffline(db *gorm.DB, pageSize int) *Offline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Offline{
		db:       db,
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Admit appends m to the message log and queues it for its recipient in
// one transaction; either both rows exist afterwards or neither does.
func (q *Offline) Admit(ctx context.Context, m *database.Message) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.Create(ctx, tx, m); err != nil {
			return fmt.Errorf("append message %s: %w", m.ID, err)
		}
		return q.insert(tx, *m)
	})
}

// Enqueue appends m to its recipient's queue. Enqueueing a message that is
// already queued for the recipient is a no-op.
func (q *Offline) Enqueue(ctx context.Context, m database.Message) error {
	return q.insert(q.db.WithContext(ctx), m)
}

func (q *Offline) insert(tx *gorm.DB, m database.Message) error {
	entry := database.QueueEntry{
		RecipientID: m.RecipientID,
		MessageID:   m.ID,
		EnqueuedAt:  q.now(),
	}
	err := tx.
		Omit("Message").
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "recipient_id"}, {Name: "message_id"}},
			// An entry acked earlier is revived so the message is replayed.
			DoUpdates: clause.Assignments(map[string]any{"acked": false}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", m.ID, m.RecipientID, err)
	}
	return nil
}

// Flush yields the recipient's un-acked entries with position > after, in
// enqueue order, with their messages loaded. The set is bounded by the
// highest position present when iteration starts; entries enqueued later are
// left for the next flush. after == 0 starts at the first un-acked entry.
// Each yielded page has its attempt counter incremented.
func (q *Offline) Flush(ctx context.Context, recipientID string, after uint64) iter.Seq2[database.QueueEntry, error] {
	return func(yield func(database.QueueEntry, error) bool) {
		var high uint64
		err := q.db.WithContext(ctx).
			Model(&database.QueueEntry{}).
			Where("recipient_id = ?", recipientID).
			Select("COALESCE(MAX(id), 0)").
			Scan(&high).Error
		if err != nil {
			yield(database.QueueEntry{}, fmt.Errorf("flush %s: %w", recipientID, err))
			return
		}

		cursor := after
		for cursor < high {
			var page []database.QueueEntry
			err := q.db.WithContext(ctx).
				Preload("Message").
				Where("recipient_id = ? AND acked = ? AND id > ? AND id <= ?", recipientID, false, cursor, high).
				Order("id").
				Limit(q.pageSize).
				Find(&page).Error
			if err != nil {
				yield(database.QueueEntry{}, fmt.Errorf("flush %s: %w", recipientID, err))
				return
			}
			if len(page) == 0 {
				return
			}

			ids := make([]uint64, len(page))
			for i := range page {
				ids[i] = page[i].ID
				page[i].Attempts++
			}
			err = q.db.WithContext(ctx).
				Model(&database.QueueEntry{}).
				Where("id IN ?", ids).
				UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
			if err != nil {
				yield(database.QueueEntry{}, fmt.Errorf("flush %s: count attempts: %w", recipientID, err))
				return
			}

			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				cursor = e.ID
			}
		}
	}
}

// HasAfter reports whether the recipient has un-acked entries with
// position > after.
func (q *Offline) HasAfter(ctx context.Context, recipientID string, after uint64) (bool, error) {
	var n int64
	err := q.db.WithContext(ctx).
		Model(&database.QueueEntry{}).
		Where("recipient_id = ? AND acked = ? AND id > ?", recipientID, false, after).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("inspect queue %s: %w", recipientID, err)
	}
	return n > 0, nil
}

// Pending counts the recipient's un-acked entries.
func (q *Offline) Pending(ctx context.Context, recipientID string) (int, error) {
	var n int64
	err := q.db.WithContext(ctx).
		Model(&database.QueueEntry{}).
		Where("recipient_id = ? AND acked = ?", recipientID, false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count queue %s: %w", recipientID, err)
	}
	return int(n), nil
}

// Ack marks the entry for messageID consumed. Acks may arrive in any order;
// rows are only purged once every entry before them is acked as well.
func (q *Offline) Ack(ctx context.Context, recipientID, messageID string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&database.QueueEntry{}).
			Where("recipient_id = ? AND message_id = ?", recipientID, messageID).
			Update("acked", true).Error
		if err != nil {
			return fmt.Errorf("ack %s: %w", messageID, err)
		}
		return purge(tx, recipientID)
	})
}

// Drop removes the entry for messageID regardless of its position.
func (q *Offline) Drop(ctx context.Context, recipientID, messageID string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("recipient_id = ? AND message_id = ?", recipientID, messageID).
			Delete(&database.QueueEntry{}).Error
		if err != nil {
			return fmt.Errorf("drop %s: %w", messageID, err)
		}
		return purge(tx, recipientID)
	})
}

// purge deletes the acked prefix of the recipient's queue.
func purge(tx *gorm.DB, recipientID string) error {
	var firstOpen uint64
	err := tx.Model(&database.QueueEntry{}).
		Where("recipient_id = ? AND acked = ?", recipientID, false).
		Select("COALESCE(MIN(id), 0)").
		Scan(&firstOpen).Error
	if err != nil {
		return fmt.Errorf("purge %s: %w", recipientID, err)
	}

	del := tx.Where("recipient_id = ? AND acked = ?", recipientID, true)
	if firstOpen > 0 {
		del = del.Where("id < ?", firstOpen)
	}
	if err := del.Delete(&database.QueueEntry{}).Error; err != nil {
		return fmt.Errorf("purge %s: %w", recipientID, err)
	}
	return nil
}
