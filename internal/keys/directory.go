// Package keys is the public-key directory: one current key per user.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mensageria/internal/database"
	"mensageria/internal/errs"
	"mensageria/internal/shard"
)

// MaxKeySize bounds an uploaded public key. Key bytes are otherwise opaque.
const MaxKeySize = 16 << 10

type userSlot struct {
	mu      sync.Mutex
	version uint64
	loaded  bool
}

// Directory stores public keys durably and serves lookups from memory.
// Uploads for one user are serialized so the last upload to arrive wins.
type Directory struct {
	db     *gorm.DB
	slots  *shard.Map[*userSlot]
	cache  *shard.Map[database.KeyRecord]
	now    func() time.Time
	logger *slog.Logger
}

func NewDirectory(db *gorm.DB, logger *slog.Logger) *Directory {
	return &Directory{
		db:     db,
		slots:  shard.New[*userSlot](0),
		cache:  shard.New[database.KeyRecord](0),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "keys"),
	}
}

func (d *Directory) slot(userID string) *userSlot {
	return d.slots.GetOrCreate(userID, func() *userSlot { return &userSlot{} })
}

// Upload replaces the user's public key.
func (d *Directory) Upload(ctx context.Context, userID string, publicKey []byte) (database.KeyRecord, error) {
	if userID == "" {
		return database.KeyRecord{}, fmt.Errorf("%w: empty user id", errs.ErrMalformedUpload)
	}
	if len(publicKey) == 0 || len(publicKey) > MaxKeySize {
		return database.KeyRecord{}, fmt.Errorf("%w: key size %d", errs.ErrMalformedUpload, len(publicKey))
	}

	s := d.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		cur, err := database.First[database.KeyRecord](ctx, d.db, "user_id = ?", userID)
		switch {
		case err == nil:
			s.version = cur.Version
		case !errors.Is(err, errs.ErrNotFound):
			return database.KeyRecord{}, fmt.Errorf("load key record: %w", err)
		}
		s.loaded = true
	}

	rec := database.KeyRecord{
		UserID:     userID,
		PublicKey:  append([]byte(nil), publicKey...),
		Version:    s.version + 1,
		UploadedAt: d.now(),
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"public_key", "version", "uploaded_at"}),
	}).Create(&rec).Error
	if err != nil {
		return database.KeyRecord{}, fmt.Errorf("store key record: %w", err)
	}

	s.version = rec.Version
	d.cache.Set(userID, rec)
	d.logger.Debug("public key uploaded", "user_id", userID, "version", rec.Version)
	return rec, nil
}

// Lookup returns the user's current public key.
func (d *Directory) Lookup(ctx context.Context, userID string) (database.KeyRecord, error) {
	if rec, ok := d.cache.Get(userID); ok {
		return rec, nil
	}

	rec, err := database.First[database.KeyRecord](ctx, d.db, "user_id = ?", userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return database.KeyRecord{}, errs.ErrNotFound
		}
		return database.KeyRecord{}, fmt.Errorf("load key record: %w", err)
	}

	// Only publish if no newer upload landed while we were reading.
	d.cache.Update(userID, func(cur database.KeyRecord, ok bool) (database.KeyRecord, bool) {
		if ok && cur.Version >= rec.Version {
			return cur, true
		}
		return rec, true
	})
	got, _ := d.cache.Get(userID)
	return got, nil
}
