// Package profile is the read-only view of user display metadata.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"mensageria/internal/database"
	"mensageria/internal/errs"
)

type Profile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 50
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// Get returns the profile of userID or errs.ErrNotFound.
func (d *Directory) Get(ctx context.Context, userID string) (Profile, error) {
	u, err := database.First[database.User](ctx, d.db, "id = ?", userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("load profile %s: %w", userID, err)
	}
	return newProfile(u), nil
}

// Search lists profiles whose username starts with prefix, ordered by
// username. limit falls back to DefaultSearchLimit and is capped at
// MaxSearchLimit.
func (d *Directory) Search(ctx context.Context, prefix string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)

	var users []database.User
	err := d.db.WithContext(ctx).
		Where(`username LIKE ? ESCAPE '\'`, likeEscaper.Replace(prefix)+"%").
		Order("username").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("search profiles %q: %w", prefix, err)
	}

	out := make([]Profile, len(users))
	for i, u := range users {
		out[i] = newProfile(u)
	}
	return out, nil
}

func newProfile(u database.User) Profile {
	return Profile{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		CreatedAt:   u.CreatedAt,
	}
}
