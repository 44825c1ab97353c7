package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"mensageria/internal/errs"
)

// Create ensures the type T is saved to the database.
func Create[T any](ctx context.Context, db *gorm.DB, entity *T) error {
	if err := gorm.G[T](db).Create(ctx, entity); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", errs.ErrAlreadyExists, err)
		}
		return err
	}
	return nil
}

// First finds the first record of type T matching query.
// A missing row is reported as errs.ErrNotFound.
func First[T any](ctx context.Context, db *gorm.DB, query string, args ...any) (T, error) {
	entity, err := gorm.G[T](db).Where(query, args...).First(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entity, errs.ErrNotFound
	}
	return entity, err
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
