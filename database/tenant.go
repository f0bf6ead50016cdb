package database

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ForOrganization scopes a query to one tenant. An empty organization is a
// programming error on tenant-facing paths, so it matches nothing rather
// than everything.
func ForOrganization(org string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		org = strings.TrimSpace(org)
		if org == "" {
			return db.Where("1 = 0")
		}
		return db.Where("organization_id = ?", org)
	}
}

// IsUniqueViolation reports whether err came from a unique constraint.
// TranslateError covers the gorm drivers; the pgconn check catches errors
// from raw statements.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
