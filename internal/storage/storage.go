// Package storage defines the reporting sink for activity records and its
// SQLite and PostgreSQL implementations.
package storage

import (
	"context"
	"strings"
	"time"

	"forum_archive/internal/model"
)

// ActivityQuery filters and pages activity listings. Zero values mean "any".
type ActivityQuery struct {
	GroupID int64
	PostID  int64
	Type    *model.ObjectType
	Since   *time.Time
	Skip    int
	Top     int
}

// Sink is the interface for the activity index.
type Sink interface {
	ActivityExists(ctx context.Context, id int64) (bool, error)
	// InsertActivities writes all records in one transaction. Records whose
	// id already exists are left untouched. It returns the number inserted.
	InsertActivities(ctx context.Context, records []model.Activity) (int, error)
	GetActivity(ctx context.Context, id int64) (*model.Activity, error)
	ListActivities(ctx context.Context, q ActivityQuery) ([]model.Activity, error)
	CountActivities(ctx context.Context, groupID int64) (int, error)

	Close() error
}

// Open returns the Sink for dsn: PostgreSQL for postgres:// and
// postgresql:// URLs, SQLite otherwise.
func Open(ctx context.Context, dsn string) (Sink, error) {
	if IsPostgres(dsn) {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(dsn)
}

// IsPostgres reports whether dsn is a PostgreSQL connection URL.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// IsFilePath reports whether dsn names a local SQLite file.
func IsFilePath(dsn string) bool {
	return !strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:")
}
