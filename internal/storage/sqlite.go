package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"forum_archive/internal/model"
	"forum_archive/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Sink backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ActivityExists reports whether a record with the given id was indexed.
func (s *SQLite) ActivityExists(ctx context.Context, id int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM activity_log WHERE id = ?)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check activity: %w", err)
	}
	return exists == 1, nil
}

// InsertActivities writes all records in a single transaction.
func (s *SQLite) InsertActivities(ctx context.Context, records []model.Activity) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO activity_log (id, group_id, post_id, user_id, object_type, like_count, date_created)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, a := range records {
		res, err := stmt.ExecContext(ctx,
			a.ID, a.GroupID, a.PostID, a.UserID, int(a.Type), a.LikeCount,
			a.DateCreated.UTC().Format(timeLayout),
		)
		if err != nil {
			return 0, fmt.Errorf("insert activity %d: %w", a.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit activities: %w", err)
	}
	return inserted, nil
}

// GetActivity returns a single record by id.
func (s *SQLite) GetActivity(ctx context.Context, id int64) (*model.Activity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, post_id, user_id, object_type, like_count, date_created
		 FROM activity_log WHERE id = ?`, id,
	)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "activity", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActivities returns records matching q ordered by creation time, then id.
func (s *SQLite) ListActivities(ctx context.Context, q ActivityQuery) ([]model.Activity, error) {
	var (
		where []string
		args  []any
	)
	if q.GroupID != 0 {
		where = append(where, "group_id = ?")
		args = append(args, q.GroupID)
	}
	if q.PostID != 0 {
		where = append(where, "post_id = ?")
		args = append(args, q.PostID)
	}
	if q.Type != nil {
		where = append(where, "object_type = ?")
		args = append(args, int(*q.Type))
	}
	if q.Since != nil {
		where = append(where, "date_created >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}

	query := `SELECT id, group_id, post_id, user_id, object_type, like_count, date_created FROM activity_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date_created, id LIMIT ? OFFSET ?"

	limit := q.Top
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, max(q.Skip, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return out, nil
}

// CountActivities counts the records of a group, or all records when
// groupID is zero.
func (s *SQLite) CountActivities(ctx context.Context, groupID int64) (int, error) {
	query := `SELECT COUNT(*) FROM activity_log`
	var args []any
	if groupID != 0 {
		query += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count activities: %w", err)
	}
	return n, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanActivity(row scannable) (model.Activity, error) {
	var a model.Activity
	var objectType int
	var created string
	err := row.Scan(&a.ID, &a.GroupID, &a.PostID, &a.UserID, &objectType, &a.LikeCount, &created)
	if err != nil {
		return a, fmt.Errorf("scan activity: %w", err)
	}
	a.Type = model.ObjectType(objectType)
	a.DateCreated, err = time.Parse(timeLayout, created)
	if err != nil {
		return a, fmt.Errorf("parse activity %d date: %w", a.ID, err)
	}
	return a, nil
}
