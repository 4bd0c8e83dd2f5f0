package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations.

	"forum_archive/internal/model"
	"forum_archive/migrations"
)

// Postgres implements Sink backed by a PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to connStr and runs pending migrations.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	if err := migratePostgres(connStr); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// migratePostgres applies the goose migrations over a short-lived
// database/sql handle.
func migratePostgres(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Run(db, migrations.DialectPostgres); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// ActivityExists reports whether a record with the given id was indexed.
func (s *Postgres) ActivityExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM activity_log WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check activity: %w", err)
	}
	return exists, nil
}

// InsertActivities writes all records in a single transaction.
func (s *Postgres) InsertActivities(ctx context.Context, records []model.Activity) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, a := range records {
		tag, err := tx.Exec(ctx,
			`INSERT INTO activity_log (id, group_id, post_id, user_id, object_type, like_count, date_created)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			a.ID, a.GroupID, a.PostID, a.UserID, int(a.Type), a.LikeCount, a.DateCreated.UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert activity %d: %w", a.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit activities: %w", err)
	}
	return inserted, nil
}

// GetActivity returns a single record by id.
func (s *Postgres) GetActivity(ctx context.Context, id int64) (*model.Activity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, group_id, post_id, user_id, object_type, like_count, date_created
		 FROM activity_log WHERE id = $1`, id,
	)
	a, err := scanPgActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "activity", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActivities returns records matching q ordered by creation time, then id.
func (s *Postgres) ListActivities(ctx context.Context, q ActivityQuery) ([]model.Activity, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.GroupID != 0 {
		where = append(where, "group_id = "+arg(q.GroupID))
	}
	if q.PostID != 0 {
		where = append(where, "post_id = "+arg(q.PostID))
	}
	if q.Type != nil {
		where = append(where, "object_type = "+arg(int(*q.Type)))
	}
	if q.Since != nil {
		where = append(where, "date_created >= "+arg(q.Since.UTC()))
	}

	query := `SELECT id, group_id, post_id, user_id, object_type, like_count, date_created FROM activity_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date_created, id"
	if q.Top > 0 {
		query += " LIMIT " + arg(q.Top)
	}
	query += " OFFSET " + arg(max(q.Skip, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		a, err := scanPgActivity(rows)
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
func (s *Postgres) CountActivities(ctx context.Context, groupID int64) (int, error) {
	query := `SELECT COUNT(*) FROM activity_log`
	var args []any
	if groupID != 0 {
		query += ` WHERE group_id = $1`
		args = append(args, groupID)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count activities: %w", err)
	}
	return int(n), nil
}

func scanPgActivity(row pgx.Row) (model.Activity, error) {
	var a model.Activity
	var objectType int32
	var likes int32
	err := row.Scan(&a.ID, &a.GroupID, &a.PostID, &a.UserID, &objectType, &likes, &a.DateCreated)
	if err != nil {
		return a, fmt.Errorf("scan activity: %w", err)
	}
	a.Type = model.ObjectType(objectType)
	a.LikeCount = int(likes)
	a.DateCreated = a.DateCreated.UTC()
	return a, nil
}
