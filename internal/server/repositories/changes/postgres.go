package changes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/membersync/internal/common"
	"github.com/dmitrijs2005/membersync/internal/dbx"
	"github.com/dmitrijs2005/membersync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Claim only hands out the oldest row of each record. A row stays the head
// until Ack deletes it, so a later change of the same record cannot be
// claimed while the head is leased, waiting for a retry or locked by a
// concurrent claim that has not committed yet. A record with several pending
// changes therefore advances one change per poll.
func (r *PostgresRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]Change, error) {
	query :=
		`WITH due AS (
		   SELECT m.id FROM member_user_changes m
		   WHERE m.available_at <= now()
		     AND m.id = (
		       SELECT min(p.id) FROM member_user_changes p
		       WHERE p.record_id = m.record_id
		     )
		   ORDER BY m.id
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE member_user_changes c
		 SET attempts = c.attempts + 1, available_at = now() + $2 * interval '1 millisecond'
		 FROM due
		 WHERE c.id = due.id
		 RETURNING c.id, c.record_id, c.op, c.before, c.after, c.attempts
		 `

	rows, err := r.db.QueryContext(ctx, query, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c  Change
			op string
		)
		if err := rows.Scan(&c.ID, &c.RecordID, &op, &c.Before, &c.After, &c.Attempts); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		c.Op = models.Op(op)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *PostgresRepository) Ack(ctx context.Context, id int64) error {
	query :=
		`DELETE FROM member_user_changes
		 WHERE id = $1
		 `

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) Reschedule(ctx context.Context, id int64, delay time.Duration, lastErr string) error {
	query :=
		`UPDATE member_user_changes
		 SET available_at = now() + $2 * interval '1 millisecond', last_error = $3
		 WHERE id = $1
		 `

	if _, err := r.db.ExecContext(ctx, query, id, delay.Milliseconds(), lastErr); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Backlog counts rows not yet acknowledged, leased ones included.
func (r *PostgresRepository) Backlog(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM member_user_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
