package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/membersync/internal/common"
	"github.com/dmitrijs2005/membersync/internal/dbx"
	"github.com/dmitrijs2005/membersync/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.DirectoryRecord, error) {
	query :=
		`SELECT id, username, credential, is_active, COALESCE(external_id, '') FROM member_users
		 WHERE id = $1
		 `

	rec := &models.DirectoryRecord{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Username, &rec.Credential, &rec.IsActive, &rec.ExternalID)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return rec, nil
}

// SetExternalID links the record unless it already carries a different
// external id. A missing record yields common.ErrorNotFound, a record linked
// to another identity yields common.ErrorAlreadyLinked and an external id
// already linked to another record yields common.ErrorAlreadyExists.
func (r *PostgresRepository) SetExternalID(ctx context.Context, id, externalID string) error {
	query :=
		`UPDATE member_users SET external_id = $2, updated_at = now()
		 WHERE id = $1 AND (external_id IS NULL OR external_id = $2)
		 `

	res, err := r.db.ExecContext(ctx, query, id, externalID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return common.ErrorAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: either the record is gone or it is linked elsewhere.
	var stored string
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(external_id, '') FROM member_users WHERE id = $1`, id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrorNotFound
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return common.ErrorAlreadyLinked
}

// ClearExternalID sets external_id back to NULL if it still equals expected.
// When the record is gone or was re-linked meanwhile it returns
// common.ErrorNotFound and leaves the row alone.
func (r *PostgresRepository) ClearExternalID(ctx context.Context, id, expected string) error {
	query :=
		`UPDATE member_users SET external_id = NULL, updated_at = now()
		 WHERE id = $1 AND external_id = $2
		 `

	res, err := r.db.ExecContext(ctx, query, id, expected)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(res)
}

func (r *PostgresRepository) ListUnlinked(ctx context.Context, limit int) ([]models.DirectoryRecord, error) {
	query :=
		`SELECT id, username, credential, is_active FROM member_users
		 WHERE external_id IS NULL
		 ORDER BY created_at, id
		 LIMIT $1
		 `

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.DirectoryRecord
	for rows.Next() {
		var rec models.DirectoryRecord
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.Credential, &rec.IsActive); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
