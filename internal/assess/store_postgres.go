package assess

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"regradar/pkg/domain"
	"regradar/pkg/platform/sentinel"
)

// PostgresStore implements Store on database/sql. The unique constraint on
// impact_assessment.document_version_id is what resolves racing assessors.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, a *Assessment) error {
	actions, err := json.Marshal(a.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO impact_assessment (id, document_version_id, summary, actions, score, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.UUID(a.ID), uuid.UUID(a.VersionID), a.Summary, actions, a.Score, string(a.Status), a.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id domain.AssessmentID) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_version_id, summary, actions, score, status, created_at
		FROM impact_assessment
		WHERE id = $1
	`, uuid.UUID(id))
	return scanAssessment(row)
}

func (s *PostgresStore) GetByVersion(ctx context.Context, versionID domain.VersionID) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_version_id, summary, actions, score, status, created_at
		FROM impact_assessment
		WHERE document_version_id = $1
	`, uuid.UUID(versionID))
	return scanAssessment(row)
}

// Replace deletes any prior row for the version and inserts the new one in a
// single transaction, so a reader never observes zero or two rows committed.
func (s *PostgresStore) Replace(ctx context.Context, a *Assessment) error {
	actions, err := json.Marshal(a.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM impact_assessment WHERE document_version_id = $1`,
		uuid.UUID(a.VersionID)); err != nil {
		return fmt.Errorf("delete prior assessment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO impact_assessment (id, document_version_id, summary, actions, score, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.UUID(a.ID), uuid.UUID(a.VersionID), a.Summary, actions, a.Score, string(a.Status), a.CreatedAt); err != nil {
		return fmt.Errorf("insert replacement assessment: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Assessment, error) {
	query := `
		SELECT id, document_version_id, summary, actions, score, status, created_at
		FROM impact_assessment
		WHERE 1=1`
	var args []any
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	if filter.MinScore != nil {
		args = append(args, *filter.MinScore)
		query += fmt.Sprintf(" AND score >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	var out []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row rowScanner) (*Assessment, error) {
	var a Assessment
	var id, verID uuid.UUID
	var actions []byte
	var status string
	if err := row.Scan(&id, &verID, &a.Summary, &actions, &a.Score, &status, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan assessment: %w", err)
	}
	a.ID = domain.AssessmentID(id)
	a.VersionID = domain.VersionID(verID)
	a.Status = Status(status)
	if err := json.Unmarshal(actions, &a.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	return &a, nil
}
