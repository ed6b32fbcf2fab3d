package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/agendaly/agendaly/libs/db"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/importer"
)

// DuplicateRepository persists staged duplicate candidates so they
// survive between the import upload and the resolution screen.
type DuplicateRepository struct {
	pool *db.Pool
}

func NewDuplicateRepository(pool *db.Pool) *DuplicateRepository {
	return &DuplicateRepository{pool: pool}
}

var _ importer.CandidateStore = (*DuplicateRepository)(nil)

func (r *DuplicateRepository) Insert(ctx context.Context, c importer.DuplicateCandidate) error {
	data, err := json.Marshal(c.Data)
	if err != nil {
		return err
	}
	existing, err := json.Marshal(c.Existing)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO import_duplicates
			(id, tenant_id, entity_type, row_num, data, existing_id, existing, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.TenantID, c.EntityType, c.Row, data, c.ExistingID, existing, c.CreatedAt)
	return err
}

func (r *DuplicateRepository) Get(ctx context.Context, tenantID, id string) (importer.DuplicateCandidate, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id::text, tenant_id::text, entity_type, row_num, data, existing_id::text, existing, created_at
		FROM import_duplicates
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	c, err := scanCandidate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return importer.DuplicateCandidate{}, importer.ErrDuplicateNotFound
	}
	return c, err
}

func (r *DuplicateRepository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM import_duplicates WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return importer.ErrDuplicateNotFound
	}
	return nil
}

func (r *DuplicateRepository) ListPending(ctx context.Context, tenantID string) ([]importer.DuplicateCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, tenant_id::text, entity_type, row_num, data, existing_id::text, existing, created_at
		FROM import_duplicates
		WHERE tenant_id = $1
		ORDER BY created_at ASC, row_num ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []importer.DuplicateCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanCandidate(row pgx.Row) (importer.DuplicateCandidate, error) {
	var c importer.DuplicateCandidate
	var data, existing []byte
	err := row.Scan(&c.ID, &c.TenantID, &c.EntityType, &c.Row, &data, &c.ExistingID, &existing, &c.CreatedAt)
	if err != nil {
		return importer.DuplicateCandidate{}, err
	}
	if err := json.Unmarshal(data, &c.Data); err != nil {
		return importer.DuplicateCandidate{}, err
	}
	if err := json.Unmarshal(existing, &c.Existing); err != nil {
		return importer.DuplicateCandidate{}, err
	}
	return c, nil
}
