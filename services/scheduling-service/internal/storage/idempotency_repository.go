package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/agendaly/agendaly/libs/db"
)

// IdempotencyRecord is one claimed booking retry key. StatusCode zero
// means the key is claimed but the outcome is not recorded yet.
type IdempotencyRecord struct {
	TenantID        string
	Key             string
	AppointmentID   string
	StatusCode      int
	ResponsePayload []byte
}

// IdempotencyRepository backs safe retries of slot booking. A key row is
// claimed under FOR UPDATE for the duration of the request, so a
// concurrent retry with the same key blocks until the first attempt
// records its outcome.
type IdempotencyRepository struct {
	pool *db.Pool
}

func NewIdempotencyRepository(pool *db.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

func (r *IdempotencyRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Lock claims the key for this tenant, inserting the row when absent.
// The second return reports whether the key already existed.
func (r *IdempotencyRepository) Lock(ctx context.Context, tx pgx.Tx, tenantID, key string) (IdempotencyRecord, bool, error) {
	rec, err := r.selectForUpdate(ctx, tx, tenantID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO schedule_idempotency_keys (tenant_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`, tenantID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	rec, err = r.selectForUpdate(ctx, tx, tenantID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, false, nil
}

// Finalize records the request outcome on the claimed key.
func (r *IdempotencyRepository) Finalize(ctx context.Context, tx pgx.Tx, tenantID, key, appointmentID string, statusCode int, response []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE schedule_idempotency_keys
		SET appointment_id = $3,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key, appointmentID, statusCode, response)
	return err
}

func (r *IdempotencyRepository) selectForUpdate(ctx context.Context, tx pgx.Tx, tenantID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT tenant_id,
			idempotency_key,
			COALESCE(appointment_id, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM schedule_idempotency_keys
		WHERE tenant_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, tenantID, key).Scan(
		&rec.TenantID,
		&rec.Key,
		&rec.AppointmentID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}
