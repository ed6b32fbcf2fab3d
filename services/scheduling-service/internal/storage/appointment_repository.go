// Package storage persists the scheduling engine's state in Postgres.
// The appointments table carries an exclusion constraint on
// (tenant_id, provider_id, tstzrange(start_time, end_time)) scoped to
// status = 'active', the cross-instance backstop behind the in-process
// availability index.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agendaly/agendaly/libs/db"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/availability"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/booking"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/interval"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/model"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/outbox"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/scheduler"
)

const appointmentColumns = `id::text, tenant_id::text, provider_id::text, client_id::text, product_id::text,
	start_time, end_time, status, COALESCE(notes, ''), COALESCE(cancellation_reason, ''),
	cancelled_at, completed_at, created_at`

type AppointmentRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewAppointmentRepository(pool *db.Pool, outboxRepo *outbox.Repository) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: outboxRepo}
}

var _ scheduler.Store = (*AppointmentRepository)(nil)

// Create inserts the appointment and its outbox events in one
// transaction, after checking the tenant's monthly cap. The exclusion
// constraint turns a lost overlap race into ErrSlotConflict.
func (r *AppointmentRepository) Create(ctx context.Context, appt model.Appointment, evts ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.checkQuota(ctx, tx, appt); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments
			(id, tenant_id, provider_id, client_id, product_id, start_time, end_time, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, appt.ID, appt.TenantID, appt.ProviderID, appt.ClientID, appt.ProductID,
		appt.Interval.Start(), appt.Interval.End(), appt.Status, appt.Notes, appt.CreatedAt)
	if err != nil {
		if isExclusionViolation(err) {
			return availability.ErrSlotConflict
		}
		return err
	}

	for _, evt := range evts {
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *AppointmentRepository) Get(ctx context.Context, tenantID, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, scheduler.ErrNotFound
	}
	return appt, err
}

// UpdateStatus is a compare-and-set on the status column. A miss on an
// existing row means a concurrent transition got there first.
func (r *AppointmentRepository) UpdateStatus(ctx context.Context, appt model.Appointment, expect booking.Status, evts ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $4,
			cancellation_reason = NULLIF($5, ''),
			cancelled_at = $6,
			completed_at = $7
		WHERE id = $1 AND tenant_id = $2 AND status = $3
	`, appt.ID, appt.TenantID, expect, appt.Status, appt.CancelReason, appt.CancelledAt, appt.CompletedAt)
	if err != nil {
		if isExclusionViolation(err) {
			return availability.ErrSlotConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missReason(ctx, tx, appt.TenantID, appt.ID)
	}

	for _, evt := range evts {
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *AppointmentRepository) UpdateInterval(ctx context.Context, appt model.Appointment, expect booking.Status, evts ...outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET start_time = $4,
			end_time = $5
		WHERE id = $1 AND tenant_id = $2 AND status = $3
	`, appt.ID, appt.TenantID, expect, appt.Interval.Start(), appt.Interval.End())
	if err != nil {
		if isExclusionViolation(err) {
			return availability.ErrSlotConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missReason(ctx, tx, appt.TenantID, appt.ID)
	}

	for _, evt := range evts {
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *AppointmentRepository) List(ctx context.Context, q scheduler.ListQuery) ([]model.Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE tenant_id = $1`
	args := []any{q.TenantID}

	if q.ProviderID != "" {
		args = append(args, q.ProviderID)
		query += fmt.Sprintf(" AND provider_id = $%d", len(args))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(" AND end_time > $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(" AND start_time < $%d", len(args))
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY start_time ASC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *AppointmentRepository) ListActiveInRange(ctx context.Context, tenantID, providerID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE tenant_id = $1
			AND provider_id = $2
			AND status = 'active'
			AND start_time < $4
			AND end_time > $3
		ORDER BY start_time ASC
	`, tenantID, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *AppointmentRepository) ListAllActive(ctx context.Context) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'active'
		ORDER BY tenant_id, provider_id, start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *AppointmentRepository) ListExpiredActive(ctx context.Context, cutoff time.Time, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'active' AND end_time <= $1
		ORDER BY end_time ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *AppointmentRepository) checkQuota(ctx context.Context, tx pgx.Tx, appt model.Appointment) error {
	ent, ok, err := r.GetTenantEntitlements(ctx, tx, appt.TenantID)
	if err != nil {
		return err
	}
	if !ok || ent.MaxMonthlyAppointments <= 0 {
		return nil
	}

	start := appt.Interval.Start().UTC()
	monthStart := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	var cnt int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE tenant_id = $1
			AND status <> 'cancelled'
			AND start_time >= $2
			AND start_time < $3
	`, appt.TenantID, monthStart, monthEnd).Scan(&cnt)
	if err != nil {
		return err
	}
	if cnt >= ent.MaxMonthlyAppointments {
		return fmt.Errorf("%w: %d of %d this month", scheduler.ErrQuotaExceeded, cnt, ent.MaxMonthlyAppointments)
	}
	return nil
}

// missReason distinguishes a missing row from a status CAS miss.
func (r *AppointmentRepository) missReason(ctx context.Context, tx pgx.Tx, tenantID, id string) error {
	var status string
	err := tx.QueryRow(ctx, `
		SELECT status FROM appointments WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return scheduler.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("appointment is %s: %w", status, booking.ErrInvalidTransition)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var appt model.Appointment
	var start, end time.Time
	var status string
	err := row.Scan(
		&appt.ID,
		&appt.TenantID,
		&appt.ProviderID,
		&appt.ClientID,
		&appt.ProductID,
		&start,
		&end,
		&status,
		&appt.Notes,
		&appt.CancelReason,
		&appt.CancelledAt,
		&appt.CompletedAt,
		&appt.CreatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Status = booking.Status(status)
	appt.Interval, err = interval.New(start, end)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("appointment %s: %w", appt.ID, err)
	}
	return appt, nil
}

func scanAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
