package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// TenantEntitlements caches the tenant's plan limits, fed by the billing
// plan events consumer. MaxMonthlyAppointments <= 0 means unlimited.
type TenantEntitlements struct {
	TenantID               string
	Tier                   string
	MaxMonthlyAppointments int
	UpdatedAt              time.Time
}

func (r *AppointmentRepository) UpsertTenantEntitlements(ctx context.Context, ent TenantEntitlements) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenant_entitlements (tenant_id, tier, max_monthly_appointments)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id)
		DO UPDATE SET tier = EXCLUDED.tier,
		              max_monthly_appointments = EXCLUDED.max_monthly_appointments,
		              updated_at = now()
	`, ent.TenantID, ent.Tier, ent.MaxMonthlyAppointments)
	return err
}

func (r *AppointmentRepository) GetTenantEntitlements(ctx context.Context, tx pgx.Tx, tenantID string) (TenantEntitlements, bool, error) {
	var ent TenantEntitlements
	err := tx.QueryRow(ctx, `
		SELECT tenant_id::text, tier, max_monthly_appointments, updated_at
		FROM tenant_entitlements
		WHERE tenant_id = $1
	`, tenantID).Scan(&ent.TenantID, &ent.Tier, &ent.MaxMonthlyAppointments, &ent.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantEntitlements{}, false, nil
		}
		return TenantEntitlements{}, false, err
	}
	return ent, true, nil
}
