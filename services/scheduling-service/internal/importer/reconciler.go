package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Target adapts one entity kind (users, categories, products) to the
// reconciler: validation, natural-key computation and storage access.
type Target interface {
	EntityType() string
	// Validate rejects rows with missing or malformed required fields.
	Validate(row Row) error
	// NaturalKey computes the business key used for duplicate detection.
	NaturalKey(row Row) string
	Lookup(ctx context.Context, tenantID string, row Row) (Entity, bool, error)
	Insert(ctx context.Context, tenantID string, row Row) (Entity, error)
	Update(ctx context.Context, tenantID, id string, fields map[string]string) error
	Get(ctx context.Context, tenantID, id string) (Entity, bool, error)
}

// CandidateStore persists duplicate candidates between the import
// request and their later resolution.
type CandidateStore interface {
	Insert(ctx context.Context, c DuplicateCandidate) error
	// Get reports ErrDuplicateNotFound for unknown or already resolved ids.
	Get(ctx context.Context, tenantID, id string) (DuplicateCandidate, error)
	Delete(ctx context.Context, tenantID, id string) error
	ListPending(ctx context.Context, tenantID string) ([]DuplicateCandidate, error)
}

type Reconciler struct {
	candidates CandidateStore
	targets    map[string]Target
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciler(candidates CandidateStore, logger *slog.Logger, targets ...Target) *Reconciler {
	byType := make(map[string]Target, len(targets))
	for _, t := range targets {
		byType[t.EntityType()] = t
	}
	return &Reconciler{
		candidates: candidates,
		targets:    byType,
		logger:     logger,
		now:        time.Now,
	}
}

func (r *Reconciler) Target(entityType string) (Target, error) {
	t, ok := r.targets[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return t, nil
}

// Reconcile processes rows strictly in file order. Row-level failures
// are collected and never abort the batch; only storage errors do.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID, entityType string, rows []Row) (Result, error) {
	target, err := r.Target(entityType)
	if err != nil {
		return Result{}, err
	}

	var res Result
	// Keys already claimed earlier in this batch. A second row with the
	// same key duplicates the first row's insert, not a stored record.
	seen := make(map[string]int)

	for _, row := range rows {
		if err := target.Validate(row); err != nil {
			res.Errors = append(res.Errors, RowError{Row: row.Num, Message: err.Error()})
			continue
		}

		key := target.NaturalKey(row)
		if first, dup := seen[key]; dup {
			res.Errors = append(res.Errors, RowError{
				Row:     row.Num,
				Message: fmt.Sprintf("duplicates row %d in the same file", first),
			})
			continue
		}

		existing, found, err := target.Lookup(ctx, tenantID, row)
		if err != nil {
			return Result{}, fmt.Errorf("lookup row %d: %w", row.Num, err)
		}
		if found {
			cand := DuplicateCandidate{
				ID:         uuid.NewString(),
				TenantID:   tenantID,
				EntityType: entityType,
				Row:        row.Num,
				Data:       row.Fields,
				ExistingID: existing.ID,
				Existing:   existing.Fields,
				CreatedAt:  r.now().UTC(),
			}
			if err := r.candidates.Insert(ctx, cand); err != nil {
				return Result{}, fmt.Errorf("stage duplicate row %d: %w", row.Num, err)
			}
			res.Duplicates = append(res.Duplicates, cand)
			seen[key] = row.Num
			continue
		}

		ent, err := target.Insert(ctx, tenantID, row)
		if err != nil {
			return Result{}, fmt.Errorf("insert row %d: %w", row.Num, err)
		}
		res.Inserted = append(res.Inserted, ent)
		seen[key] = row.Num
	}

	r.logger.Info("import batch reconciled",
		"entity_type", entityType,
		"tenant_id", tenantID,
		"inserted", len(res.Inserted),
		"duplicates", len(res.Duplicates),
		"row_errors", len(res.Errors),
	)
	return res, nil
}

// Resolve applies an action to a staged duplicate candidate. Resolving
// an unknown or already resolved candidate fails with
// ErrDuplicateNotFound. The candidate is removed in every case.
func (r *Reconciler) Resolve(ctx context.Context, tenantID, candidateID string, action Action) (*Entity, error) {
	cand, err := r.candidates.Get(ctx, tenantID, candidateID)
	if err != nil {
		return nil, err
	}
	target, err := r.Target(cand.EntityType)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionDiscard:
		// Keep the existing record untouched.

	case ActionMerge:
		// Merge against the record as it is now, not the snapshot taken
		// at import time: a field filled since then must not be clobbered.
		existing := cand.Existing
		if cur, found, err := target.Get(ctx, tenantID, cand.ExistingID); err != nil {
			return nil, err
		} else if found {
			existing = cur.Fields
		}
		fields := mergeFields(existing, cand.Data)
		if len(fields) > 0 {
			if err := target.Update(ctx, tenantID, cand.ExistingID, fields); err != nil {
				return nil, err
			}
		}

	case ActionReplace:
		fields := replaceFields(cand.Data)
		if len(fields) > 0 {
			if err := target.Update(ctx, tenantID, cand.ExistingID, fields); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	if err := r.candidates.Delete(ctx, tenantID, candidateID); err != nil {
		return nil, err
	}
	if action == ActionDiscard {
		return nil, nil
	}

	ent, found, err := target.Get(ctx, tenantID, cand.ExistingID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &ent, nil
}

// ListPending returns the tenant's unresolved candidates in row order.
func (r *Reconciler) ListPending(ctx context.Context, tenantID string) ([]DuplicateCandidate, error) {
	return r.candidates.ListPending(ctx, tenantID)
}

// mergeFields keeps every non-empty existing value and fills gaps from
// the imported data.
func mergeFields(existing, imported map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range imported {
		if k == "id" || v == "" {
			continue
		}
		if existing[k] != "" {
			continue
		}
		out[k] = v
	}
	return out
}

// replaceFields applies all imported values except identity.
func replaceFields(imported map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range imported {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}
