// Package inbox implements consumer-side deduplication. Every consumed
// event id is recorded before processing; a unique violation means the
// event was already handled and the message can be acked without effect.
package inbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agendaly/agendaly/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts the event id and reports whether it was seen before.
func (r *Repository) Record(ctx context.Context, eventID, eventType string) (duplicate bool, err error) {
	_, err = r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return true, nil
		}
		return false, err
	}
	return false, nil
}
