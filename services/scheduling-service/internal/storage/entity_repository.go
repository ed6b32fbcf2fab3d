package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/agendaly/agendaly/libs/db"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/importer"
)

// EntityRepository is the CRUD store behind the import reconciler and
// the directory checks. Entities are exposed as string field maps so
// the reconciler can stay generic across users, categories and products.
type EntityRepository struct {
	pool *db.Pool
}

func NewEntityRepository(pool *db.Pool) *EntityRepository {
	return &EntityRepository{pool: pool}
}

var (
	_ importer.UserStore     = (*EntityRepository)(nil)
	_ importer.CategoryStore = (*EntityRepository)(nil)
	_ importer.ProductStore  = (*EntityRepository)(nil)
)

// Updatable columns per entity. Anything else in an imported field map
// is dropped, never interpolated into SQL.
var (
	userColumns = []string{
		"name", "nickname", "email", "cpf", "phone",
		"address", "city", "state", "postal_code", "status",
	}
	categoryColumns = []string{"name", "description"}
	productColumns  = []string{"name", "provider", "category", "price", "duration"}
)

const userSelect = `id::text, COALESCE(name, ''), COALESCE(nickname, ''), COALESCE(email, ''),
	COALESCE(cpf, ''), COALESCE(phone, ''), COALESCE(address, ''), COALESCE(city, ''),
	COALESCE(state, ''), COALESCE(postal_code, ''), COALESCE(status, '')`

func (r *EntityRepository) FindUserByNaturalKey(ctx context.Context, tenantID, cpf, email string) (importer.Entity, bool, error) {
	if cpf != "" {
		return r.findUser(ctx, `cpf = $2`, tenantID, cpf)
	}
	if email != "" {
		return r.findUser(ctx, `lower(email) = $2`, tenantID, email)
	}
	return importer.Entity{}, false, nil
}

func (r *EntityRepository) findUser(ctx context.Context, cond string, tenantID string, arg any) (importer.Entity, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userSelect+`
		FROM users
		WHERE tenant_id = $1 AND `+cond+`
		LIMIT 1
	`, tenantID, arg)
	return scanFlat(row, userColumns)
}

func (r *EntityRepository) InsertUser(ctx context.Context, tenantID string, fields map[string]string, passwordHash string) (importer.Entity, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users
			(tenant_id, name, nickname, email, cpf, phone, address, city, state, postal_code, password_hash, status)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, 'pending')
		RETURNING id::text
	`, tenantID, fields["name"], fields["nickname"], fields["email"], fields["cpf"], fields["phone"],
		fields["address"], fields["city"], fields["state"], fields["postal_code"], passwordHash).Scan(&id)
	if err != nil {
		return importer.Entity{}, err
	}
	ent, _, err := r.GetUser(ctx, tenantID, id)
	return ent, err
}

func (r *EntityRepository) UpdateUserFields(ctx context.Context, tenantID, id string, fields map[string]string) error {
	return r.updateFields(ctx, "users", userColumns, tenantID, id, fields)
}

func (r *EntityRepository) GetUser(ctx context.Context, tenantID, id string) (importer.Entity, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userSelect+`
		FROM users
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanFlat(row, userColumns)
}

func (r *EntityRepository) FindCategoryByName(ctx context.Context, tenantID, name string) (importer.Entity, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(name, ''), COALESCE(description, '')
		FROM categories
		WHERE tenant_id = $1 AND lower(name) = lower($2)
		LIMIT 1
	`, tenantID, name)
	return scanFlat(row, categoryColumns)
}

func (r *EntityRepository) InsertCategory(ctx context.Context, tenantID string, fields map[string]string) (importer.Entity, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO categories (tenant_id, name, description)
		VALUES ($1, $2, NULLIF($3, ''))
		RETURNING id::text
	`, tenantID, fields["name"], fields["description"]).Scan(&id)
	if err != nil {
		return importer.Entity{}, err
	}
	ent, _, err := r.GetCategory(ctx, tenantID, id)
	return ent, err
}

func (r *EntityRepository) UpdateCategoryFields(ctx context.Context, tenantID, id string, fields map[string]string) error {
	return r.updateFields(ctx, "categories", categoryColumns, tenantID, id, fields)
}

func (r *EntityRepository) GetCategory(ctx context.Context, tenantID, id string) (importer.Entity, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(name, ''), COALESCE(description, '')
		FROM categories
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanFlat(row, categoryColumns)
}

func (r *EntityRepository) FindProductByNameProvider(ctx context.Context, tenantID, name, provider string) (importer.Entity, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(name, ''), COALESCE(provider, ''), COALESCE(category, ''),
			COALESCE(price::text, ''), COALESCE(duration::text, '')
		FROM products
		WHERE tenant_id = $1 AND lower(name) = lower($2) AND lower(provider) = lower($3)
		LIMIT 1
	`, tenantID, name, provider)
	return scanFlat(row, productColumns)
}

func (r *EntityRepository) InsertProduct(ctx context.Context, tenantID string, fields map[string]string) (importer.Entity, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO products (tenant_id, name, provider, category, price, duration)
		VALUES ($1, $2, $3, NULLIF($4, ''),
			NULLIF(REPLACE($5, ',', '.'), '')::numeric, NULLIF($6, '')::int)
		RETURNING id::text
	`, tenantID, fields["name"], fields["provider"], fields["category"],
		fields["price"], fields["duration"]).Scan(&id)
	if err != nil {
		return importer.Entity{}, err
	}
	ent, _, err := r.GetProduct(ctx, tenantID, id)
	return ent, err
}

func (r *EntityRepository) UpdateProductFields(ctx context.Context, tenantID, id string, fields map[string]string) error {
	return r.updateFields(ctx, "products", productColumns, tenantID, id, fields)
}

func (r *EntityRepository) GetProduct(ctx context.Context, tenantID, id string) (importer.Entity, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(name, ''), COALESCE(provider, ''), COALESCE(category, ''),
			COALESCE(price::text, ''), COALESCE(duration::text, '')
		FROM products
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanFlat(row, productColumns)
}

// UserIDByEmail resolves a provider or client reference from a schedule
// import row.
func (r *EntityRepository) UserIDByEmail(ctx context.Context, tenantID, email string) (string, bool, error) {
	return r.idBy(ctx, `
		SELECT id::text FROM users
		WHERE tenant_id = $1 AND lower(email) = lower($2)
		LIMIT 1
	`, tenantID, email)
}

// ProductIDByName resolves a product reference from a schedule import row.
func (r *EntityRepository) ProductIDByName(ctx context.Context, tenantID, name string) (string, bool, error) {
	return r.idBy(ctx, `
		SELECT id::text FROM products
		WHERE tenant_id = $1 AND lower(name) = lower($2)
		LIMIT 1
	`, tenantID, name)
}

func (r *EntityRepository) idBy(ctx context.Context, query, tenantID, arg string) (string, bool, error) {
	var id string
	err := r.pool.QueryRow(ctx, query, tenantID, arg).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// UserExists backs the booking-time directory check for providers and
// clients.
func (r *EntityRepository) UserExists(ctx context.Context, tenantID, id string) (bool, error) {
	return r.exists(ctx, "users", tenantID, id)
}

func (r *EntityRepository) ProductExists(ctx context.Context, tenantID, id string) (bool, error) {
	return r.exists(ctx, "products", tenantID, id)
}

func (r *EntityRepository) exists(ctx context.Context, table, tenantID, id string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx,
		`SELECT 1 FROM `+table+` WHERE tenant_id = $1 AND id = $2`,
		tenantID, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// updateFields builds an UPDATE from the allowlisted subset of fields.
// Column names come from the allowlist, never from user input; values go
// through placeholders.
func (r *EntityRepository) updateFields(ctx context.Context, table string, allowed []string, tenantID, id string, fields map[string]string) error {
	var sets []string
	args := []any{tenantID, id}
	for _, col := range allowed {
		val, ok := fields[col]
		if !ok {
			continue
		}
		args = append(args, val)
		switch {
		case table == "products" && col == "price":
			sets = append(sets, fmt.Sprintf("price = NULLIF(REPLACE($%d, ',', '.'), '')::numeric", len(args)))
		case table == "products" && col == "duration":
			sets = append(sets, fmt.Sprintf("duration = NULLIF($%d, '')::int", len(args)))
		default:
			sets = append(sets, fmt.Sprintf("%s = NULLIF($%d, '')", col, len(args)))
		}
	}
	if len(sets) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE tenant_id = $1 AND id = $2",
		table, strings.Join(sets, ", "))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s not found for tenant %s", table, id, tenantID)
	}
	return nil
}

func scanFlat(row pgx.Row, columns []string) (importer.Entity, bool, error) {
	var id string
	vals := make([]string, len(columns))
	dest := make([]any, 0, len(vals)+1)
	dest = append(dest, &id)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return importer.Entity{}, false, nil
		}
		return importer.Entity{}, false, err
	}
	fields := make(map[string]string, len(columns))
	for i, col := range columns {
		fields[col] = vals[i]
	}
	return importer.Entity{ID: id, Fields: fields}, true, nil
}
