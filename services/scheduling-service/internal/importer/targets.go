package importer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// UserStore is the persistence surface the users target needs.
type UserStore interface {
	FindUserByNaturalKey(ctx context.Context, tenantID, cpf, email string) (Entity, bool, error)
	InsertUser(ctx context.Context, tenantID string, fields map[string]string, passwordHash string) (Entity, error)
	UpdateUserFields(ctx context.Context, tenantID, id string, fields map[string]string) error
	GetUser(ctx context.Context, tenantID, id string) (Entity, bool, error)
}

type CategoryStore interface {
	FindCategoryByName(ctx context.Context, tenantID, name string) (Entity, bool, error)
	InsertCategory(ctx context.Context, tenantID string, fields map[string]string) (Entity, error)
	UpdateCategoryFields(ctx context.Context, tenantID, id string, fields map[string]string) error
	GetCategory(ctx context.Context, tenantID, id string) (Entity, bool, error)
}

type ProductStore interface {
	FindProductByNameProvider(ctx context.Context, tenantID, name, provider string) (Entity, bool, error)
	InsertProduct(ctx context.Context, tenantID string, fields map[string]string) (Entity, error)
	UpdateProductFields(ctx context.Context, tenantID, id string, fields map[string]string) error
	GetProduct(ctx context.Context, tenantID, id string) (Entity, bool, error)
}

// UsersTarget imports people (providers and clients). The natural key is
// the CPF when present, otherwise the e-mail. Imported users receive a
// generated temporary password and start out pending.
type UsersTarget struct {
	store UserStore
}

func NewUsersTarget(store UserStore) *UsersTarget {
	return &UsersTarget{store: store}
}

func (t *UsersTarget) EntityType() string { return "users" }

func (t *UsersTarget) Validate(row Row) error {
	if row.Fields["name"] == "" {
		return errors.New("name is required")
	}
	cpf := normalizeCPF(row.Fields["cpf"])
	email := strings.ToLower(row.Fields["email"])
	if cpf == "" && email == "" {
		return errors.New("cpf or email is required")
	}
	if row.Fields["cpf"] != "" && len(cpf) != 11 {
		return fmt.Errorf("cpf %q must have 11 digits", row.Fields["cpf"])
	}
	if email != "" && !strings.Contains(email, "@") {
		return fmt.Errorf("email %q is malformed", row.Fields["email"])
	}
	return nil
}

func (t *UsersTarget) NaturalKey(row Row) string {
	if cpf := normalizeCPF(row.Fields["cpf"]); cpf != "" {
		return "cpf:" + cpf
	}
	return "email:" + strings.ToLower(row.Fields["email"])
}

func (t *UsersTarget) Lookup(ctx context.Context, tenantID string, row Row) (Entity, bool, error) {
	return t.store.FindUserByNaturalKey(ctx, tenantID,
		normalizeCPF(row.Fields["cpf"]), strings.ToLower(row.Fields["email"]))
}

func (t *UsersTarget) Insert(ctx context.Context, tenantID string, row Row) (Entity, error) {
	hash, err := tempPasswordHash()
	if err != nil {
		return Entity{}, err
	}
	fields := cloneFields(row.Fields)
	fields["cpf"] = normalizeCPF(fields["cpf"])
	fields["email"] = strings.ToLower(fields["email"])
	return t.store.InsertUser(ctx, tenantID, fields, hash)
}

func (t *UsersTarget) Update(ctx context.Context, tenantID, id string, fields map[string]string) error {
	return t.store.UpdateUserFields(ctx, tenantID, id, fields)
}

func (t *UsersTarget) Get(ctx context.Context, tenantID, id string) (Entity, bool, error) {
	return t.store.GetUser(ctx, tenantID, id)
}

// CategoriesTarget imports service categories, keyed by name.
type CategoriesTarget struct {
	store CategoryStore
}

func NewCategoriesTarget(store CategoryStore) *CategoriesTarget {
	return &CategoriesTarget{store: store}
}

func (t *CategoriesTarget) EntityType() string { return "categories" }

func (t *CategoriesTarget) Validate(row Row) error {
	if row.Fields["name"] == "" {
		return errors.New("name is required")
	}
	return nil
}

func (t *CategoriesTarget) NaturalKey(row Row) string {
	return strings.ToLower(row.Fields["name"])
}

func (t *CategoriesTarget) Lookup(ctx context.Context, tenantID string, row Row) (Entity, bool, error) {
	return t.store.FindCategoryByName(ctx, tenantID, row.Fields["name"])
}

func (t *CategoriesTarget) Insert(ctx context.Context, tenantID string, row Row) (Entity, error) {
	return t.store.InsertCategory(ctx, tenantID, cloneFields(row.Fields))
}

func (t *CategoriesTarget) Update(ctx context.Context, tenantID, id string, fields map[string]string) error {
	return t.store.UpdateCategoryFields(ctx, tenantID, id, fields)
}

func (t *CategoriesTarget) Get(ctx context.Context, tenantID, id string) (Entity, bool, error) {
	return t.store.GetCategory(ctx, tenantID, id)
}

// ProductsTarget imports services offered by providers, keyed by
// name plus provider since different providers sell same-named services.
type ProductsTarget struct {
	store ProductStore
}

func NewProductsTarget(store ProductStore) *ProductsTarget {
	return &ProductsTarget{store: store}
}

func (t *ProductsTarget) EntityType() string { return "products" }

func (t *ProductsTarget) Validate(row Row) error {
	if row.Fields["name"] == "" {
		return errors.New("name is required")
	}
	if row.Fields["provider"] == "" {
		return errors.New("provider is required")
	}
	if v := row.Fields["duration"]; v != "" {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			return fmt.Errorf("duration %q must be a positive number of minutes", v)
		}
	}
	if v := row.Fields["price"]; v != "" {
		if _, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64); err != nil {
			return fmt.Errorf("price %q is not a number", v)
		}
	}
	return nil
}

func (t *ProductsTarget) NaturalKey(row Row) string {
	return strings.ToLower(row.Fields["name"]) + "|" + strings.ToLower(row.Fields["provider"])
}

func (t *ProductsTarget) Lookup(ctx context.Context, tenantID string, row Row) (Entity, bool, error) {
	return t.store.FindProductByNameProvider(ctx, tenantID, row.Fields["name"], row.Fields["provider"])
}

func (t *ProductsTarget) Insert(ctx context.Context, tenantID string, row Row) (Entity, error) {
	return t.store.InsertProduct(ctx, tenantID, cloneFields(row.Fields))
}

func (t *ProductsTarget) Update(ctx context.Context, tenantID, id string, fields map[string]string) error {
	return t.store.UpdateProductFields(ctx, tenantID, id, fields)
}

func (t *ProductsTarget) Get(ctx context.Context, tenantID, id string) (Entity, bool, error) {
	return t.store.GetProduct(ctx, tenantID, id)
}

func normalizeCPF(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cloneFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func tempPasswordHash() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.RawURLEncoding.EncodeToString(raw)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
