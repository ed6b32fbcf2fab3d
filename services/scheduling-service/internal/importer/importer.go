// Package importer reconciles imported rows against existing entities.
// Rows whose natural key matches an existing record are staged as
// duplicate candidates for manual merge/replace/discard resolution
// instead of being inserted.
package importer

import (
	"errors"
	"time"
)

var (
	ErrDuplicateNotFound = errors.New("duplicate candidate not found")
	ErrUnknownEntityType = errors.New("unknown import entity type")
	ErrUnknownAction     = errors.New("unknown resolution action")
)

// Row is one record from the uploaded file. Num is the 1-based line
// number in the source file, header included, so the first data row is 2.
type Row struct {
	Num    int
	Fields map[string]string
}

// Entity is the stored record an import row maps onto.
type Entity struct {
	ID     string
	Fields map[string]string
}

// RowError is a per-row validation failure. Collected, never fatal to
// the batch.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// DuplicateCandidate is a staged row whose natural key matched an
// existing record. It survives the import request so resolution can
// happen later from the review screen.
type DuplicateCandidate struct {
	ID         string
	TenantID   string
	EntityType string
	Row        int
	Data       map[string]string
	ExistingID string
	Existing   map[string]string
	CreatedAt  time.Time
}

// Result is the outcome of one reconciled batch, in file order.
type Result struct {
	Inserted   []Entity
	Duplicates []DuplicateCandidate
	Errors     []RowError
}

// Action resolves a duplicate candidate.
type Action string

const (
	ActionMerge   Action = "merge"
	ActionReplace Action = "replace"
	ActionDiscard Action = "discard"
)

func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionMerge, ActionReplace, ActionDiscard:
		return Action(raw), nil
	}
	return "", ErrUnknownAction
}
