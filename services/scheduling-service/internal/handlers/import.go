package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/importer"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/outbox"
)

// maxImportBytes caps CSV uploads at 5 MiB.
const maxImportBytes = 5 << 20

type ImportHandler struct {
	rec     *importer.Reconciler
	outbox  *outbox.Repository
	tenants *TenantResolver
	logger  *slog.Logger
}

func NewImportHandler(rec *importer.Reconciler, outboxRepo *outbox.Repository, tenants *TenantResolver, logger *slog.Logger) *ImportHandler {
	return &ImportHandler{rec: rec, outbox: outboxRepo, tenants: tenants, logger: logger}
}

type duplicateResponse struct {
	ID         string            `json:"id"`
	EntityType string            `json:"entity_type"`
	Row        int               `json:"row"`
	Data       map[string]string `json:"data"`
	ExistingID string            `json:"existing_id"`
	Existing   map[string]string `json:"existing"`
}

func toDuplicateResponse(c importer.DuplicateCandidate) duplicateResponse {
	return duplicateResponse{
		ID:         c.ID,
		EntityType: c.EntityType,
		Row:        c.Row,
		Data:       c.Data,
		ExistingID: c.ExistingID,
		Existing:   c.Existing,
	}
}

// ImportCSV handles POST /api/v1/{entity}/import/csv. The upload is
// either a multipart form with a "file" part or a raw CSV body.
func (h *ImportHandler) ImportCSV(entityType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tenant, ok := h.tenants.tenantOr401(w, r)
		if !ok {
			return
		}

		src, err := importSource(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer src.Close()

		rows, err := importer.ReadRows(src)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := h.rec.Reconcile(r.Context(), tenant, entityType, rows)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		h.emitImportCompleted(r, tenant, entityType, res)

		duplicates := make([]duplicateResponse, 0, len(res.Duplicates))
		for _, c := range res.Duplicates {
			duplicates = append(duplicates, toDuplicateResponse(c))
		}
		inserted := make([]map[string]any, 0, len(res.Inserted))
		for _, ent := range res.Inserted {
			inserted = append(inserted, map[string]any{"id": ent.ID, "fields": ent.Fields})
		}
		errorsOut := res.Errors
		if errorsOut == nil {
			errorsOut = []importer.RowError{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"inserted":   inserted,
			"duplicates": duplicates,
			"errors":     errorsOut,
		})
	}
}

// ResolveDuplicate handles POST /api/v1/{entity}/resolve-duplicate/{id}.
func (h *ImportHandler) ResolveDuplicate(entityType string) http.HandlerFunc {
	prefix := "/api/v1/" + entityType + "/resolve-duplicate/"
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, prefix)
		if id == "" || strings.Contains(id, "/") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		tenant, ok := h.tenants.tenantOr401(w, r)
		if !ok {
			return
		}

		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		action, err := importer.ParseAction(strings.TrimSpace(req.Action))
		if err != nil {
			http.Error(w, "action must be merge, replace or discard", http.StatusBadRequest)
			return
		}

		ent, err := h.rec.Resolve(r.Context(), tenant, id, action)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if ent == nil {
			writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"resolved": true,
			"entity":   map[string]any{"id": ent.ID, "fields": ent.Fields},
		})
	}
}

// ListDuplicates handles GET /api/v1/imports/duplicates.
func (h *ImportHandler) ListDuplicates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.tenants.tenantOr401(w, r)
	if !ok {
		return
	}

	cands, err := h.rec.ListPending(r.Context(), tenant)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	items := make([]duplicateResponse, 0, len(cands))
	for _, c := range cands {
		items = append(items, toDuplicateResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"duplicates": items})
}

func (h *ImportHandler) emitImportCompleted(r *http.Request, tenant, entityType string, res importer.Result) {
	if h.outbox == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"tenant_id":   tenant,
		"entity_type": entityType,
		"inserted":    len(res.Inserted),
		"duplicates":  len(res.Duplicates),
		"row_errors":  len(res.Errors),
	})
	if err != nil {
		return
	}
	err = h.outbox.InsertOne(r.Context(), outbox.Event{
		AggregateType: "import_batch",
		AggregateID:   tenant,
		EventType:     outbox.TypeImportCompleted,
		Payload:       payload,
	})
	if err != nil {
		h.logger.Error("import completed event failed", "err", err)
	}
}

func importSource(r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxImportBytes)
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		return file, nil
	}
	return r.Body, nil
}
