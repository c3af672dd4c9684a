package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/membersync/internal/common"
	"github.com/dmitrijs2005/membersync/internal/logging"
	"github.com/dmitrijs2005/membersync/internal/server/auth"
	"github.com/go-chi/chi/v5"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type ctxKey string

const operatorKey ctxKey = "operator"

type handler struct {
	deps Deps
	log  logging.Logger
}

// unlinkedRecord is the listing view of a record; the credential is never
// exposed.
type unlinkedRecord struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsActive bool   `json:"is_active"`
}

type resyncResponse struct {
	RecordID string `json:"record_id"`
	Outcome  string `json:"outcome"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(common.AuthorizationHeaderName)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: common.ErrorUnauthorized.Error()})
			return
		}

		operator, err := auth.GetOperatorFromToken(token, h.deps.JWTSecret)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey).(string)
	return op
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil && !h.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listUnlinked(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	recs, err := h.deps.Records.ListUnlinked(r.Context(), limit)
	if err != nil {
		h.log.Error(r.Context(), "list unlinked failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: common.ErrorInternal.Error()})
		return
	}

	out := make([]unlinkedRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, unlinkedRecord{ID: rec.ID, Username: rec.Username, IsActive: rec.IsActive})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) resync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	outcome, err := h.deps.Resyncer.Resync(ctx, id)
	switch {
	case errors.Is(err, common.ErrorUnknownRecord):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "record not found"})
		return
	case err != nil:
		h.log.Error(ctx, "resync failed", "record_id", id, "operator", operatorFrom(ctx), "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	h.log.Info(ctx, "resync requested", "record_id", id, "operator", operatorFrom(ctx), "outcome", outcome)
	writeJSON(w, http.StatusOK, resyncResponse{RecordID: id, Outcome: outcome})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
