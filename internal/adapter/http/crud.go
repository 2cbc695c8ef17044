package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleGet creates a handler that retrieves a single resource by URL param "id".
func handleGet[T any](getFn func(ctx context.Context, id string) (*T, error), notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		item, err := getFn(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleListByParam creates a handler that lists resources scoped by URL param "id".
// The limit query parameter is passed through, bounded by maxLimit.
func handleListByParam[T any](listFn func(ctx context.Context, id string, limit int) ([]T, error), defLimit, maxLimit int, notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		items, err := listFn(r.Context(), id, queryInt(r, "limit", defLimit, maxLimit))
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}
