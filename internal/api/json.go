package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"garagemsg/internal/apperr"
	"garagemsg/internal/store"
)

const maxJSONBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a single JSON object into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.InvalidRequest, "invalid JSON body", err)
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		return apperr.New(apperr.InvalidRequest, "body must contain a single JSON object")
	}
	return nil
}

// storeErr maps store.ErrNotFound to a not_found error naming what.
func storeErr(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, what+" not found")
	}
	return apperr.Wrap(apperr.Internal, "load "+what, err)
}

func pageParams(r *http.Request) (cursor string, limit int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	return q.Get("cursor"), limit
}

type page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}
