package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSignal),
		errors.Is(err, domain.ErrPositionExists),
		errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLockBusy):
		return http.StatusLocked
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrStrategyInactive):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrInvalidField):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoCredentials):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrNoOrdersPlaced):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err and writes the mapped status. Server errors get a generic
// message; client errors echo the error text.
func fail(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// decodeBody reads a JSON body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts pagination and the optional since/until range from
// the query string. Defaults: limit=50 (max 500), offset=0. Times accept
// RFC 3339 or YYYY-MM-DD.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	var err error
	if opts.Since, err = parseTime(q.Get("since")); err != nil {
		return opts, fmt.Errorf("since: %w", err)
	}
	if opts.Until, err = parseTime(q.Get("until")); err != nil {
		return opts, fmt.Errorf("until: %w", err)
	}
	return opts, nil
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised time %q", v)
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
