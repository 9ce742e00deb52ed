package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/breaker"
	"github.com/eldtechnologies/agentrelay/internal/ingest"
	"github.com/eldtechnologies/agentrelay/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.DataStore
	ingest   *ingest.Service
	breakers *breaker.Group
	logger   zerolog.Logger
}

// NewHandler creates a Handler. ds should be the guarded store that svc
// writes through; breakers is reported by the health endpoint.
func NewHandler(ds store.DataStore, svc *ingest.Service, breakers *breaker.Group, logger zerolog.Logger) *Handler {
	return &Handler{
		store:    ds,
		ingest:   svc,
		breakers: breakers,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// storeError maps a store or ingest error to its HTTP response.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	var open *breaker.CircuitOpenError
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ingest.ErrInvalidMessage):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &open):
		secs := int(math.Ceil(open.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.Error(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		h.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if len([]rune(name)) > 100 {
		name = string([]rune(name)[:100])
	}

	return name
}
