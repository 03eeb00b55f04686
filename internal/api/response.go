package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"agency-core/internal/apperr"
	"agency-core/internal/decisions"
	"agency-core/internal/drafts"
	"agency-core/internal/events"
	"agency-core/internal/orchestrator"
	"agency-core/internal/queue"
	"agency-core/internal/store"
)

const maxBodyBytes = 1 << 20

// envelope is the response body shared by every endpoint: success plus either fields or an error string.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, code int, fields envelope) {
	body := envelope{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, code, body)
}

func writeError(w http.ResponseWriter, err error) {
	err = classify(err)
	code := apperr.StatusCode(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, envelope{"success": false, "error": err.Error()})
}

// classify attaches an apperr kind to the domain sentinels so StatusCode can map them.
func classify(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, orchestrator.ErrInvalidDemandType),
		errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, drafts.ErrInvalidPayload),
		errors.Is(err, drafts.ErrUnknownActionType),
		errors.Is(err, decisions.ErrInvalidDecision),
		errors.Is(err, queue.ErrInvalidJob):
		return apperr.Wrap(apperr.KindValidation, err, "")
	case errors.Is(err, drafts.ErrInvalidState),
		errors.Is(err, decisions.ErrInvalidState),
		errors.Is(err, queue.ErrNotDeadLetter):
		return apperr.Wrap(apperr.KindConflict, err, "")
	case errors.Is(err, drafts.ErrDraftNotFound),
		errors.Is(err, decisions.ErrDecisionNotFound),
		errors.Is(err, events.ErrEventNotFound),
		errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, err, "")
	case errors.Is(err, queue.ErrBackendUnavailable):
		return apperr.Wrap(apperr.KindUnavailable, err, "")
	}
	return err
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid json: %v", err)
	}
	return nil
}

func decodeRaw(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.Validation("payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Validation("invalid payload: %v", err)
	}
	return nil
}

func requireUUID(field, v string) error {
	if v == "" {
		return apperr.Validation("%s is required", field)
	}
	if _, err := uuid.Parse(v); err != nil {
		return apperr.Validation("%s must be a valid UUID, got %q", field, v)
	}
	return nil
}

func actorID(r *http.Request) string {
	p, _ := PrincipalFrom(r.Context())
	return p.UserID
}

func limitParam(v, def, max int) int {
	switch {
	case v <= 0:
		return def
	case v > max:
		return max
	}
	return v
}
