// Package handler exposes the change pipeline over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quarrylabs/quarry/internal/ingestion"
	"github.com/quarrylabs/quarry/internal/ingestion/validator"
	apperrors "github.com/quarrylabs/quarry/pkg/errors"
	"github.com/quarrylabs/quarry/pkg/logger"
)

// Submitter accepts validated change requests. *publisher.Publisher is the
// production implementation.
type Submitter interface {
	Submit(ctx context.Context, req *ingestion.ChangeRequest) (*ingestion.ChangeResponse, error)
}

type Handler struct {
	submitter Submitter
	logger    *slog.Logger
}

func New(submitter Submitter) *Handler {
	return &Handler{
		submitter: submitter,
		logger:    logger.WithComponent("ingestion-handler"),
	}
}

func (h *Handler) SubmitChange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	var req ingestion.ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validator.ValidateChangeRequest(&req); err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.submitter.Submit(ctx, &req)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("change submission failed",
			"error", err,
			"status_code", statusCode,
		)
		h.writeError(w, statusCode, "change submission failed")
		return
	}
	log.Info("change accepted",
		"change_id", resp.ChangeID,
		"dataset", resp.Dataset,
		"op", req.Op,
	)
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
