package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/postman/internal/record"
	"github.com/dmitrymomot/postman/internal/scheduler"
)

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
}

type scheduleBody struct {
	ToEmail     string `json:"toEmail"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	ScheduledAt string `json:"scheduledAt"`
	SenderEmail string `json:"senderEmail"`
}

type handlers struct {
	svc          Service
	log          *slog.Logger
	maxBodyBytes int64
}

func (h *handlers) schedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if body.ToEmail == "" || body.Subject == "" || body.Body == "" || body.ScheduledAt == "" || body.SenderEmail == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: toEmail, subject, body, scheduledAt, senderEmail")
		return
	}
	scheduledAt, err := time.Parse(time.RFC3339Nano, body.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scheduledAt date format")
		return
	}

	intent, err := h.svc.ScheduleEmail(r.Context(), scheduler.ScheduleRequest{
		ToEmail:     body.ToEmail,
		SenderEmail: body.SenderEmail,
		Subject:     body.Subject,
		Body:        body.Body,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		h.fail(w, r, err, "Failed to schedule email")
		return
	}

	writeJSON(w, http.StatusCreated, envelope{
		Success: true,
		Message: "Email scheduled successfully",
		Data:    intent,
	})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	intent, err := h.svc.GetEmail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "Failed to get email")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: intent})
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := scheduler.ListRequest{
		Status:      record.Status(strings.ToLower(q.Get("status"))),
		SenderEmail: q.Get("senderEmail"),
	}

	var err error
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if req.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	intents, err := h.svc.ListEmails(r.Context(), req)
	if err != nil {
		h.fail(w, r, err, "Failed to get emails")
		return
	}
	if intents == nil {
		intents = []record.Intent{}
	}
	count := len(intents)
	writeJSON(w, http.StatusOK, envelope{Success: true, Count: &count, Data: intents})
}

func (h *handlers) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetQueueStats(r.Context())
	if err != nil {
		h.fail(w, r, err, "Failed to get queue stats")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
}

func (h *handlers) recover(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RecoverNow(r.Context())
	if err != nil {
		h.fail(w, r, err, "Failed to recover emails")
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("Recovered %d scheduled emails", n),
		Data:    map[string]int{"recoveredCount": n},
	})
}

// fail maps service errors to status codes. Internal details are logged, not returned.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var verr *record.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, record.ErrNotFound):
		writeError(w, http.StatusNotFound, "Email not found")
	default:
		h.log.ErrorContext(r.Context(), fallback, slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}
