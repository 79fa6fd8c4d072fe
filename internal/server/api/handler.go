package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"askloop/promptfeed/internal/feed"
	"askloop/promptfeed/internal/models"
	"askloop/promptfeed/internal/server/pagination"
)

const defaultLimit = 50
const maxLimit = 500

// Scheduler is the slice of the execution engine the API needs.
type Scheduler interface {
	Ask(ctx context.Context, question string, category models.Category) (models.Prompt, error)
	AddScheduled(question string, category models.Category, schedule models.Schedule) (models.Prompt, error)
	Refresh()
}

// FeedResponse is the paginated feed payload.
type FeedResponse struct {
	Items      []models.Prompt `json:"items"`
	NextCursor *string         `json:"next_cursor,omitempty"`
}

// CreateRequest is the body for POST /v1/prompts.
type CreateRequest struct {
	Question string           `json:"question"`
	Category models.Category  `json:"category"`
	Schedule *ScheduleRequest `json:"schedule,omitempty"`
}

// ScheduleRequest is the schedule portion of a create request.
type ScheduleRequest struct {
	Hour      int  `json:"hour"`
	Minute    int  `json:"minute"`
	Recurring bool `json:"recurring"`
}

// PromptsHandler serves the prompt feed and prompt mutations.
type PromptsHandler struct {
	repo      *feed.Repository
	scheduler Scheduler
}

// NewPromptsHandler creates a new handler instance.
func NewPromptsHandler(repo *feed.Repository, scheduler Scheduler) *PromptsHandler {
	return &PromptsHandler{repo: repo, scheduler: scheduler}
}

// GetPrompts handles GET /v1/prompts: the feed, newest update first, with
// opaque cursor pagination.
func (h *PromptsHandler) GetPrompts(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	query := r.URL.Query()
	limit := defaultLimit
	if limitStr := query.Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit <= 0 || parsedLimit > maxLimit {
			log.Warn().Err(err).Str("limit", limitStr).Msg("Invalid 'limit' parameter value")
			http.Error(w, fmt.Sprintf("Invalid 'limit' parameter: must be between 1 and %d", maxLimit), http.StatusBadRequest)
			return
		}
		limit = parsedLimit
	}

	items := h.repo.List()
	if cursorStr := query.Get("cursor"); cursorStr != "" {
		ts, id, err := pagination.DecodeCursor(cursorStr)
		if err != nil {
			log.Warn().Err(err).Str("cursor", cursorStr).Msg("Invalid 'cursor' parameter")
			http.Error(w, "Invalid 'cursor' parameter", http.StatusBadRequest)
			return
		}
		items = afterCursor(items, ts, id)
	}

	var nextCursor *string
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		cursor := pagination.EncodeCursor(last.UpdatedAt, last.ID)
		nextCursor = &cursor
	}

	writeJSON(w, r, http.StatusOK, FeedResponse{Items: items, NextCursor: nextCursor})
}

// afterCursor drops every item at or before the cursor position in the feed
// order (UpdatedAt descending, ID ascending on ties).
func afterCursor(items []models.Prompt, ts time.Time, id uuid.UUID) []models.Prompt {
	for i, p := range items {
		if p.UpdatedAt.Before(ts) {
			return items[i:]
		}
		if p.UpdatedAt.Equal(ts) && p.ID.String() > id.String() {
			return items[i:]
		}
	}
	return nil
}

// CreatePrompt handles POST /v1/prompts. Without a schedule the question is
// executed synchronously; with one it is stored for the scheduler to pick up.
func (h *PromptsHandler) CreatePrompt(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Invalid create prompt body")
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	var p models.Prompt
	var err error
	if req.Schedule != nil {
		p, err = h.scheduler.AddScheduled(req.Question, req.Category, models.Schedule{
			Hour:      req.Schedule.Hour,
			Minute:    req.Schedule.Minute,
			Recurring: req.Schedule.Recurring,
		})
	} else {
		p, err = h.scheduler.Ask(r.Context(), req.Question, req.Category)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Prompt rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, r, http.StatusCreated, p)
}

// DeletePrompt handles DELETE /v1/prompts/{id}.
func (h *PromptsHandler) DeletePrompt(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid prompt id", http.StatusBadRequest)
		return
	}
	if err := h.repo.Remove(id); err != nil {
		if errors.Is(err, feed.ErrNotFound) {
			http.Error(w, "Prompt not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Msg("Failed to remove prompt")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearExecuted handles POST /v1/prompts/clear: removes every prompt without
// a schedule.
func (h *PromptsHandler) ClearExecuted(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	removed, err := h.repo.ClearExecuted(r.Context())
	if err != nil {
		// Memory state already changed; the persist failure is a warning.
		log.Warn().Err(err).Msg("Clear persisted with errors")
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"removed": removed})
}

// Refresh handles POST /v1/refresh: requests an immediate due-check pass.
func (h *PromptsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	log := hlog.FromRequest(r)

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Error marshaling JSON response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(jsonBytes); err != nil {
		log.Error().Err(err).Msg("Error writing JSON response body to client")
	}
}
