// Package feed owns the canonical in-memory prompt collection and mirrors it
// into the persistent store after every mutation.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"askloop/promptfeed/internal/models"
	"askloop/promptfeed/internal/store"
)

// ErrCorruptState is returned by Load when the persisted prompt collection
// cannot be decoded. The repository resets to an empty collection; callers
// should warn and continue rather than crash.
var ErrCorruptState = errors.New("persisted prompt state is malformed")

// ErrNotFound is returned when no prompt has the given id.
var ErrNotFound = errors.New("prompt not found")

// persistDebounce collapses bursts of rapid mutation into a single store
// write. A crash inside this window loses the last write; the in-memory state
// is authoritative for the session either way.
const persistDebounce = 500 * time.Millisecond

// Blobs is the slice of the persistent store the repository needs.
type Blobs interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Repository is the single source of truth for prompts during a session.
// Reads are safe from any goroutine; writes go through the mutation methods
// only and schedule a debounced persist.
type Repository struct {
	blobs    Blobs
	debounce time.Duration

	mu      sync.Mutex
	prompts map[uuid.UUID]models.Prompt
	timer   *time.Timer
}

// NewRepository creates an empty repository backed by the given store.
func NewRepository(blobs Blobs) *Repository {
	return &Repository{
		blobs:    blobs,
		debounce: persistDebounce,
		prompts:  make(map[uuid.UUID]models.Prompt),
	}
}

// Load reads the persisted collection. An absent blob initializes an empty
// collection. Malformed data resets to empty and returns ErrCorruptState.
// Prompts persisted before the category field exists are defaulted to
// "other", and prompts caught mid-execution by a crash are marked failed.
func (r *Repository) Load(ctx context.Context) error {
	raw, ok, err := r.blobs.Get(ctx, store.KeyPrompts)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}
	if !ok || raw == "" {
		log.Debug().Msg("No persisted prompts found, starting empty")
		return nil
	}

	var loaded []models.Prompt
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		r.mu.Lock()
		r.prompts = make(map[uuid.UUID]models.Prompt)
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = make(map[uuid.UUID]models.Prompt, len(loaded))
	for _, p := range loaded {
		p.Category = p.Category.Normalize()
		if p.Status == models.StatusRunning {
			// The process died mid-execution. LastRun is already stamped, so
			// the period stays consumed; surface the interruption instead of
			// an eternal in-progress sentinel.
			p.Status = models.StatusFailed
			p.Response = "The answer was interrupted before it completed."
			p.Source = models.SourceError
		}
		r.prompts[p.ID] = p
	}
	log.Info().Int("prompts", len(loaded)).Msg("Loaded persisted prompts")
	return nil
}

// Add inserts a prompt and schedules a persist.
func (r *Repository) Add(p models.Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[p.ID] = p.Clone()
	r.schedulePersist()
}

// Update applies fn to the stored prompt and schedules a persist. fn sees a
// private copy; the repository keeps ownership of the canonical one.
func (r *Repository) Update(id uuid.UUID, fn func(*models.Prompt)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prompts[id]
	if !ok {
		return ErrNotFound
	}
	p = p.Clone()
	fn(&p)
	r.prompts[id] = p.Clone()
	r.schedulePersist()
	return nil
}

// Remove deletes a prompt and schedules a persist.
func (r *Repository) Remove(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prompts[id]; !ok {
		return ErrNotFound
	}
	delete(r.prompts, id)
	r.schedulePersist()
	return nil
}

// Get returns a copy of the prompt with the given id.
func (r *Repository) Get(id uuid.UUID) (models.Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prompts[id]
	if !ok {
		return models.Prompt{}, false
	}
	return p.Clone(), true
}

// List returns copies of all prompts ordered by UpdatedAt descending, the
// feed display order. Ties break on id for a stable order.
func (r *Repository) List() []models.Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// ClearExecuted removes every prompt without a schedule and persists
// immediately rather than debounced: it is a deliberate destructive user
// action. Scheduled prompts survive regardless of recurrence or LastRun.
func (r *Repository) ClearExecuted(ctx context.Context) (int, error) {
	r.mu.Lock()
	removed := 0
	for id, p := range r.prompts {
		if !p.Scheduled() {
			delete(r.prompts, id)
			removed++
		}
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	log.Info().Int("removed", removed).Msg("Cleared executed prompts")
	return removed, r.persist(ctx)
}

// Flush cancels any pending debounced persist and writes the collection now.
// Call on shutdown so the store reflects the last known state.
func (r *Repository) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	return r.persist(ctx)
}

// schedulePersist (re)arms the debounce timer. Callers must hold mu.
func (r *Repository) schedulePersist() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		// A failed persist is a warning, not a rollback: memory stays
		// authoritative and the next mutation retries.
		if err := r.persist(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Deferred prompt persist failed")
		}
	})
}

func (r *Repository) persist(ctx context.Context) error {
	r.mu.Lock()
	snapshot := r.sortedLocked()
	r.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize prompts: %w", err)
	}
	if err := r.blobs.Set(ctx, store.KeyPrompts, string(data)); err != nil {
		return fmt.Errorf("failed to persist prompts: %w", err)
	}
	log.Debug().Int("prompts", len(snapshot)).Msg("Persisted prompt collection")
	return nil
}

func (r *Repository) sortedLocked() []models.Prompt {
	out := make([]models.Prompt, 0, len(r.prompts))
	for _, p := range r.prompts {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
