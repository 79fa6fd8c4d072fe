// Package scheduler decides which prompts are due, executes them against the
// AI provider, and heals schedule misses that accumulated while the process
// was not running.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"askloop/promptfeed/internal/aiquery"
	"askloop/promptfeed/internal/feed"
	"askloop/promptfeed/internal/models"
	"askloop/promptfeed/internal/store"
)

const (
	defaultTickInterval = time.Minute
	defaultStartupGrace = 10 * time.Second
	defaultExecDelay    = 2 * time.Second
	defaultLookback     = 24 * time.Hour
)

// Querier answers a question, possibly with source URLs. Any error returned
// is terminal for the attempt; the engine never retries above the querier.
type Querier interface {
	Query(ctx context.Context, question string) (aiquery.Answer, error)
}

// Checkpoints is the slice of the persistent store the engine needs for the
// last schedule-check timestamp.
type Checkpoints interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Config holds engine settings. Zero-value fields use defaults.
type Config struct {
	// TickInterval is the period between due-check passes.
	TickInterval time.Duration
	// StartupGrace is how far in the past a scheduled moment must be before
	// the recovery pass fires it. Prevents a resume-time pass from racing a
	// regular tick over a moment that just elapsed.
	StartupGrace time.Duration
	// ExecDelay throttles consecutive executions within one pass so a burst
	// of simultaneously-due prompts does not trip provider rate limits.
	ExecDelay time.Duration
	// RecoveryLookback bounds recovery when no checkpoint exists.
	RecoveryLookback time.Duration
	// Clock is the time source; tests substitute a fake.
	Clock func() time.Time
}

// Engine runs scheduled prompts at most once per eligible period. It owns its
// ticker, refresh channel and in-flight claim set; tearing it down is
// cancelling the context passed to Run.
type Engine struct {
	repo        *feed.Repository
	querier     Querier
	checkpoints Checkpoints

	tickInterval time.Duration
	startupGrace time.Duration
	execDelay    time.Duration
	lookback     time.Duration
	now          func() time.Time

	refresh chan struct{}

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// NewEngine creates an engine, filling unset config with defaults.
func NewEngine(repo *feed.Repository, querier Querier, checkpoints Checkpoints, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = defaultStartupGrace
	}
	if cfg.ExecDelay <= 0 {
		cfg.ExecDelay = defaultExecDelay
	}
	if cfg.RecoveryLookback <= 0 {
		cfg.RecoveryLookback = defaultLookback
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		repo:         repo,
		querier:      querier,
		checkpoints:  checkpoints,
		tickInterval: cfg.TickInterval,
		startupGrace: cfg.StartupGrace,
		execDelay:    cfg.ExecDelay,
		lookback:     cfg.RecoveryLookback,
		now:          cfg.Clock,
		refresh:      make(chan struct{}, 1),
		inFlight:     make(map[uuid.UUID]struct{}),
	}
}

// Run reconciles missed executions, then re-evaluates the feed every tick
// until ctx is cancelled. Refresh requests trigger an extra pass.
func (e *Engine) Run(ctx context.Context) error {
	e.Recover(ctx)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", e.tickInterval).Msg("Scheduler running")
	for {
		select {
		case <-ticker.C:
			e.CheckDue(ctx)
		case <-e.refresh:
			log.Debug().Msg("Manual refresh requested")
			e.CheckDue(ctx)
		case <-ctx.Done():
			log.Info().Msg("Scheduler shutting down")
			return ctx.Err()
		}
	}
}

// Refresh requests an immediate due-check pass. Requests arriving while one
// is already pending coalesce.
func (e *Engine) Refresh() {
	select {
	case e.refresh <- struct{}{}:
	default:
	}
}

// Recover runs the missed-execution reconciliation pass. The process does not
// run continuously, so schedules elapse while it is down; this pass fires
// every prompt whose moment passed after the last recorded check (or within
// the lookback window when no check was ever recorded), under the same
// eligibility and stamping discipline as a regular tick.
func (e *Engine) Recover(ctx context.Context) {
	now := e.now()
	since := now.Add(-e.lookback)

	raw, ok, err := e.checkpoints.Get(ctx, store.KeyLastScheduleCheck)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read last schedule check, using lookback window")
	} else if ok {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			if t.After(since) {
				since = t
			}
		} else {
			log.Warn().Err(perr).Str("value", raw).Msg("Ignoring unparseable schedule checkpoint")
		}
	}

	log.Info().Time("since", since).Msg("Reconciling missed executions")
	e.runPass(ctx, since)
}

// CheckDue runs one due-check pass over all prompts.
func (e *Engine) CheckDue(ctx context.Context) {
	e.runPass(ctx, time.Time{})
}

// runPass executes every eligible prompt sequentially. A non-zero since marks
// a recovery pass: only moments after since fire, and only once they are at
// least the startup grace in the past. One prompt's failure never aborts the
// pass. The schedule checkpoint advances afterwards.
func (e *Engine) runPass(ctx context.Context, since time.Time) {
	now := e.now()
	ran := 0

	for _, p := range e.repo.List() {
		if ctx.Err() != nil {
			return
		}
		if !e.eligible(p, now, since) {
			continue
		}
		if !e.claim(p.ID) {
			continue
		}
		if ran > 0 {
			select {
			case <-time.After(e.execDelay):
			case <-ctx.Done():
				e.release(p.ID)
				return
			}
		}
		e.execute(ctx, p.ID)
		e.release(p.ID)
		ran++
	}

	if ran > 0 {
		log.Info().Int("executed", ran).Msg("Due-check pass complete")
	}
	e.checkpoint(ctx, e.now())
}

// eligible applies the due rule for a single prompt:
//  1. a schedule must be present;
//  2. a non-recurring schedule that has fired is dormant forever;
//  3. today's scheduled moment must have passed;
//  4. the last run must not be dated today (local calendar date);
//  5. during recovery, the moment must postdate the last recorded check and
//     be at least the startup grace in the past.
//
// The in-flight claim in runPass covers the "not currently running" half of
// guard 5 for every pass, recovery or not.
func (e *Engine) eligible(p models.Prompt, now, since time.Time) bool {
	s := p.Schedule
	if s == nil {
		return false
	}
	if s.Dormant() {
		return false
	}
	occurrence := s.OccurrenceOn(now)
	if now.Before(occurrence) {
		return false
	}
	if s.RanOn(now) {
		return false
	}
	if !since.IsZero() {
		if now.Sub(occurrence) < e.startupGrace {
			return false
		}
		if !occurrence.After(since) {
			return false
		}
	}
	return true
}

// claim marks the prompt as in flight. A false return means another pass
// already owns it; together with the optimistic LastRun stamp this enforces
// at-most-one execution per period even when ticks overlap.
func (e *Engine) claim(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) release(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

// execute drives a claimed prompt through running and into completed or
// failed. LastRun is stamped with the attempt start before the AI call
// resolves, so a concurrent or later check sees the period as consumed; a
// crash mid-call therefore skips the period rather than firing twice.
func (e *Engine) execute(ctx context.Context, id uuid.UUID) {
	start := e.now()
	err := e.repo.Update(id, func(p *models.Prompt) {
		p.Status = models.StatusRunning
		p.Response = models.ResponsePending
		p.Source = models.SourcePending
		p.UpdatedAt = start
		if p.Schedule != nil {
			lr := start
			p.Schedule.LastRun = &lr
		}
	})
	if err != nil {
		// Removed between the eligibility check and the claim.
		log.Warn().Err(err).Str("prompt_id", id.String()).Msg("Skipping execution")
		return
	}

	p, ok := e.repo.Get(id)
	if !ok {
		return
	}
	log.Info().
		Str("prompt_id", id.String()).
		Str("category", string(p.Category)).
		Msg("Executing scheduled prompt")

	answer, qerr := e.querier.Query(ctx, p.Question)
	done := e.now()

	if qerr != nil {
		log.Error().Err(qerr).Str("prompt_id", id.String()).Msg("Prompt execution failed")
		// A failed attempt still consumes the period: LastRun keeps the
		// attempt stamp and the next eligible period retries naturally.
		e.updateIgnoringNotFound(id, func(p *models.Prompt) {
			p.Status = models.StatusFailed
			p.Response = failureMessage(qerr)
			p.Source = models.SourceError
			p.UpdatedAt = done
		})
		return
	}

	e.updateIgnoringNotFound(id, func(p *models.Prompt) {
		p.Status = models.StatusCompleted
		p.Response = answer.Text
		p.Source = sourceList(answer.Sources)
		p.UpdatedAt = done
		if p.Schedule != nil {
			// Re-stamp with the completion time so a slow call does not
			// skew the next period's eligibility window.
			lr := done
			p.Schedule.LastRun = &lr
		}
	})
}

// Ask executes a one-shot question immediately and stores the completed
// prompt in the feed. An AI failure is recorded on the prompt, not returned;
// only validation fails synchronously.
func (e *Engine) Ask(ctx context.Context, question string, category models.Category) (models.Prompt, error) {
	p, err := models.New(question, category)
	if err != nil {
		return models.Prompt{}, err
	}
	p.Status = models.StatusRunning
	p.Response = models.ResponsePending
	p.Source = models.SourcePending
	e.repo.Add(p)

	answer, qerr := e.querier.Query(ctx, p.Question)
	done := e.now()
	if qerr != nil {
		log.Error().Err(qerr).Str("prompt_id", p.ID.String()).Msg("One-shot prompt failed")
		e.updateIgnoringNotFound(p.ID, func(p *models.Prompt) {
			p.Status = models.StatusFailed
			p.Response = failureMessage(qerr)
			p.Source = models.SourceError
			p.UpdatedAt = done
		})
	} else {
		e.updateIgnoringNotFound(p.ID, func(p *models.Prompt) {
			p.Status = models.StatusCompleted
			p.Response = answer.Text
			p.Source = sourceList(answer.Sources)
			p.UpdatedAt = done
		})
	}

	stored, _ := e.repo.Get(p.ID)
	return stored, nil
}

// AddScheduled stores a prompt that fires at the schedule's time of day. It
// never fires synchronously, even when today's moment has already passed;
// the next due-check pass decides.
func (e *Engine) AddScheduled(question string, category models.Category, schedule models.Schedule) (models.Prompt, error) {
	p, err := models.NewScheduled(question, category, schedule)
	if err != nil {
		return models.Prompt{}, err
	}
	p.Response = "" // empty until first execution
	p.Source = models.SourceNone
	e.repo.Add(p)
	log.Info().
		Str("prompt_id", p.ID.String()).
		Int("hour", schedule.Hour).
		Int("minute", schedule.Minute).
		Bool("recurring", schedule.Recurring).
		Msg("Scheduled prompt added")
	return p, nil
}

// checkpoint records when the last schedule check ran.
func (e *Engine) checkpoint(ctx context.Context, t time.Time) {
	if err := e.checkpoints.Set(ctx, store.KeyLastScheduleCheck, t.UTC().Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("Failed to record schedule check time")
	}
}

func (e *Engine) updateIgnoringNotFound(id uuid.UUID, fn func(*models.Prompt)) {
	if err := e.repo.Update(id, fn); err != nil && !errors.Is(err, feed.ErrNotFound) {
		log.Warn().Err(err).Str("prompt_id", id.String()).Msg("Failed to update prompt")
	}
}

// failureMessage turns a query error into the user-facing response text
// shown on the feed card.
func failureMessage(err error) string {
	var qe *aiquery.QueryError
	if errors.As(err, &qe) {
		switch qe.Kind {
		case aiquery.KindAuth:
			return "The AI provider rejected the configured credentials."
		case aiquery.KindRateLimited:
			return "The AI provider is rate limiting requests right now. This question will run again in its next period."
		case aiquery.KindTimeout:
			return "The AI provider took too long to answer."
		case aiquery.KindMalformed:
			return "The AI provider returned an unusable answer."
		}
	}
	return "Could not fetch an answer: " + err.Error()
}

func sourceList(sources []string) string {
	if len(sources) == 0 {
		return models.SourceNone
	}
	return strings.Join(sources, ", ")
}
