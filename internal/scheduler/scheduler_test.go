package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askloop/promptfeed/internal/aiquery"
	"askloop/promptfeed/internal/feed"
	"askloop/promptfeed/internal/models"
	"askloop/promptfeed/internal/scheduler"
	"askloop/promptfeed/internal/store"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type memBlobs struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemBlobs() *memBlobs { return &memBlobs{data: make(map[string]string)} }

func (m *memBlobs) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memBlobs) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// fakeQuerier records questions and answers from a script; unscripted
// questions get a default answer.
type fakeQuerier struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]aiquery.Answer
	errs    map[string]error
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		answers: make(map[string]aiquery.Answer),
		errs:    make(map[string]error),
	}
}

func (f *fakeQuerier) Query(_ context.Context, question string) (aiquery.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, question)
	if err, ok := f.errs[question]; ok {
		return aiquery.Answer{}, err
	}
	if a, ok := f.answers[question]; ok {
		return a, nil
	}
	return aiquery.Answer{Text: "default answer"}, nil
}

func (f *fakeQuerier) callCount(question string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.calls {
		if q == question {
			n++
		}
	}
	return n
}

func (f *fakeQuerier) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ── harness ───────────────────────────────────────────────────────────────────

type harness struct {
	repo    *feed.Repository
	querier *fakeQuerier
	blobs   *memBlobs
	clock   *fakeClock
	engine  *scheduler.Engine
}

func newHarness(t *testing.T, startAt time.Time) *harness {
	t.Helper()
	blobs := newMemBlobs()
	repo := feed.NewRepository(blobs)
	require.NoError(t, repo.Load(context.Background()))
	querier := newFakeQuerier()
	clock := &fakeClock{now: startAt}
	engine := scheduler.NewEngine(repo, querier, blobs, scheduler.Config{
		ExecDelay: time.Nanosecond, // no throttling in tests
		Clock:     clock.Now,
	})
	return &harness{repo: repo, querier: querier, blobs: blobs, clock: clock, engine: engine}
}

func (h *harness) addScheduled(t *testing.T, question string, hour, minute int, recurring bool) models.Prompt {
	t.Helper()
	p, err := h.engine.AddScheduled(question, models.CategoryNews, models.Schedule{
		Hour: hour, Minute: minute, Recurring: recurring,
	})
	require.NoError(t, err)
	return p
}

func localDate(hour, minute, second int) time.Time {
	return time.Date(2025, 6, 3, hour, minute, second, 0, time.Local)
}

// ── due-check behavior ────────────────────────────────────────────────────────

func TestTimeGating(t *testing.T) {
	h := newHarness(t, localDate(13, 59, 0))
	h.addScheduled(t, "afternoon news", 14, 0, true)

	h.engine.CheckDue(context.Background())
	assert.Equal(t, 0, h.querier.totalCalls(), "13:59 is before the scheduled moment")

	h.clock.Set(localDate(14, 0, 0))
	h.engine.CheckDue(context.Background())
	assert.Equal(t, 1, h.querier.totalCalls(), "due exactly at 14:00")
}

func TestAtMostOncePerDay(t *testing.T) {
	h := newHarness(t, localDate(7, 0, 5))
	h.addScheduled(t, "morning brief", 7, 0, true)

	for i := 0; i < 5; i++ {
		h.engine.CheckDue(context.Background())
		h.clock.Advance(time.Minute)
	}
	assert.Equal(t, 1, h.querier.callCount("morning brief"), "same day fires once")

	// Next day it fires again.
	h.clock.Set(localDate(7, 0, 5).AddDate(0, 0, 1))
	h.engine.CheckDue(context.Background())
	assert.Equal(t, 2, h.querier.callCount("morning brief"))
}

func TestNonRecurringIsTerminal(t *testing.T) {
	h := newHarness(t, localDate(9, 35, 0))
	p := h.addScheduled(t, "one shot", 9, 30, false)

	// Adding a prompt scheduled in the past does not fire synchronously.
	assert.Equal(t, 0, h.querier.totalCalls())

	h.engine.CheckDue(context.Background())
	assert.Equal(t, 1, h.querier.totalCalls(), "next tick fires it once")

	for day := 0; day < 3; day++ {
		h.clock.Advance(24 * time.Hour)
		h.engine.CheckDue(context.Background())
	}
	assert.Equal(t, 1, h.querier.totalCalls(), "dormant forever after firing")

	got, ok := h.repo.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Schedule.LastRun)
}

func TestOptimisticStampAndCompletionRestamp(t *testing.T) {
	h := newHarness(t, localDate(7, 0, 5))
	p := h.addScheduled(t, "stamps", 7, 0, true)
	h.querier.answers["stamps"] = aiquery.Answer{
		Text:    "here you go",
		Sources: []string{"https://example.com/x", "https://example.com/y"},
	}

	// The querier observes the optimistic stamp: by the time the AI call
	// runs, LastRun is already the attempt start and the prompt is running.
	var observed models.Prompt
	done := localDate(7, 0, 8)
	advance := &advancingQuerier{inner: h.querier, clock: h.clock, to: done,
		observe: func() { observed, _ = h.repo.Get(p.ID) }}
	h.engine = scheduler.NewEngine(h.repo, advance, h.blobs, scheduler.Config{
		ExecDelay: time.Nanosecond,
		Clock:     h.clock.Now,
	})

	h.engine.CheckDue(context.Background())

	require.NotNil(t, observed.Schedule)
	require.NotNil(t, observed.Schedule.LastRun, "LastRun stamped before the AI call resolves")
	assert.True(t, observed.Schedule.LastRun.Equal(localDate(7, 0, 5)))
	assert.Equal(t, models.StatusRunning, observed.Status)
	assert.Equal(t, models.ResponsePending, observed.Response)
	assert.Equal(t, models.SourcePending, observed.Source)

	got, ok := h.repo.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "here you go", got.Response)
	assert.Equal(t, "https://example.com/x, https://example.com/y", got.Source)
	assert.True(t, got.Schedule.LastRun.Equal(done), "LastRun re-stamped with completion time")
	assert.True(t, got.UpdatedAt.Equal(done))

	// A second check a minute later finds the prompt ineligible.
	h.clock.Set(localDate(7, 1, 0))
	h.engine.CheckDue(context.Background())
	assert.Equal(t, 1, h.querier.callCount("stamps"))
}

// advancingQuerier moves the fake clock before answering, simulating a slow
// AI call, and lets the test observe repository state mid-flight.
type advancingQuerier struct {
	inner   *fakeQuerier
	clock   *fakeClock
	to      time.Time
	observe func()
}

func (a *advancingQuerier) Query(ctx context.Context, question string) (aiquery.Answer, error) {
	if a.observe != nil {
		a.observe()
	}
	a.clock.Set(a.to)
	return a.inner.Query(ctx, question)
}

func TestFailureConsumesPeriodAndIsVisible(t *testing.T) {
	h := newHarness(t, localDate(7, 0, 30))
	p := h.addScheduled(t, "doomed", 7, 0, true)
	h.querier.errs["doomed"] = &aiquery.QueryError{Kind: aiquery.KindServer, StatusCode: 502, Message: "bad gateway"}

	h.engine.CheckDue(context.Background())

	got, ok := h.repo.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.SourceError, got.Source)
	assert.NotEmpty(t, got.Response, "failures are visible, never silent")
	require.NotNil(t, got.Schedule.LastRun, "a failed attempt still consumes the period")

	// No intra-period retry.
	h.clock.Advance(5 * time.Minute)
	h.engine.CheckDue(context.Background())
	assert.Equal(t, 1, h.querier.callCount("doomed"))

	// The next day retries naturally.
	h.clock.Advance(24 * time.Hour)
	h.engine.CheckDue(context.Background())
	assert.Equal(t, 2, h.querier.callCount("doomed"))
}

func TestOneFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, localDate(8, 0, 30))
	h.addScheduled(t, "fails", 8, 0, true)
	h.addScheduled(t, "succeeds", 8, 0, true)
	h.querier.errs["fails"] = &aiquery.QueryError{Kind: aiquery.KindTimeout, Message: "too slow"}

	h.engine.CheckDue(context.Background())

	assert.Equal(t, 1, h.querier.callCount("fails"))
	assert.Equal(t, 1, h.querier.callCount("succeeds"))
}

// ── recovery ──────────────────────────────────────────────────────────────────

func TestRecoveryFiresMissedPrompt(t *testing.T) {
	// App was closed at 07:00; it is now 09:00 with no checkpoint recorded.
	h := newHarness(t, localDate(9, 0, 0))
	h.addScheduled(t, "missed brief", 7, 0, true)

	h.engine.Recover(context.Background())
	assert.Equal(t, 1, h.querier.callCount("missed brief"))
}

func TestRecoveryIsIdempotent(t *testing.T) {
	h := newHarness(t, localDate(9, 0, 0))
	h.addScheduled(t, "once only", 7, 0, true)

	h.engine.Recover(context.Background())
	h.engine.Recover(context.Background())
	assert.Equal(t, 1, h.querier.callCount("once only"),
		"second pass finds LastRun already stamped today")
}

func TestRecoveryRespectsGrace(t *testing.T) {
	// The moment elapsed 5s ago, inside the 10s startup grace: the recovery
	// pass must leave it for the regular tick.
	h := newHarness(t, localDate(7, 0, 5))
	h.addScheduled(t, "just now", 7, 0, true)

	h.engine.Recover(context.Background())
	assert.Equal(t, 0, h.querier.totalCalls())

	// The regular tick has no grace.
	h.engine.CheckDue(context.Background())
	assert.Equal(t, 1, h.querier.totalCalls())
}

func TestRecoverySkipsAlreadyCheckedWindow(t *testing.T) {
	h := newHarness(t, localDate(9, 0, 0))
	h.addScheduled(t, "already covered", 7, 0, true)

	// A check ran at 08:00, after the 07:00 occurrence. If that check did not
	// fire the prompt, recovery trusts it and does not re-fire.
	require.NoError(t, h.blobs.Set(context.Background(),
		store.KeyLastScheduleCheck, localDate(8, 0, 0).UTC().Format(time.RFC3339)))

	h.engine.Recover(context.Background())
	assert.Equal(t, 0, h.querier.totalCalls())
}

func TestPassRecordsCheckpoint(t *testing.T) {
	h := newHarness(t, localDate(10, 0, 0))
	h.engine.CheckDue(context.Background())

	raw, ok, err := h.blobs.Get(context.Background(), store.KeyLastScheduleCheck)
	require.NoError(t, err)
	require.True(t, ok)
	ts, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	assert.True(t, ts.Equal(localDate(10, 0, 0)))
}

// ── one-shot and scheduled creation ───────────────────────────────────────────

func TestAskExecutesSynchronously(t *testing.T) {
	h := newHarness(t, localDate(12, 0, 0))
	h.querier.answers["quick question"] = aiquery.Answer{Text: "quick answer", Sources: []string{"https://example.com"}}

	p, err := h.engine.Ask(context.Background(), "quick question", models.CategoryTech)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, "quick answer", p.Response)
	assert.Equal(t, "https://example.com", p.Source)
	assert.False(t, p.Scheduled())
	assert.NotEmpty(t, p.Response, "one-shot prompts always hold a response after creation")
}

func TestAskRecordsFailureOnPrompt(t *testing.T) {
	h := newHarness(t, localDate(12, 0, 0))
	h.querier.errs["broken"] = &aiquery.QueryError{Kind: aiquery.KindAuth, StatusCode: 401, Message: "no"}

	p, err := h.engine.Ask(context.Background(), "broken", models.CategoryOther)
	require.NoError(t, err, "query failures are recorded, not raised")
	assert.Equal(t, models.StatusFailed, p.Status)
	assert.Equal(t, models.SourceError, p.Source)
	assert.Contains(t, p.Response, "credentials")
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	h := newHarness(t, localDate(12, 0, 0))
	_, err := h.engine.Ask(context.Background(), "  ", models.CategoryOther)
	assert.ErrorIs(t, err, models.ErrEmptyQuestion)
	assert.Equal(t, 0, h.querier.totalCalls(), "no prompt is created, no query runs")
}

func TestAddScheduledNeverFiresSynchronously(t *testing.T) {
	h := newHarness(t, localDate(9, 35, 0))
	p := h.addScheduled(t, "later", 9, 30, false)

	assert.Equal(t, 0, h.querier.totalCalls())
	got, ok := h.repo.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, "", got.Response, "scheduled prompts stay empty until first execution")
	assert.Equal(t, models.StatusIdle, got.Status)
}

func TestRefreshCoalesces(t *testing.T) {
	h := newHarness(t, localDate(9, 0, 0))
	// Multiple refresh requests before the loop drains them must not panic
	// or block.
	for i := 0; i < 10; i++ {
		h.engine.Refresh()
	}
}

func TestRunDrainsRefresh(t *testing.T) {
	// Inside the startup grace, so the recovery pass on Run leaves the prompt
	// alone and only the refresh-triggered pass can fire it.
	h := newHarness(t, localDate(7, 0, 5))
	h.addScheduled(t, "refresh me", 7, 0, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()

	h.engine.Refresh()
	require.Eventually(t, func() bool {
		return h.querier.callCount("refresh me") == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
