package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyQuestion is returned when a prompt is created with blank question text.
var ErrEmptyQuestion = errors.New("question text must not be empty")

// Category classifies a prompt in the feed.
type Category string

const (
	CategoryNews     Category = "news"
	CategoryTech     Category = "tech"
	CategoryScience  Category = "science"
	CategoryBusiness Category = "business"
	CategoryPersonal Category = "personal"
	CategoryOther    Category = "other"
)

// Normalize maps empty or unknown categories to CategoryOther. Persisted data
// may predate the category field, so this runs on every load.
func (c Category) Normalize() Category {
	switch c {
	case CategoryNews, CategoryTech, CategoryScience, CategoryBusiness, CategoryPersonal, CategoryOther:
		return c
	}
	return CategoryOther
}

// Status is the execution state of a prompt.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Source sentinels used when no real source list is available.
const (
	SourceNone    = "none"
	SourceError   = "error"
	SourcePending = "pending"
)

// ResponsePending is stored while an execution is in flight.
const ResponsePending = "Fetching your answer..."

// Schedule describes when a prompt fires: a local time of day, either daily
// (recurring) or exactly once.
type Schedule struct {
	Hour      int        `json:"hour"`
	Minute    int        `json:"minute"`
	Recurring bool       `json:"recurring"`
	LastRun   *time.Time `json:"last_run,omitempty"`
}

// Validate checks the time-of-day bounds.
func (s Schedule) Validate() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("schedule hour %d out of range [0,23]", s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("schedule minute %d out of range [0,59]", s.Minute)
	}
	return nil
}

// OccurrenceOn returns the scheduled moment on the same calendar day as t,
// in t's location.
func (s *Schedule) OccurrenceOn(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, t.Location())
}

// RanOn reports whether LastRun falls on the same calendar day as t. The
// comparison is by local date, not elapsed hours, so a prompt that fired at
// 23:50 is eligible again at 00:01.
func (s *Schedule) RanOn(t time.Time) bool {
	if s.LastRun == nil {
		return false
	}
	lr := s.LastRun.In(t.Location())
	return lr.Year() == t.Year() && lr.YearDay() == t.YearDay()
}

// Dormant reports whether a non-recurring schedule has already fired. A
// dormant schedule never fires again, regardless of date.
func (s *Schedule) Dormant() bool {
	return !s.Recurring && s.LastRun != nil
}

// Prompt is a user question paired with its (eventual) AI-generated answer
// and optional recurrence schedule.
type Prompt struct {
	ID        uuid.UUID `json:"id"`
	Question  string    `json:"question"`
	Response  string    `json:"response"`
	Source    string    `json:"source"`
	Category  Category  `json:"category"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Schedule  *Schedule `json:"schedule,omitempty"`
}

// New creates a one-shot prompt. The caller is expected to execute it
// immediately; until then Status is idle.
func New(question string, category Category) (Prompt, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Prompt{}, ErrEmptyQuestion
	}
	return Prompt{
		ID:        uuid.New(),
		Question:  question,
		Source:    SourceNone,
		Category:  category.Normalize(),
		Status:    StatusIdle,
		UpdatedAt: time.Now(),
	}, nil
}

// NewScheduled creates a prompt that fires at the schedule's time of day.
// Its response stays empty until the first execution.
func NewScheduled(question string, category Category, schedule Schedule) (Prompt, error) {
	if err := schedule.Validate(); err != nil {
		return Prompt{}, err
	}
	p, err := New(question, category)
	if err != nil {
		return Prompt{}, err
	}
	p.Schedule = &schedule
	return p, nil
}

// Scheduled reports whether the prompt has a schedule attached.
func (p *Prompt) Scheduled() bool {
	return p.Schedule != nil
}

// Clone returns a copy that shares no pointers with the receiver, so callers
// can hand prompts across goroutine boundaries safely.
func (p Prompt) Clone() Prompt {
	if p.Schedule != nil {
		s := *p.Schedule
		if s.LastRun != nil {
			lr := *s.LastRun
			s.LastRun = &lr
		}
		p.Schedule = &s
	}
	return p
}
