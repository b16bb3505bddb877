// Package runs defines the run lifecycle model and its persistence contract.
package runs

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/5TFG4/Weaver-sub000/errs"
)

// Mode selects how a run sources data and executes orders.
type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

// Valid reports whether the mode is one of live, paper, backtest.
func (m Mode) Valid() bool {
	switch m {
	case ModeLive, ModePaper, ModeBacktest:
		return true
	}
	return false
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next.
// pending→running|stopped; running→stopped|completed|failed. Everything else
// is illegal. A pending run may be stopped before it ever starts.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusStopped
	case StatusRunning:
		return next == StatusStopped || next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Run is one strategy execution, identified by a UUID.
type Run struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategyId"`
	Mode       Mode            `json:"mode"`
	Symbols    []string        `json:"symbols"`
	Timeframe  string          `json:"timeframe"`
	Config     json.RawMessage `json:"config,omitempty"`
	Start      *time.Time      `json:"start,omitempty"`
	End        *time.Time      `json:"end,omitempty"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	StoppedAt  *time.Time      `json:"stoppedAt,omitempty"`
}

// Clone returns a deep copy safe for concurrent readers.
func (r Run) Clone() Run {
	out := r
	out.Symbols = append([]string(nil), r.Symbols...)
	if r.Config != nil {
		out.Config = append(json.RawMessage(nil), r.Config...)
	}
	if r.Start != nil {
		t := *r.Start
		out.Start = &t
	}
	if r.End != nil {
		t := *r.End
		out.End = &t
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.StoppedAt != nil {
		t := *r.StoppedAt
		out.StoppedAt = &t
	}
	return out
}

// StatusUpdate carries one lifecycle transition to the store.
type StatusUpdate struct {
	Status    Status
	StartedAt *time.Time
	StoppedAt *time.Time
}

// Store persists run state so a restarting process can recover.
type Store interface {
	Create(ctx context.Context, run Run) error
	Get(ctx context.Context, id string) (Run, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	List(ctx context.Context) ([]Run, error)
	ListByStatus(ctx context.Context, status Status) ([]Run, error)
}

// ErrNotFound builds the canonical missing-run error.
func ErrNotFound(id string) error {
	return errs.New("runs/store", errs.CodeNotFound, errs.WithMessage("run "+id))
}
