package api

import (
	"time"

	"github.com/petrijr/stageflow/pkg/state"
)

// StageStatus is the normalized outcome of a stage execution.
type StageStatus string

const (
	StatusOK           StageStatus = "ok"
	StatusTimeout      StageStatus = "timeout"
	StatusFailed       StageStatus = "failed"
	StatusCancelled    StageStatus = "cancelled"
	StatusNotCompleted StageStatus = "not_completed"
)

// StageResult is what the task runner returns for one stage.
type StageResult struct {
	Stage  string
	Status StageStatus

	// Update is set when Status is StatusOK.
	Update state.Partial

	// Err is the last error for every status other than StatusOK.
	Err error

	Attempts int
	CacheHit bool

	StartedAt time.Time
	EndedAt   time.Time
}

// OK reports whether the stage produced an update.
func (r StageResult) OK() bool { return r.Status == StatusOK }

// Duration is the wall time spent on the stage, including retries.
func (r StageResult) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// GroupResult holds one StageResult per member, in declaration order.
type GroupResult struct {
	Group   string
	Members []StageResult

	// TimedOut is set when the group deadline elapsed before every member
	// finished.
	TimedOut bool

	// Cancelled is set when the run was cancelled while the group was
	// running. Member results must then be discarded.
	Cancelled bool
}

// Result returns the result of the named member.
func (g GroupResult) Result(stage string) (StageResult, bool) {
	for _, r := range g.Members {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageResult{}, false
}

// AuditEntry records one stage execution of a run.
type AuditEntry struct {
	Step      int         `json:"step"`
	Stage     string      `json:"stage"`
	Group     string      `json:"group,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	Outcome   StageStatus `json:"outcome"`
	Attempts  int         `json:"attempts"`
	CacheHit  bool        `json:"cache_hit,omitempty"`
	// Recovered is set when a failure was tolerated and the run continued.
	Recovered bool   `json:"recovered,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewAuditEntry builds an audit record from a stage result.
func NewAuditEntry(step int, group string, r StageResult) AuditEntry {
	e := AuditEntry{
		Step:      step,
		Stage:     r.Stage,
		Group:     group,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Outcome:   r.Status,
		Attempts:  r.Attempts,
		CacheHit:  r.CacheHit,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	return e
}
