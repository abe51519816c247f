package api

import (
	"time"
)

// EventType identifies the kind of an Event.
type EventType string

const (
	EventStageStarted   EventType = "stage.started"
	EventStageProgress  EventType = "stage.progress"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
)

// Terminal reports whether t ends a run's event sequence.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed
}

// Event is a single item of a run's event stream.
//
// Seq is assigned by the stream multiplexer and strictly increases within a
// run. Events of one stage are ordered: started, progress..., then completed
// or failed. Events of concurrent group members may interleave.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Graph     string    `json:"graph"`
	Step      int       `json:"step"`

	Stage string `json:"stage,omitempty"`
	Group string `json:"group,omitempty"`

	// Token is set on EventStageProgress.
	Token string `json:"token,omitempty"`

	Status   StageStatus `json:"status,omitempty"`
	Attempts int         `json:"attempts,omitempty"`
	CacheHit bool        `json:"cache_hit,omitempty"`

	// Err is set on failure events. Error carries its message for
	// serialized consumers.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	// State is the final state snapshot on EventRunCompleted.
	State map[string]any `json:"state,omitempty"`
}

// Sink receives events. Emit must not block for long: it is called from the
// goroutine that drives the run.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// ChannelSink sends events to a channel. The channel should be buffered or
// drained promptly.
type ChannelSink chan<- Event

func (c ChannelSink) Emit(ev Event) { c <- ev }

// Emitter is what stages and groups report events through. The engine binds
// run identity, step and sequence numbers.
type Emitter interface {
	Emit(ev Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}
