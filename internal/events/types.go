package events

import (
	"time"

	"github.com/stepforge/stepforge/internal/registry"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	EventKey() registry.Key
}

// Topic partitions the event stream by concern.
type Topic string

const (
	TopicTask Topic = "task"
	TopicRun  Topic = "run"
)

// Event type constants
const (
	EventTypeTaskStarted  = "task.started"
	EventTypeTaskBuilt    = "task.built"
	EventTypeTaskReused   = "task.reused"
	EventTypeTaskCacheHit = "task.cachehit"
	EventTypeTaskFailed   = "task.failed"
	EventTypeRunFinished  = "run.finished"
)

// TaskStartedEvent is published when a task body begins execution.
type TaskStartedEvent struct {
	Key       registry.Key
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string      { return EventTypeTaskStarted }
func (e TaskStartedEvent) EventKey() registry.Key { return e.Key }

// TaskBuiltEvent is published when a task body completes successfully.
type TaskBuiltEvent struct {
	Key       registry.Key
	Changed   bool // value differs from the previous run
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskBuiltEvent) EventType() string      { return EventTypeTaskBuilt }
func (e TaskBuiltEvent) EventKey() registry.Key { return e.Key }

// TaskReusedEvent is published when a loaded result passes its validity
// check and is promoted without executing the body.
type TaskReusedEvent struct {
	Key       registry.Key
	Timestamp time.Time
}

func (e TaskReusedEvent) EventType() string      { return EventTypeTaskReused }
func (e TaskReusedEvent) EventKey() registry.Key { return e.Key }

// TaskCacheHitEvent is published when the shared cache satisfies a task
// without running its body.
type TaskCacheHitEvent struct {
	Key       registry.Key
	Timestamp time.Time
}

func (e TaskCacheHitEvent) EventType() string      { return EventTypeTaskCacheHit }
func (e TaskCacheHitEvent) EventKey() registry.Key { return e.Key }

// TaskFailedEvent is published when a task body fails.
type TaskFailedEvent struct {
	Key       registry.Key
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string      { return EventTypeTaskFailed }
func (e TaskFailedEvent) EventKey() registry.Key { return e.Key }

// RunFinishedEvent is published once when a run settles.
type RunFinishedEvent struct {
	Built     int
	Reused    int
	CacheHits int
	Failed    int
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string      { return EventTypeRunFinished }
func (e RunFinishedEvent) EventKey() registry.Key { return registry.Key{} }
