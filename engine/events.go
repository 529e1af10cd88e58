package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a run lifecycle event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventRunCancelled   EventType = "run_cancelled"
	EventNodeStarted    EventType = "node_started"
	EventNodeCompleted  EventType = "node_completed"
	EventNodeFailed     EventType = "node_failed"
	EventNodeRetrying   EventType = "node_retrying"
	EventCheckpoint     EventType = "checkpoint_saved"
	EventHumanRequested EventType = "human_input_requested"
	EventHumanReceived  EventType = "human_input_received"
	EventHumanEscalated EventType = "human_input_escalated"
)

// Event is one run activity record.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Sink consumes events. Write is called from a single recorder goroutine.
type Sink interface {
	Write(ev Event)
}

// LogSink writes events to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Write(ev Event) {
	s.Logger.Info("workflow event",
		zap.String("type", string(ev.Type)),
		zap.String("execution_id", ev.ExecutionID),
		zap.String("node_id", ev.NodeID),
		zap.String("message", ev.Message),
	)
}

// Recorder fans run events out to a sink without ever blocking the
// execution path. Events are queued on a bounded channel; when the queue
// is full the event is dropped and counted.
type Recorder struct {
	ch      chan Event
	sink    Sink
	clock   Clock
	onDrop  func()
	dropped atomic.Int64
	closed  chan struct{}
	once    sync.Once
}

// NewRecorder starts the recorder goroutine. A nil sink discards events;
// onDrop, when set, is called once per dropped event.
func NewRecorder(sink Sink, buffer int, clock Clock, onDrop func()) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		ch:     make(chan Event, buffer),
		sink:   sink,
		clock:  clock,
		onDrop: onDrop,
		closed: make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.closed)
	for ev := range r.ch {
		if r.sink != nil {
			r.sink.Write(ev)
		}
	}
}

// Emit enqueues an event, dropping it when the queue is full.
func (r *Recorder) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.clock.Now()
	}
	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

// Dropped returns how many events were discarded due to a full queue.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the recorder after draining queued events.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.ch)
	})
	<-r.closed
}
