package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowkit/types"
	"github.com/BaSui01/flowkit/workflow"
)

// HumanRequest describes a pending human input request.
type HumanRequest struct {
	RequestID   string         `json:"request_id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	UITemplate  string         `json:"ui_template,omitempty"`
	Options     []string       `json:"options,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Notifier delivers human input requests to a channel (email, chat, ...).
type Notifier interface {
	Notify(ctx context.Context, channel string, req *HumanRequest) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, *HumanRequest) error { return nil }

// ResponseBroker routes human responses to the node executions waiting
// for them. Each pending request owns a buffered channel so Respond never
// blocks the caller.
type ResponseBroker struct {
	mu      sync.Mutex
	pending map[string]chan map[string]any
}

// NewResponseBroker creates an empty broker.
func NewResponseBroker() *ResponseBroker {
	return &ResponseBroker{pending: make(map[string]chan map[string]any)}
}

func (b *ResponseBroker) register(requestID string) <-chan map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan map[string]any, 1)
	b.pending[requestID] = ch
	return ch
}

func (b *ResponseBroker) remove(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
}

// Respond delivers a human response to the waiting node. Unknown or
// already answered request ids are an error.
func (b *ResponseBroker) Respond(requestID string, payload map[string]any) error {
	b.mu.Lock()
	ch, found := b.pending[requestID]
	if found {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !found {
		return types.NewError(types.ErrRequestNotFound,
			fmt.Sprintf("no pending human request: %s", requestID))
	}
	ch <- payload
	return nil
}

// Pending returns the ids of requests still awaiting a response.
func (b *ResponseBroker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, id)
	}
	return out
}

// humanExecutor parks a run until a human responds through the broker,
// escalating once after the configured delay and failing on timeout. All
// waits go through the injected clock.
type humanExecutor struct {
	broker   *ResponseBroker
	notifier Notifier
	clock    Clock
	events   *Recorder
	logger   *zap.Logger
}

func (e *humanExecutor) Execute(ctx context.Context, node *workflow.Node, run *Run) (Result, error) {
	cfg := node.Config.HumanConfig
	if cfg == nil {
		return fail("human node has no human config"), nil
	}

	req := &HumanRequest{
		RequestID:   uuid.New().String(),
		ExecutionID: run.ExecutionID,
		NodeID:      node.ID,
		UITemplate:  cfg.UITemplate,
		Options:     cfg.ApprovalOptions,
		Context:     run.Context(),
		CreatedAt:   e.clock.Now(),
	}
	responseCh := e.broker.register(req.RequestID)
	defer e.broker.remove(req.RequestID)

	e.notify(ctx, cfg.NotificationChannels, req)
	e.events.Emit(Event{
		Type:        EventHumanRequested,
		ExecutionID: run.ExecutionID,
		NodeID:      node.ID,
		Data:        map[string]any{"request_id": req.RequestID},
	})

	var escalation <-chan time.Time
	if cfg.EscalationAfterMs > 0 && len(cfg.EscalationTo) > 0 {
		escalation = e.clock.After(time.Duration(cfg.EscalationAfterMs) * time.Millisecond)
	}
	var timeout <-chan time.Time
	if cfg.TimeoutMs > 0 {
		timeout = e.clock.After(time.Duration(cfg.TimeoutMs) * time.Millisecond)
	}

	for {
		select {
		case payload := <-responseCh:
			e.events.Emit(Event{
				Type:        EventHumanReceived,
				ExecutionID: run.ExecutionID,
				NodeID:      node.ID,
				Data:        map[string]any{"request_id": req.RequestID},
			})
			return ok(
				"request_id", req.RequestID,
				"response", payload,
			), nil

		case <-escalation:
			// Escalate once, then keep waiting for the original timeout.
			escalation = nil
			e.notify(ctx, cfg.EscalationTo, req)
			e.events.Emit(Event{
				Type:        EventHumanEscalated,
				ExecutionID: run.ExecutionID,
				NodeID:      node.ID,
				Data:        map[string]any{"request_id": req.RequestID},
			})

		case <-timeout:
			result := fail("human input timed out")
			result["request_id"] = req.RequestID
			return result, nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *humanExecutor) notify(ctx context.Context, channels []string, req *HumanRequest) {
	for _, channel := range channels {
		if err := e.notifier.Notify(ctx, channel, req); err != nil {
			e.logger.Warn("human input notification failed",
				zap.String("channel", channel),
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		}
	}
}
