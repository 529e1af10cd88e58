package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowkit/types"
	"github.com/BaSui01/flowkit/workflow"
)

type recordingNotifier struct {
	mu       sync.Mutex
	channels []string
	requests []*HumanRequest
}

func (n *recordingNotifier) Notify(_ context.Context, channel string, req *HumanRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, channel)
	n.requests = append(n.requests, req)
	return nil
}

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.channels))
	copy(out, n.channels)
	return out
}

func (n *recordingNotifier) lastRequest() *HumanRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.requests) == 0 {
		return nil
	}
	return n.requests[len(n.requests)-1]
}

type humanFixture struct {
	executor *humanExecutor
	broker   *ResponseBroker
	notifier *recordingNotifier
	clock    *FakeClock
	recorder *Recorder
}

func newHumanFixture() *humanFixture {
	clock := NewFakeClock(time.Now())
	broker := NewResponseBroker()
	notifier := &recordingNotifier{}
	recorder := NewRecorder(nil, 64, clock, nil)
	return &humanFixture{
		executor: &humanExecutor{
			broker:   broker,
			notifier: notifier,
			clock:    clock,
			events:   recorder,
			logger:   zap.NewNop(),
		},
		broker:   broker,
		notifier: notifier,
		clock:    clock,
		recorder: recorder,
	}
}

func humanNode(cfg workflow.HumanInputConfig) workflow.Node {
	return workflow.Node{
		ID:     "approve",
		Type:   workflow.NodeTypeHumanInLoop,
		Config: workflow.NodeConfig{HumanConfig: &cfg},
	}
}

type humanOutcome struct {
	result Result
	err    error
}

func startHuman(f *humanFixture, node workflow.Node, run *Run) <-chan humanOutcome {
	done := make(chan humanOutcome, 1)
	go func() {
		result, err := f.executor.Execute(context.Background(), &node, run)
		done <- humanOutcome{result, err}
	}()
	return done
}

func waitForRequest(t *testing.T, f *humanFixture) string {
	t.Helper()
	var requestID string
	require.Eventually(t, func() bool {
		pending := f.broker.Pending()
		if len(pending) != 1 {
			return false
		}
		requestID = pending[0]
		return true
	}, time.Second, time.Millisecond)
	return requestID
}

func TestHumanInputResponseCompletes(t *testing.T) {
	f := newHumanFixture()
	defer f.recorder.Close()
	node := humanNode(workflow.HumanInputConfig{
		NotificationChannels: []string{"slack"},
		TimeoutMs:            60000,
	})
	run := testRun(testWorkflow(node), nil)

	done := startHuman(f, node, run)
	requestID := waitForRequest(t, f)

	require.NoError(t, f.broker.Respond(requestID, map[string]any{"approved": true}))
	outcome := <-done
	require.NoError(t, outcome.err)
	require.True(t, outcome.result.Success())
	assert.Equal(t, requestID, outcome.result["request_id"])
	assert.Equal(t, map[string]any{"approved": true}, outcome.result["response"])
	assert.Equal(t, []string{"slack"}, f.notifier.notified())
}

func TestHumanInputTimeout(t *testing.T) {
	f := newHumanFixture()
	defer f.recorder.Close()
	node := humanNode(workflow.HumanInputConfig{TimeoutMs: 30000})
	run := testRun(testWorkflow(node), nil)

	done := startHuman(f, node, run)
	waitForRequest(t, f)

	require.Eventually(t, func() bool { return f.clock.Waiters() == 1 },
		time.Second, time.Millisecond)
	f.clock.Advance(30 * time.Second)

	outcome := <-done
	require.NoError(t, outcome.err)
	assert.False(t, outcome.result.Success())
	assert.Contains(t, outcome.result.ErrorMessage(), "timed out")
}

func TestHumanInputEscalatesOnceThenAnswered(t *testing.T) {
	f := newHumanFixture()
	defer f.recorder.Close()
	node := humanNode(workflow.HumanInputConfig{
		NotificationChannels: []string{"slack"},
		EscalationAfterMs:    10000,
		EscalationTo:         []string{"oncall"},
		TimeoutMs:            60000,
	})
	run := testRun(testWorkflow(node), nil)

	done := startHuman(f, node, run)
	requestID := waitForRequest(t, f)

	// Both the escalation and timeout timers are armed.
	require.Eventually(t, func() bool { return f.clock.Waiters() == 2 },
		time.Second, time.Millisecond)
	f.clock.Advance(10 * time.Second)

	require.Eventually(t, func() bool {
		return len(f.notifier.notified()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"slack", "oncall"}, f.notifier.notified())

	require.NoError(t, f.broker.Respond(requestID, map[string]any{"approved": false}))
	outcome := <-done
	require.NoError(t, outcome.err)
	assert.True(t, outcome.result.Success())
}

func TestHumanInputCancelled(t *testing.T) {
	f := newHumanFixture()
	defer f.recorder.Close()
	node := humanNode(workflow.HumanInputConfig{TimeoutMs: 60000})
	run := testRun(testWorkflow(node), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan humanOutcome, 1)
	go func() {
		result, err := f.executor.Execute(ctx, &node, run)
		done <- humanOutcome{result, err}
	}()
	waitForRequest(t, f)

	cancel()
	outcome := <-done
	assert.ErrorIs(t, outcome.err, context.Canceled)
}

func TestRespondUnknownRequest(t *testing.T) {
	broker := NewResponseBroker()
	err := broker.Respond("ghost", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, types.ErrRequestNotFound, types.GetErrorCode(err))
}

func TestRespondTwiceFails(t *testing.T) {
	f := newHumanFixture()
	defer f.recorder.Close()
	node := humanNode(workflow.HumanInputConfig{TimeoutMs: 60000})
	run := testRun(testWorkflow(node), nil)

	done := startHuman(f, node, run)
	requestID := waitForRequest(t, f)

	require.NoError(t, f.broker.Respond(requestID, map[string]any{}))
	assert.Error(t, f.broker.Respond(requestID, map[string]any{}))
	<-done
}
