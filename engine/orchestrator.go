// Package engine executes workflow definitions: it plans the DAG, runs
// typed node executors with retries and checkpoints, and tracks shared
// run state safely across concurrent branches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/flowkit/llm"
	"github.com/BaSui01/flowkit/storage"
	"github.com/BaSui01/flowkit/tools"
	"github.com/BaSui01/flowkit/types"
	"github.com/BaSui01/flowkit/workflow"
)

// Config wires the engine's dependencies explicitly. Zero-value fields get
// working in-process defaults, so tests can construct an engine from a
// mock provider alone.
type Config struct {
	Logger      *zap.Logger
	Provider    llm.Provider
	Tools       tools.Registry
	Agents      []Agent
	Backend     storage.Backend
	Checkpoints storage.CheckpointStore
	History     storage.HistoryStore
	Notifier    Notifier
	EventSink   Sink
	EventBuffer int
	Clock       Clock
	Registerer  prometheus.Registerer
}

// Engine executes workflows. It is safe for concurrent use; each Execute
// call owns an isolated Run.
type Engine struct {
	logger    *zap.Logger
	clock     Clock
	metrics   *Metrics
	events    *Recorder
	broker    *ResponseBroker
	tracer    trace.Tracer
	executors map[workflow.NodeType]NodeExecutor

	checkpoints storage.CheckpointStore
	history     storage.HistoryStore

	mu   sync.RWMutex
	runs map[string]*Run
}

// New builds an engine from the given configuration.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "engine"))

	clock := cfg.Clock
	if clock == nil {
		clock = NewClock()
	}
	registry := cfg.Tools
	if registry == nil {
		registry = tools.NewInMemoryRegistry()
	}
	backend := cfg.Backend
	if backend == nil {
		backend = storage.NewMemoryBackend()
	}
	checkpoints := cfg.Checkpoints
	if checkpoints == nil {
		checkpoints = storage.NewInMemoryCheckpointStore()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	sink := cfg.EventSink
	if sink == nil {
		sink = &LogSink{Logger: logger}
	}

	agents := make(map[string]Agent, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents[a.ID] = a
	}

	metrics := NewMetrics(cfg.Registerer)
	e := &Engine{
		logger:      logger,
		clock:       clock,
		metrics:     metrics,
		events:      NewRecorder(sink, cfg.EventBuffer, clock, metrics.EventsDropped.Inc),
		broker:      NewResponseBroker(),
		tracer:      otel.Tracer("flowkit/engine"),
		checkpoints: checkpoints,
		history:     cfg.History,
		runs:        make(map[string]*Run),
	}

	e.executors = map[workflow.NodeType]NodeExecutor{
		workflow.NodeTypeAgent: &agentExecutor{
			provider:  cfg.Provider,
			tools:     registry,
			agents:    agents,
			tokenizer: llm.NewTokenizer("gpt-4o"),
			logger:    logger.With(zap.String("executor", "agent")),
		},
		workflow.NodeTypeDecision:  &decisionExecutor{},
		workflow.NodeTypeTransform: &transformExecutor{},
		workflow.NodeTypeLoop:      &loopExecutor{runner: e},
		workflow.NodeTypeParallel:  &parallelExecutor{runner: e},
		workflow.NodeTypeHumanInLoop: &humanExecutor{
			broker:   e.broker,
			notifier: notifier,
			clock:    clock,
			events:   e.events,
			logger:   logger.With(zap.String("executor", "human")),
		},
		workflow.NodeTypeStorage:      &storageExecutor{backend: backend},
		workflow.NodeTypeErrorHandler: &errorHandlerExecutor{},
		workflow.NodeTypeAggregator:   &aggregatorExecutor{},
	}
	return e
}

// Close flushes the event recorder.
func (e *Engine) Close() {
	e.events.Close()
}

// Validate runs structural validation on a definition.
func (e *Engine) Validate(wf *workflow.Workflow) workflow.ValidationReport {
	return workflow.Validate(wf)
}

// Respond delivers a human response to the node execution waiting on the
// given request id.
func (e *Engine) Respond(requestID string, payload map[string]any) error {
	return e.broker.Respond(requestID, payload)
}

// PendingRequests lists human input requests awaiting a response.
func (e *Engine) PendingRequests() []string {
	return e.broker.Pending()
}

// Cancel aborts a running execution.
func (e *Engine) Cancel(executionID string) error {
	e.mu.RLock()
	run, found := e.runs[executionID]
	e.mu.RUnlock()
	if !found {
		return types.NewError(types.ErrRunNotFound,
			fmt.Sprintf("no active run: %s", executionID))
	}
	run.mu.Lock()
	cancel := run.cancel
	run.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// ExecutionResult is the outcome of one workflow run.
type ExecutionResult struct {
	ExecutionID  string            `json:"execution_id"`
	WorkflowID   string            `json:"workflow_id"`
	Status       workflow.Status   `json:"status"`
	Output       map[string]any    `json:"output,omitempty"`
	NodeResults  map[string]Result `json:"node_results,omitempty"`
	Errors       []RunError        `json:"errors,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
	DurationMs   int64             `json:"duration_ms"`
	TokensUsed   int               `json:"tokens_used"`
	CostUSD      float64           `json:"cost_usd"`
	APICallsMade int               `json:"api_calls_made"`
	// Plan is only populated by dry runs.
	Plan [][]string `json:"plan,omitempty"`
}

type execOptions struct {
	executionID string
	resume      bool
	overrides   *workflow.Overrides
	dryRun      bool
}

// Option adjusts one Execute call.
type Option func(*execOptions)

// WithExecutionID pins the execution id instead of generating one.
func WithExecutionID(id string) Option {
	return func(o *execOptions) { o.executionID = id }
}

// WithResume restores state from the latest checkpoint of the execution
// id and skips nodes that already completed.
func WithResume() Option {
	return func(o *execOptions) { o.resume = true }
}

// WithOverrides applies per-run definition overrides.
func WithOverrides(ov *workflow.Overrides) Option {
	return func(o *execOptions) { o.overrides = ov }
}

// WithDryRun validates and plans without executing any node.
func WithDryRun() Option {
	return func(o *execOptions) { o.dryRun = true }
}

// Execute runs a workflow to completion. The returned result is populated
// even when the run fails; the error then describes the failure.
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow, input map[string]any, opts ...Option) (*ExecutionResult, error) {
	options := execOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if report := workflow.Validate(wf); !report.Valid {
		return nil, types.NewError(types.ErrInvalidInput,
			fmt.Sprintf("workflow validation failed: %v", report.Errors))
	}
	wf = workflow.ApplyOverrides(wf, options.overrides)
	if options.overrides != nil {
		if report := workflow.Validate(wf); !report.Valid {
			return nil, types.NewError(types.ErrInvalidInput,
				fmt.Sprintf("workflow invalid after overrides: %v", report.Errors))
		}
	}

	input, err := workflow.ValidateInput(wf, input)
	if err != nil {
		return nil, err
	}

	plan, err := BuildPlan(wf)
	if err != nil {
		return nil, err
	}

	executionID := options.executionID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	if options.dryRun {
		return &ExecutionResult{
			ExecutionID: executionID,
			WorkflowID:  wf.ID,
			Status:      workflow.StatusIdle,
			Plan:        plan.Levels,
		}, nil
	}

	run := newRun(executionID, wf, input, e.clock)
	if wf.Settings.RateLimitPerMinute > 0 {
		run.limiter = rate.NewLimiter(rate.Limit(float64(wf.Settings.RateLimitPerMinute)/60.0), 1)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if wf.Settings.MaxExecutionTimeMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(wf.Settings.MaxExecutionTimeMs)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	run.mu.Lock()
	run.cancel = cancel
	run.mu.Unlock()

	e.mu.Lock()
	e.runs[executionID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, executionID)
		e.mu.Unlock()
	}()

	cp := newCheckpointer(e.checkpoints, e.clock, e.events, e.logger)
	if options.resume {
		if _, err := cp.resume(runCtx, run); err != nil {
			return nil, err
		}
	}

	e.metrics.ActiveRuns.Inc()
	defer e.metrics.ActiveRuns.Dec()
	e.events.Emit(Event{
		Type:        EventRunStarted,
		ExecutionID: executionID,
		WorkflowID:  wf.ID,
	})
	e.logger.Info("run started",
		zap.String("execution_id", executionID),
		zap.String("workflow_id", wf.ID),
		zap.String("mode", string(wf.ExecutionMode)))

	runCtx, span := e.tracer.Start(runCtx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", wf.ID),
			attribute.String("execution.id", executionID),
		))
	defer span.End()

	var execErr error
	if wf.ExecutionMode == workflow.ModeParallel {
		execErr = e.executeParallel(runCtx, run, plan, cp)
	} else {
		execErr = e.executeSequential(runCtx, run, plan, cp)
	}

	return e.finish(run, execErr)
}

// executeSequential runs the plan one node at a time in topological order.
func (e *Engine) executeSequential(ctx context.Context, run *Run, plan *Plan, cp *checkpointer) error {
	skipped := newSkipTracker(run.Workflow)
	for _, nodeID := range plan.NodeOrder() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if run.isCompleted(nodeID) {
			continue
		}
		if err := e.executePlanned(ctx, run, nodeID, cp, skipped); err != nil {
			return err
		}
	}
	return nil
}

// executeParallel runs each dependency level concurrently, bounded by
// max_parallel_executions. A level must finish before the next starts.
func (e *Engine) executeParallel(ctx context.Context, run *Run, plan *Plan, cp *checkpointer) error {
	skipped := newSkipTracker(run.Workflow)
	limit := run.Workflow.Settings.MaxParallelExecutions
	for _, level := range plan.Levels {
		g, gctx := errgroup.WithContext(ctx)
		if limit > 0 {
			g.SetLimit(limit)
		}
		for _, nodeID := range level {
			if run.isCompleted(nodeID) {
				continue
			}
			nodeID := nodeID
			g.Go(func() error {
				return e.executePlanned(gctx, run, nodeID, cp, skipped)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// executePlanned runs one planned node: checkpoint, skip check, execution
// with retry, output recording, and failure policy.
func (e *Engine) executePlanned(ctx context.Context, run *Run, nodeID string, cp *checkpointer, skipped *skipTracker) error {
	node := run.Workflow.NodeByID(nodeID)
	if node == nil {
		return types.NewError(types.ErrUnknownNode, fmt.Sprintf("planned node missing: %s", nodeID))
	}

	if skipped.shouldSkip(nodeID, run) {
		skipResult := ok("skipped", true)
		run.RecordOutput(nodeID, skipResult)
		return nil
	}

	settings := run.Workflow.Settings
	if settings.EnableCheckpoints {
		cp.maybeSave(ctx, run, nodeID, settings.CheckpointIntervalMs)
	}

	result, err := e.runNode(ctx, node, run)
	if err != nil {
		return err
	}
	run.RecordOutput(nodeID, result)

	if err := e.checkBudgets(run); err != nil {
		return err
	}

	if !result.Success() {
		msg := fmt.Sprintf("node %s failed: %s", nodeID, result.ErrorMessage())
		run.AddError(nodeID, result.ErrorMessage())
		strategy := node.Config.ErrorHandling
		if settings.ContinueOnError || strategy == workflow.ErrorContinue || strategy == workflow.ErrorRetryThenContinue {
			e.logger.Warn("continuing after node failure",
				zap.String("execution_id", run.ExecutionID),
				zap.String("node_id", nodeID))
			return nil
		}
		return types.NewError(types.ErrNodeFailed, msg).WithNode(nodeID)
	}
	return nil
}

// checkBudgets aborts the run once a workflow-level token, cost, or call
// budget is exhausted.
func (e *Engine) checkBudgets(run *Run) error {
	settings := run.Workflow.Settings
	usage, apiCalls := run.Usage()
	if settings.MaxTotalTokens > 0 && usage.TotalTokens > settings.MaxTotalTokens {
		msg := fmt.Sprintf("token budget exhausted: %d > %d", usage.TotalTokens, settings.MaxTotalTokens)
		run.AddError("", msg)
		return types.NewError(types.ErrNodeFailed, msg)
	}
	if settings.MaxCostUSD > 0 && usage.Cost > settings.MaxCostUSD {
		msg := fmt.Sprintf("cost budget exhausted: %.4f > %.4f USD", usage.Cost, settings.MaxCostUSD)
		run.AddError("", msg)
		return types.NewError(types.ErrNodeFailed, msg)
	}
	if settings.MaxAPICalls > 0 && apiCalls > settings.MaxAPICalls {
		msg := fmt.Sprintf("api call budget exhausted: %d > %d", apiCalls, settings.MaxAPICalls)
		run.AddError("", msg)
		return types.NewError(types.ErrNodeFailed, msg)
	}
	return nil
}

// runNode executes one node with timeout, retry, tracing, and events. It
// does not record the output; callers decide how results land in the run.
func (e *Engine) runNode(ctx context.Context, node *workflow.Node, run *Run) (Result, error) {
	executor, found := e.executors[node.Type]
	if !found {
		return nil, types.NewError(types.ErrNoExecutor,
			fmt.Sprintf("no executor for node type: %s", node.Type)).WithNode(node.ID)
	}

	// Retries are opt-in per node; an unconfigured node gets one attempt.
	retryCfg := workflow.RetryConfig{MaxAttempts: 1, Strategy: workflow.RetryNone}
	if node.Config.Retry != nil {
		retryCfg = *node.Config.Retry
	}

	nodeCtx := ctx
	if node.Config.TimeoutMs > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(node.Config.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	nodeCtx, span := e.tracer.Start(nodeCtx, "workflow.node",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", string(node.Type)),
		))
	defer span.End()

	e.events.Emit(Event{
		Type:        EventNodeStarted,
		ExecutionID: run.ExecutionID,
		NodeID:      node.ID,
	})
	started := e.clock.Now()

	onRetry := func(attempt int, lastErr error) {
		e.metrics.RetriesTotal.Inc()
		e.events.Emit(Event{
			Type:        EventNodeRetrying,
			ExecutionID: run.ExecutionID,
			NodeID:      node.ID,
			Message:     fmt.Sprintf("attempt %d after error: %v", attempt+1, lastErr),
		})
	}

	result, err := executeWithRetry(nodeCtx, e.clock, retryCfg, onRetry, func(ctx context.Context) (Result, error) {
		return executor.Execute(ctx, node, run)
	})

	elapsed := e.clock.Now().Sub(started)
	e.metrics.NodeDuration.WithLabelValues(string(node.Type)).Observe(elapsed.Seconds())

	if err != nil {
		e.metrics.NodesTotal.WithLabelValues(string(node.Type), "error").Inc()
		e.events.Emit(Event{
			Type:        EventNodeFailed,
			ExecutionID: run.ExecutionID,
			NodeID:      node.ID,
			Message:     err.Error(),
		})
		return nil, err
	}

	status := "success"
	eventType := EventNodeCompleted
	if !result.Success() {
		status = "failed"
		eventType = EventNodeFailed
	}
	e.metrics.NodesTotal.WithLabelValues(string(node.Type), status).Inc()
	e.events.Emit(Event{
		Type:        eventType,
		ExecutionID: run.ExecutionID,
		NodeID:      node.ID,
		Message:     result.ErrorMessage(),
	})
	return result, nil
}

// runEmbedded executes a loop body or parallel branch member. Embedded
// node outputs land under nodes.<id> but do not join the completed list,
// since the owning node reports their aggregate outcome.
func (e *Engine) runEmbedded(ctx context.Context, nodeID string, run *Run) (Result, error) {
	node := run.Workflow.NodeByID(nodeID)
	if node == nil {
		return nil, types.NewError(types.ErrUnknownNode,
			fmt.Sprintf("embedded node missing: %s", nodeID))
	}
	result, err := e.runNode(ctx, node, run)
	if err != nil {
		return nil, err
	}
	run.SetPath("nodes."+nodeID, map[string]any(result))
	return result, nil
}

// finish resolves the final status, runs the global error handler on
// fatal failures, persists history, and shapes the result.
func (e *Engine) finish(run *Run, execErr error) (*ExecutionResult, error) {
	wf := run.Workflow
	status := workflow.StatusCompleted
	switch {
	case execErr == nil:
		status = workflow.StatusCompleted
	case errors.Is(execErr, context.Canceled):
		status = workflow.StatusCancelled
	default:
		status = workflow.StatusFailed
	}

	if status == workflow.StatusFailed {
		if errors.Is(execErr, context.DeadlineExceeded) {
			run.AddError("", "run exceeded max execution time")
		}
		e.runGlobalErrorHandler(run)
	}
	run.setStatus(status)

	completedAt := e.clock.Now()
	usage, apiCalls := run.Usage()
	e.metrics.TokensTotal.Add(float64(usage.TotalTokens))
	e.metrics.CostTotal.Add(usage.Cost)
	e.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	duration := completedAt.Sub(run.StartedAt)
	e.metrics.RunDuration.Observe(duration.Seconds())

	result := &ExecutionResult{
		ExecutionID:  run.ExecutionID,
		WorkflowID:   wf.ID,
		Status:       status,
		Output:       e.runOutput(run),
		NodeResults:  e.nodeResults(run),
		Errors:       run.Errors(),
		LastError:    run.LastError(),
		StartedAt:    run.StartedAt,
		CompletedAt:  completedAt,
		DurationMs:   duration.Milliseconds(),
		TokensUsed:   usage.TotalTokens,
		CostUSD:      usage.Cost,
		APICallsMade: apiCalls,
	}

	eventType := EventRunCompleted
	switch status {
	case workflow.StatusFailed:
		eventType = EventRunFailed
	case workflow.StatusCancelled:
		eventType = EventRunCancelled
	}
	e.events.Emit(Event{
		Type:        eventType,
		ExecutionID: run.ExecutionID,
		WorkflowID:  wf.ID,
		Message:     firstError(result.Errors),
	})
	e.logger.Info("run finished",
		zap.String("execution_id", run.ExecutionID),
		zap.String("status", string(status)),
		zap.Int64("duration_ms", result.DurationMs),
		zap.Int("tokens_used", result.TokensUsed))

	e.saveHistory(result, wf)

	if status == workflow.StatusCompleted {
		return result, nil
	}
	if execErr == nil {
		execErr = types.NewError(types.ErrNodeFailed, firstError(result.Errors))
	}
	return result, execErr
}

// runGlobalErrorHandler executes the workflow's global error handler node
// outside the normal plan. Its own failure only logs.
func (e *Engine) runGlobalErrorHandler(run *Run) {
	handlerID := run.Workflow.GlobalErrorHandler
	if handlerID == "" {
		return
	}
	node := run.Workflow.NodeByID(handlerID)
	if node == nil {
		return
	}
	// A fresh context: the run's context is already cancelled or expired.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := e.runNode(ctx, node, run)
	if err != nil {
		e.logger.Error("global error handler failed",
			zap.String("execution_id", run.ExecutionID),
			zap.String("node_id", handlerID),
			zap.Error(err))
		return
	}
	run.SetPath("nodes."+handlerID, map[string]any(result))
}

func (e *Engine) runOutput(run *Run) map[string]any {
	global, _ := run.Lookup("global")
	if m, isMap := global.(map[string]any); isMap {
		return m
	}
	return nil
}

func (e *Engine) nodeResults(run *Run) map[string]Result {
	out := make(map[string]Result)
	nodesRaw, _ := run.Lookup("nodes")
	nodes, isMap := nodesRaw.(map[string]any)
	if !isMap {
		return out
	}
	for id, raw := range nodes {
		if m, isResult := raw.(map[string]any); isResult {
			out[id] = Result(m)
		}
	}
	return out
}

func (e *Engine) saveHistory(result *ExecutionResult, wf *workflow.Workflow) {
	if e.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make([]string, 0, len(result.Errors))
	for _, re := range result.Errors {
		if re.NodeID != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", re.NodeID, re.Message))
			continue
		}
		errs = append(errs, re.Message)
	}
	rec := &storage.ExecutionRecord{
		ExecutionID:  result.ExecutionID,
		WorkflowID:   result.WorkflowID,
		WorkflowName: wf.Name,
		Status:       string(result.Status),
		Output:       result.Output,
		Errors:       errs,
		StartedAt:    result.StartedAt,
		CompletedAt:  result.CompletedAt,
		DurationMs:   result.DurationMs,
		TokensUsed:   result.TokensUsed,
		CostUSD:      result.CostUSD,
		APICallsMade: result.APICallsMade,
	}
	if err := e.history.SaveRecord(ctx, rec); err != nil {
		e.logger.Warn("history save failed",
			zap.String("execution_id", result.ExecutionID),
			zap.Error(err))
	}
}

func firstError(errs []RunError) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[0].Message
}
