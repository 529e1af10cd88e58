package workflow

import "time"

// NodeType defines the type of a workflow node.
type NodeType string

const (
	// NodeTypeAgent invokes an agent through the generation provider.
	NodeTypeAgent NodeType = "agent"
	// NodeTypeDecision performs conditional branching.
	NodeTypeDecision NodeType = "decision"
	// NodeTypeTransform applies data mappings to the context.
	NodeTypeTransform NodeType = "transform"
	// NodeTypeLoop iterates over a collection, condition, or range.
	NodeTypeLoop NodeType = "loop"
	// NodeTypeParallel executes branches concurrently.
	NodeTypeParallel NodeType = "parallel"
	// NodeTypeHumanInLoop waits for an external human response.
	NodeTypeHumanInLoop NodeType = "human_in_loop"
	// NodeTypeStorage performs a key-value storage operation.
	NodeTypeStorage NodeType = "storage"
	// NodeTypeErrorHandler filters and recovers from upstream errors.
	NodeTypeErrorHandler NodeType = "error_handler"
	// NodeTypeAggregator combines values from multiple sources.
	NodeTypeAggregator NodeType = "aggregator"
)

// ExecutionMode defines how the orchestrator schedules nodes.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeParallel    ExecutionMode = "parallel"
	ModeStreaming   ExecutionMode = "streaming"
	ModeBatch       ExecutionMode = "batch"
	ModeEventDriven ExecutionMode = "event_driven"
)

// Status represents the lifecycle status of a workflow or run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RetryStrategy defines the backoff curve between retry attempts.
type RetryStrategy string

const (
	RetryExponential RetryStrategy = "exponential"
	RetryLinear      RetryStrategy = "linear"
	RetryFixed       RetryStrategy = "fixed"
	RetryNone        RetryStrategy = "none"
)

// ErrorHandlingStrategy defines how a node failure affects the run.
type ErrorHandlingStrategy string

const (
	ErrorFail              ErrorHandlingStrategy = "fail"
	ErrorContinue          ErrorHandlingStrategy = "continue"
	ErrorFallback          ErrorHandlingStrategy = "fallback"
	ErrorRetryThenFail     ErrorHandlingStrategy = "retry_then_fail"
	ErrorRetryThenContinue ErrorHandlingStrategy = "retry_then_continue"
)

// WaitStrategy governs when a parallel node's branches are considered done.
type WaitStrategy string

const (
	WaitAll WaitStrategy = "all"
	WaitAny WaitStrategy = "any"
	// WaitRace completes with the first branch to finish, success or not.
	WaitRace WaitStrategy = "race"
	WaitNOfM WaitStrategy = "n_of_m"
)

// AggregationMethod defines how an aggregator node combines its sources.
type AggregationMethod string

const (
	AggregateMerge   AggregationMethod = "merge"
	AggregateConcat  AggregationMethod = "concat"
	AggregateCustom  AggregationMethod = "custom"
	AggregateFirst   AggregationMethod = "first"
	AggregateLast    AggregationMethod = "last"
	AggregateAverage AggregationMethod = "average"
	AggregateSum     AggregationMethod = "sum"
)

// StorageOperation identifies a storage node operation.
type StorageOperation string

const (
	StorageSave   StorageOperation = "save"
	StorageLoad   StorageOperation = "load"
	StorageUpdate StorageOperation = "update"
	StorageDelete StorageOperation = "delete"
	StorageAppend StorageOperation = "append"
)

// LoopType identifies the iteration style of a loop node.
type LoopType string

const (
	LoopForEach LoopType = "for_each"
	LoopWhile   LoopType = "while"
	LoopRange   LoopType = "range"
)

// RetryConfig controls bounded retries with backoff for one node.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	Strategy          RetryStrategy `json:"strategy" yaml:"strategy"`
	InitialDelayMs    int           `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs        int           `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig is the baseline policy for nodes that opt into
// retries without tuning the backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		Strategy:          RetryExponential,
		InitialDelayMs:    1000,
		MaxDelayMs:        60000,
		BackoffMultiplier: 2.0,
	}
}

// TokenLimits bounds token and cost consumption for a node.
type TokenLimits struct {
	MaxTokens        int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxCost          float64 `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
	WarnAtPercentage float64 `json:"warn_at_percentage,omitempty" yaml:"warn_at_percentage,omitempty"`
}

// DataMapping moves one value from a source path to a target path,
// optionally transforming it and substituting a default when missing.
type DataMapping struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
	Default   any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// ConditionBranch is one prioritized branch of a decision node.
type ConditionBranch struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
	Target     string `json:"target" yaml:"target"`
	Priority   int    `json:"priority" yaml:"priority"`
}

// LoopConfig describes loop node iteration behavior.
type LoopConfig struct {
	Type              LoopType `json:"type" yaml:"type"`
	Source            string   `json:"source,omitempty" yaml:"source,omitempty"`
	Condition         string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	MaxIterations     int      `json:"max_iterations" yaml:"max_iterations"`
	Accumulator       string   `json:"accumulator,omitempty" yaml:"accumulator,omitempty"`
	BreakCondition    string   `json:"break_condition,omitempty" yaml:"break_condition,omitempty"`
	ContinueCondition string   `json:"continue_condition,omitempty" yaml:"continue_condition,omitempty"`
}

// ParallelBranch names a set of body nodes run as one concurrent branch.
type ParallelBranch struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Nodes     []string `json:"nodes" yaml:"nodes"`
	TimeoutMs int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Required  bool     `json:"required" yaml:"required"`
}

// HumanInputConfig describes a human approval wait.
type HumanInputConfig struct {
	UITemplate           string   `json:"ui_template,omitempty" yaml:"ui_template,omitempty"`
	NotificationChannels []string `json:"notification_channels,omitempty" yaml:"notification_channels,omitempty"`
	TimeoutMs            int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	EscalationAfterMs    int      `json:"escalation_after_ms,omitempty" yaml:"escalation_after_ms,omitempty"`
	EscalationTo         []string `json:"escalation_to,omitempty" yaml:"escalation_to,omitempty"`
	ApprovalOptions      []string `json:"approval_options,omitempty" yaml:"approval_options,omitempty"`
}

// StorageConfig describes a storage node operation. Key may contain
// ${path} references resolved against the run context. ValueSource is the
// context path read for save, update, and append; Target is the context
// path written on load.
type StorageConfig struct {
	Operation   StorageOperation `json:"operation" yaml:"operation"`
	Backend     string           `json:"backend,omitempty" yaml:"backend,omitempty"`
	Key         string           `json:"key" yaml:"key"`
	ValueSource string           `json:"value_source,omitempty" yaml:"value_source,omitempty"`
	Target      string           `json:"target,omitempty" yaml:"target,omitempty"`
	TTLSecs     int              `json:"ttl_seconds,omitempty" yaml:"ttl_seconds,omitempty"`
}

// NodeConfig carries shared per-node execution configuration.
type NodeConfig struct {
	TimeoutMs       int                   `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Retry           *RetryConfig          `json:"retry,omitempty" yaml:"retry,omitempty"`
	ErrorHandling   ErrorHandlingStrategy `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	TokenLimits     *TokenLimits          `json:"token_limits,omitempty" yaml:"token_limits,omitempty"`
	CacheResults    bool                  `json:"cache_results,omitempty" yaml:"cache_results,omitempty"`
	CacheTTLSeconds int                   `json:"cache_ttl_seconds,omitempty" yaml:"cache_ttl_seconds,omitempty"`
	AgentConfig     map[string]any        `json:"agent_config,omitempty" yaml:"agent_config,omitempty"`
	HumanConfig     *HumanInputConfig     `json:"human_config,omitempty" yaml:"human_config,omitempty"`
	StorageConfig   *StorageConfig        `json:"storage_config,omitempty" yaml:"storage_config,omitempty"`
}

// Node is a single typed step in a workflow graph. Type-specific fields
// are populated according to Type; the rest stay zero.
type Node struct {
	ID          string     `json:"id" yaml:"id"`
	Type        NodeType   `json:"type" yaml:"type"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Config      NodeConfig `json:"config,omitempty" yaml:"config,omitempty"`

	// Agent
	AgentID              string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	InstructionsOverride string `json:"instructions_override,omitempty" yaml:"instructions_override,omitempty"`
	InstructionsAppend   string `json:"instructions_append,omitempty" yaml:"instructions_append,omitempty"`

	// Decision
	ConditionBranches []ConditionBranch `json:"condition_branches,omitempty" yaml:"condition_branches,omitempty"`
	DefaultTarget     string            `json:"default_target,omitempty" yaml:"default_target,omitempty"`

	// Transform
	Transformations []DataMapping `json:"transformations,omitempty" yaml:"transformations,omitempty"`

	// Loop
	LoopConfig    *LoopConfig `json:"loop_config,omitempty" yaml:"loop_config,omitempty"`
	LoopBodyNodes []string    `json:"loop_body_nodes,omitempty" yaml:"loop_body_nodes,omitempty"`

	// Parallel
	ParallelBranches []ParallelBranch `json:"parallel_branches,omitempty" yaml:"parallel_branches,omitempty"`
	WaitStrategy     WaitStrategy     `json:"wait_strategy,omitempty" yaml:"wait_strategy,omitempty"`
	WaitCount        int              `json:"wait_count,omitempty" yaml:"wait_count,omitempty"`

	// ErrorHandler
	ErrorTypes   []string `json:"error_types,omitempty" yaml:"error_types,omitempty"`
	FallbackNode string   `json:"fallback_node,omitempty" yaml:"fallback_node,omitempty"`

	// Aggregator
	AggregationMethod  AggregationMethod `json:"aggregation_method,omitempty" yaml:"aggregation_method,omitempty"`
	AggregationSources []string          `json:"aggregation_sources,omitempty" yaml:"aggregation_sources,omitempty"`

	// Data flow
	InputMapping  []DataMapping `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping []DataMapping `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`

	Tags     []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Edge is a directed dependency between two nodes. The condition and data
// mapping fields are routing hints consumed by decision nodes; the planner
// derives ordering from source/target only.
type Edge struct {
	ID           string        `json:"id,omitempty" yaml:"id,omitempty"`
	SourceNodeID string        `json:"source_node_id" yaml:"source_node_id"`
	TargetNodeID string        `json:"target_node_id" yaml:"target_node_id"`
	Condition    string        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority     int           `json:"priority,omitempty" yaml:"priority,omitempty"`
	DataMapping  []DataMapping `json:"data_mapping,omitempty" yaml:"data_mapping,omitempty"`
	Label        string        `json:"label,omitempty" yaml:"label,omitempty"`
}

// Variable declares a typed workflow input or scoped value.
type Variable struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Scope       string `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// Settings carries workflow-level execution limits and behavior.
type Settings struct {
	MaxExecutionTimeMs    int     `json:"max_execution_time_ms" yaml:"max_execution_time_ms"`
	MaxTotalTokens        int     `json:"max_total_tokens,omitempty" yaml:"max_total_tokens,omitempty"`
	MaxParallelExecutions int     `json:"max_parallel_executions" yaml:"max_parallel_executions"`
	MaxAPICalls           int     `json:"max_api_calls,omitempty" yaml:"max_api_calls,omitempty"`
	RateLimitPerMinute    int     `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"`
	ContinueOnError       bool    `json:"continue_on_error" yaml:"continue_on_error"`
	EnableCheckpoints     bool    `json:"enable_checkpoints" yaml:"enable_checkpoints"`
	CheckpointIntervalMs  int     `json:"checkpoint_interval_ms" yaml:"checkpoint_interval_ms"`
	MaxCostUSD            float64 `json:"max_cost_usd,omitempty" yaml:"max_cost_usd,omitempty"`
	CostWarningThreshold  float64 `json:"cost_warning_threshold,omitempty" yaml:"cost_warning_threshold,omitempty"`
	SaveIntermediateState bool    `json:"save_intermediate_state" yaml:"save_intermediate_state"`
}

// DefaultSettings returns the workflow-level defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxExecutionTimeMs:    300000,
		MaxParallelExecutions: 5,
		EnableCheckpoints:     true,
		CheckpointIntervalMs:  60000,
		SaveIntermediateState: true,
	}
}

// Workflow is an immutable-per-version workflow definition.
type Workflow struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string     `json:"version" yaml:"version"`
	Nodes       []Node     `json:"nodes" yaml:"nodes"`
	Edges       []Edge     `json:"edges" yaml:"edges"`
	Variables   []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
	Settings    Settings   `json:"settings" yaml:"settings"`

	ExecutionMode ExecutionMode `json:"execution_mode" yaml:"execution_mode"`

	GlobalErrorHandler    string                `json:"global_error_handler,omitempty" yaml:"global_error_handler,omitempty"`
	ErrorHandlingStrategy ErrorHandlingStrategy `json:"error_handling_strategy,omitempty" yaml:"error_handling_strategy,omitempty"`

	Status    Status         `json:"status,omitempty" yaml:"status,omitempty"`
	Tags      []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Dependencies returns the set of node ids with an edge into nodeID.
func (w *Workflow) Dependencies(nodeID string) map[string]struct{} {
	deps := make(map[string]struct{})
	for _, e := range w.Edges {
		if e.TargetNodeID == nodeID {
			deps[e.SourceNodeID] = struct{}{}
		}
	}
	return deps
}
