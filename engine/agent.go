package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/flowkit/llm"
	"github.com/BaSui01/flowkit/tools"
	"github.com/BaSui01/flowkit/types"
	"github.com/BaSui01/flowkit/workflow"
	"github.com/BaSui01/flowkit/workflow/expr"
)

// Agent is a named prompt configuration an agent node can reference.
type Agent struct {
	ID           string  `json:"id" yaml:"id"`
	Name         string  `json:"name" yaml:"name"`
	Model        string  `json:"model" yaml:"model"`
	Instructions string  `json:"instructions" yaml:"instructions"`
	Temperature  float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	// CostPer1KTokens estimates spend when the provider reports no cost.
	CostPer1KTokens float64 `json:"cost_per_1k_tokens,omitempty" yaml:"cost_per_1k_tokens,omitempty"`
}

// toolCallPattern matches inline tool invocations emitted by the model:
// TOOL_CALL:<tool>:<action>:<json params>
var toolCallPattern = regexp.MustCompile(`TOOL_CALL:(\w+):(\w+):(\{.*?\})`)

// agentExecutor runs agent nodes: it resolves the referenced agent,
// prompts the provider, executes any inline tool calls, and asks for one
// follow-up generation when tools ran.
type agentExecutor struct {
	provider  llm.Provider
	tools     tools.Registry
	agents    map[string]Agent
	tokenizer *llm.Tokenizer
	logger    *zap.Logger
}

func (e *agentExecutor) Execute(ctx context.Context, node *workflow.Node, run *Run) (Result, error) {
	agent, found := e.agents[node.AgentID]
	if !found {
		return nil, types.NewError(types.ErrAgentNotFound,
			fmt.Sprintf("agent not registered: %s", node.AgentID)).WithNode(node.ID)
	}
	if e.provider == nil {
		return nil, types.NewError(types.ErrProviderFailed, "no generation provider configured").WithNode(node.ID)
	}

	// Override replaces the base instructions entirely; append only
	// extends them when no override is set.
	instructions := agent.Instructions
	if node.InstructionsOverride != "" {
		instructions = node.InstructionsOverride
	} else if node.InstructionsAppend != "" {
		instructions = strings.TrimSpace(instructions + "\n" + node.InstructionsAppend)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: instructions},
		{Role: llm.RoleUser, Content: e.buildUserPrompt(node, run)},
	}

	resp, err := e.generate(ctx, agent, messages, run)
	if err != nil {
		return nil, err
	}
	content := resp.Content

	toolCalls := toolCallPattern.FindAllStringSubmatch(content, -1)
	var toolResults []map[string]any
	for _, call := range toolCalls {
		toolName, action, rawParams := call[1], call[2], call[3]
		toolResults = append(toolResults, e.invokeTool(ctx, toolName, action, rawParams))
	}

	// One follow-up generation folds tool results back into the answer.
	if len(toolResults) > 0 {
		resultsJSON, _ := json.Marshal(toolResults)
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: content},
			llm.Message{Role: llm.RoleTool, Content: fmt.Sprintf("Tool results: %s", resultsJSON)},
		)
		followUp, err := e.generate(ctx, agent, messages, run)
		if err != nil {
			return nil, err
		}
		content = followUp.Content
	}

	result := ok(
		"output", content,
		"agent_id", agent.ID,
		"model", resp.Model,
	)
	if len(toolResults) > 0 {
		calls := make([]any, len(toolResults))
		for i, tr := range toolResults {
			calls[i] = tr
		}
		result["tool_calls"] = calls
	}

	if err := applyOutputMapping(node, result, run); err != nil {
		return nil, err
	}
	return result, nil
}

// applyOutputMapping writes declared result values into the run context.
// Source paths resolve against the node's result; missing sources fall
// back to the mapping default or are skipped.
func applyOutputMapping(node *workflow.Node, result Result, run *Run) error {
	for _, mapping := range node.OutputMapping {
		value, found := extractWithDefault(map[string]any(result), mapping)
		if !found {
			continue
		}
		transformed, err := expr.Transform(mapping.Transform, value)
		if err != nil {
			return fmt.Errorf("output mapping %s -> %s: %w", mapping.Source, mapping.Target, err)
		}
		run.SetPath(mapping.Target, transformed)
	}
	return nil
}

func (e *agentExecutor) generate(ctx context.Context, agent Agent, messages []llm.Message, run *Run) (*llm.Response, error) {
	if run.limiter != nil {
		if err := run.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := e.provider.Generate(ctx, &llm.Request{
		Model:       agent.Model,
		Messages:    messages,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
	})
	if err != nil {
		return nil, types.NewError(types.ErrProviderFailed, "generation failed").
			WithCause(err).WithRetryable(true)
	}

	usage := resp.Usage
	if usage.TotalTokens == 0 && e.tokenizer != nil {
		usage.PromptTokens = e.tokenizer.CountMessages(messages)
		usage.CompletionTokens = e.tokenizer.CountTokens(resp.Content)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if usage.Cost == 0 && agent.CostPer1KTokens > 0 {
		usage.Cost = float64(usage.TotalTokens) / 1000 * agent.CostPer1KTokens
	}
	run.AddUsage(usage, 1)
	return resp, nil
}

// buildUserPrompt assembles the user turn from mapped inputs, or the
// whole global scope when the node declares no input mapping. Static
// agent_config entries overlay the mapped data.
func (e *agentExecutor) buildUserPrompt(node *workflow.Node, run *Run) string {
	data := make(map[string]any)
	if len(node.InputMapping) > 0 {
		snapshot := run.Context()
		for _, mapping := range node.InputMapping {
			val, found := extractWithDefault(snapshot, mapping)
			if found {
				data[mapping.Target] = val
			}
		}
	} else {
		global, _ := run.Lookup("global")
		if m, isMap := global.(map[string]any); isMap {
			for k, v := range m {
				data[k] = v
			}
		}
	}
	for k, v := range node.Config.AgentConfig {
		data[k] = v
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(encoded)
}

func (e *agentExecutor) invokeTool(ctx context.Context, toolName, action, rawParams string) map[string]any {
	entry := map[string]any{"tool": toolName, "action": action}

	tool, found := e.tools.Get(toolName)
	if !found {
		entry["error"] = fmt.Sprintf("tool not registered: %s", toolName)
		return entry
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		entry["error"] = fmt.Sprintf("invalid tool params: %v", err)
		return entry
	}
	params["action"] = action

	output, err := tool.Execute(ctx, action, params)
	if err != nil {
		e.logger.Warn("tool call failed",
			zap.String("tool", toolName),
			zap.String("action", action),
			zap.Error(err))
		entry["error"] = err.Error()
		return entry
	}
	entry["result"] = output
	return entry
}
