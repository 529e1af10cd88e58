package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarshalJSON-style helpers live on the package rather than the type so a
// definition can round-trip through either format with the same tags.

// ToJSON serializes a workflow definition to indented JSON.
func ToJSON(wf *Workflow) ([]byte, error) {
	return json.MarshalIndent(wf, "", "  ")
}

// FromJSON parses a workflow definition from JSON.
func FromJSON(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow json: %w", err)
	}
	applyDefaults(&wf)
	return &wf, nil
}

// ToYAML serializes a workflow definition to YAML.
func ToYAML(wf *Workflow) ([]byte, error) {
	return yaml.Marshal(wf)
}

// FromYAML parses a workflow definition from YAML.
func FromYAML(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	applyDefaults(&wf)
	return &wf, nil
}

// LoadFile reads a workflow definition from a .json, .yaml, or .yml file.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return nil, fmt.Errorf("unsupported workflow file extension: %s", filepath.Ext(path))
	}
}

// SaveFile writes a workflow definition to a file, choosing the format
// from the extension.
func SaveFile(wf *Workflow, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = ToYAML(wf)
	case ".json":
		data, err = ToJSON(wf)
	default:
		return fmt.Errorf("unsupported workflow file extension: %s", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyDefaults fills zero-valued fields with the documented defaults so
// hand-written definitions stay terse.
func applyDefaults(wf *Workflow) {
	if wf.Version == "" {
		wf.Version = "1.0.0"
	}
	if wf.ExecutionMode == "" {
		wf.ExecutionMode = ModeSequential
	}
	if wf.Status == "" {
		wf.Status = StatusIdle
	}
	if wf.Settings.MaxExecutionTimeMs == 0 {
		wf.Settings.MaxExecutionTimeMs = DefaultSettings().MaxExecutionTimeMs
	}
	if wf.Settings.MaxParallelExecutions == 0 {
		wf.Settings.MaxParallelExecutions = DefaultSettings().MaxParallelExecutions
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.Type == NodeTypeParallel && n.WaitStrategy == "" {
			n.WaitStrategy = WaitAll
		}
		if n.Type == NodeTypeAggregator && n.AggregationMethod == "" {
			n.AggregationMethod = AggregateMerge
		}
		if n.LoopConfig != nil && n.LoopConfig.MaxIterations == 0 {
			n.LoopConfig.MaxIterations = 100
		}
	}
}
