package workflow

// Overrides carries per-run adjustments applied to a workflow definition
// before execution. The original definition is never mutated.
type Overrides struct {
	// NodeConfigs merges per-node config changes keyed by node id.
	NodeConfigs map[string]NodeConfig `json:"node_configs,omitempty" yaml:"node_configs,omitempty"`
	// Settings replaces individual workflow settings when non-nil.
	Settings *Settings `json:"settings,omitempty" yaml:"settings,omitempty"`
	// SkipNodes lists node ids removed from the run together with
	// their incident edges.
	SkipNodes []string `json:"skip_nodes,omitempty" yaml:"skip_nodes,omitempty"`
}

// ApplyOverrides returns a deep enough copy of wf with the overrides
// applied. Nodes listed in SkipNodes are dropped along with any edge
// touching them.
func ApplyOverrides(wf *Workflow, ov *Overrides) *Workflow {
	out := *wf
	if ov == nil {
		return &out
	}

	skip := make(map[string]struct{}, len(ov.SkipNodes))
	for _, id := range ov.SkipNodes {
		skip[id] = struct{}{}
	}

	out.Nodes = make([]Node, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if _, skipped := skip[n.ID]; skipped {
			continue
		}
		if cfg, ok := ov.NodeConfigs[n.ID]; ok {
			n.Config = mergeNodeConfig(n.Config, cfg)
		}
		out.Nodes = append(out.Nodes, n)
	}

	out.Edges = make([]Edge, 0, len(wf.Edges))
	for _, e := range wf.Edges {
		if _, skipped := skip[e.SourceNodeID]; skipped {
			continue
		}
		if _, skipped := skip[e.TargetNodeID]; skipped {
			continue
		}
		out.Edges = append(out.Edges, e)
	}

	if ov.Settings != nil {
		out.Settings = *ov.Settings
	}
	return &out
}

func mergeNodeConfig(base, override NodeConfig) NodeConfig {
	if override.TimeoutMs > 0 {
		base.TimeoutMs = override.TimeoutMs
	}
	if override.Retry != nil {
		base.Retry = override.Retry
	}
	if override.ErrorHandling != "" {
		base.ErrorHandling = override.ErrorHandling
	}
	if override.TokenLimits != nil {
		base.TokenLimits = override.TokenLimits
	}
	if override.AgentConfig != nil {
		base.AgentConfig = override.AgentConfig
	}
	if override.HumanConfig != nil {
		base.HumanConfig = override.HumanConfig
	}
	if override.StorageConfig != nil {
		base.StorageConfig = override.StorageConfig
	}
	return base
}
