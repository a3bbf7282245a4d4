package models

type Intent string

const (
	IntentGreeting          Intent = "greeting"
	IntentDirectFactual     Intent = "direct_factual"
	IntentAuthoritative     Intent = "authoritative_ruling"
	IntentReferenceLookup   Intent = "reference_lookup"
	IntentCalculation       Intent = "calculation"
	IntentComparison        Intent = "comparison"
	IntentNarratorLookup    Intent = "narrator_lookup"
	IntentMultiStepResearch Intent = "multi_step_research"
	IntentTimeSensitive     Intent = "time_sensitive"
	IntentUnclear           Intent = "unclear"
)

func AllIntents() []Intent {
	return []Intent{
		IntentGreeting,
		IntentDirectFactual,
		IntentAuthoritative,
		IntentReferenceLookup,
		IntentCalculation,
		IntentComparison,
		IntentNarratorLookup,
		IntentMultiStepResearch,
		IntentTimeSensitive,
		IntentUnclear,
	}
}

func (i Intent) IsValid() bool {
	for _, valid := range AllIntents() {
		if i == valid {
			return true
		}
	}
	return false
}

type ExecutionPath string

const (
	PathGreeting     ExecutionPath = "greeting"
	PathDirectQA     ExecutionPath = "direct_qa"
	PathRetrieval    ExecutionPath = "retrieval"
	PathToolDispatch ExecutionPath = "tool_dispatch"
	PathMultiHop     ExecutionPath = "multi_hop"
)

// CostTier is ordered: economy < standard < premium.
type CostTier string

const (
	TierEconomy  CostTier = "economy"
	TierStandard CostTier = "standard"
	TierPremium  CostTier = "premium"
)

func (t CostTier) Rank() int {
	switch t {
	case TierEconomy:
		return 0
	case TierStandard:
		return 1
	case TierPremium:
		return 2
	default:
		return -1
	}
}

// Cap lowers t to max when it is more expensive.
func (t CostTier) Cap(max CostTier) CostTier {
	if t.Rank() > max.Rank() {
		return max
	}
	return t
}

type Mode string

const (
	ModeDefault  Mode = ""
	ModeFast     Mode = "fast"
	ModeThorough Mode = "thorough"
)

// PlanStep is one tool invocation in an execution plan. Steps sharing a Group run in
// parallel; groups run in ascending order.
type PlanStep struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Group      int            `json:"group"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Parallel   bool           `json:"parallel"`
}

type ExecutionPlan struct {
	Intent   Intent        `json:"intent"`
	Path     ExecutionPath `json:"path"`
	Tier     CostTier      `json:"tier"`
	Mode     Mode          `json:"mode,omitempty"`
	Steps    []PlanStep    `json:"steps,omitempty"`
	Defaults []string      `json:"default_tools,omitempty"`
}

// Groups returns the steps partitioned by group, in execution order. Declaration order
// is preserved inside each group.
func (p *ExecutionPlan) Groups() [][]PlanStep {
	if len(p.Steps) == 0 {
		return nil
	}
	maxGroup := 0
	for _, step := range p.Steps {
		if step.Group > maxGroup {
			maxGroup = step.Group
		}
	}
	groups := make([][]PlanStep, 0, maxGroup+1)
	for g := 0; g <= maxGroup; g++ {
		var group []PlanStep
		for _, step := range p.Steps {
			if step.Group == g {
				group = append(group, step)
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

func (p *ExecutionPlan) ToolNames() []string {
	names := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		names[i] = step.Tool
	}
	return names
}
