package models

type PolicyAction string

const (
	ActionAllow   PolicyAction = "allow"
	ActionBlock   PolicyAction = "block"
	ActionFlag    PolicyAction = "flag"
	ActionRewrite PolicyAction = "rewrite"
)

type CheckResult struct {
	Check      string       `json:"check"`
	Passed     bool         `json:"passed"`
	Confidence float64      `json:"confidence"`
	Action     PolicyAction `json:"action"`
	Reason     string       `json:"reason,omitempty"`
	Rewrite    string       `json:"rewrite,omitempty"`
	FromCache  bool         `json:"from_cache,omitempty"`
}

// PolicyVerdict aggregates one checkpoint's checks in the order they ran.
type PolicyVerdict struct {
	Stage   string        `json:"stage"`
	Action  PolicyAction  `json:"action"`
	Checks  []CheckResult `json:"checks"`
	Content string        `json:"content"`
	Flags   []string      `json:"flags,omitempty"`
}

func (v *PolicyVerdict) Blocked() bool {
	return v != nil && v.Action == ActionBlock
}
