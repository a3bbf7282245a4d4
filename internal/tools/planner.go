package tools

import (
	"regexp"
	"sort"
	"strings"

	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
)

var clauseBoundary = regexp.MustCompile(`(?i)\s+(?:and|also|then)\s+(what|when|how|which|who|where|is|are|does|do|can|should)\b`)

type compiledTrigger struct {
	tool     string
	patterns []*regexp.Regexp
}

// Planner turns a query into grouped tool steps. Triggers and the dependency table are
// data from the routing table; tools may declare further dependencies themselves.
type Planner struct {
	registry     *Registry
	triggers     []compiledTrigger
	dependencies map[string][]string
}

func NewPlanner(registry *Registry, table *config.RoutingTable) *Planner {
	planner := &Planner{
		registry:     registry,
		dependencies: make(map[string][]string),
	}
	for _, trigger := range table.Triggers {
		compiled := compiledTrigger{tool: trigger.Tool}
		for _, pattern := range trigger.Patterns {
			compiled.patterns = append(compiled.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(pattern)+`\b`))
		}
		planner.triggers = append(planner.triggers, compiled)
	}
	for consumer, producers := range table.Dependencies {
		planner.dependencies[consumer] = append([]string(nil), producers...)
	}
	return planner
}

// SplitClauses splits a query into independently answerable clauses.
func SplitClauses(query string) []string {
	var clauses []string
	for _, sentence := range strings.FieldsFunc(query, func(r rune) bool { return r == '?' || r == ';' || r == '\n' }) {
		rest := sentence
		for {
			loc := clauseBoundary.FindStringSubmatchIndex(rest)
			if loc == nil {
				break
			}
			clauses = appendClause(clauses, rest[:loc[0]])
			rest = rest[loc[2]:]
		}
		clauses = appendClause(clauses, rest)
	}
	return clauses
}

func appendClause(clauses []string, clause string) []string {
	clause = strings.TrimSpace(strings.Trim(clause, " ,."))
	if clause == "" {
		return clauses
	}
	return append(clauses, clause)
}

type selection struct {
	tool   string
	clause string
	order  int
}

// Plan selects tools for the query, merges the route's defaults, inserts dependencies
// and layers the steps into groups. Steps are returned in execution order; declaration
// order is kept inside each group.
func (p *Planner) Plan(query string, defaults []string) []models.PlanStep {
	selected := p.match(query)

	seen := make(map[string]bool, len(selected))
	for _, s := range selected {
		seen[s.tool] = true
	}
	for _, name := range defaults {
		if !seen[name] {
			seen[name] = true
			selected = append(selected, selection{tool: name, clause: query, order: len(selected)})
		}
	}
	if len(selected) == 0 {
		return nil
	}

	selected = p.withDependencies(selected, seen)
	return p.layer(selected)
}

func (p *Planner) match(query string) []selection {
	var selected []selection
	seen := make(map[string]bool)
	for _, clause := range SplitClauses(query) {
		type hit struct {
			tool string
			pos  int
		}
		var hits []hit
		for _, trigger := range p.triggers {
			if seen[trigger.tool] {
				continue
			}
			pos := -1
			for _, pattern := range trigger.patterns {
				if loc := pattern.FindStringIndex(clause); loc != nil && (pos < 0 || loc[0] < pos) {
					pos = loc[0]
				}
			}
			if pos >= 0 {
				hits = append(hits, hit{trigger.tool, pos})
				seen[trigger.tool] = true
			}
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
		for _, h := range hits {
			selected = append(selected, selection{tool: h.tool, clause: clause, order: len(selected)})
		}
	}
	return selected
}

func (p *Planner) dependenciesOf(name string) []string {
	deps := append([]string(nil), p.dependencies[name]...)
	if tool, err := p.registry.Get(name); err == nil {
		for _, dep := range tool.DeclaredDependencies() {
			if !contains(deps, dep) {
				deps = append(deps, dep)
			}
		}
	}
	return deps
}

// withDependencies inserts missing producers right before their first consumer.
func (p *Planner) withDependencies(selected []selection, seen map[string]bool) []selection {
	var out []selection
	var visit func(s selection, stack map[string]bool)
	visit = func(s selection, stack map[string]bool) {
		for _, dep := range p.dependenciesOf(s.tool) {
			if seen[dep] || stack[dep] {
				continue
			}
			seen[dep] = true
			stack[s.tool] = true
			visit(selection{tool: dep, clause: s.clause}, stack)
			delete(stack, s.tool)
		}
		out = append(out, s)
	}
	for _, s := range selected {
		visit(s, map[string]bool{})
	}
	for i := range out {
		out[i].order = i
	}
	return out
}

// layer assigns groups with Kahn's algorithm. A dependency cycle puts the remaining
// steps in a final sequential group each.
func (p *Planner) layer(selected []selection) []models.PlanStep {
	index := make(map[string]int, len(selected))
	for i, s := range selected {
		index[s.tool] = i
	}

	depsOf := make([][]string, len(selected))
	indegree := make([]int, len(selected))
	for i, s := range selected {
		for _, dep := range p.dependenciesOf(s.tool) {
			if _, ok := index[dep]; ok && dep != s.tool {
				depsOf[i] = append(depsOf[i], dep)
				indegree[i]++
			}
		}
	}

	group := make([]int, len(selected))
	placed := make([]bool, len(selected))
	remaining := len(selected)
	current := 0
	for remaining > 0 {
		var ready []int
		for i := range selected {
			if !placed[i] && indegree[i] == 0 {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			for i := range selected {
				if !placed[i] {
					ready = []int{i}
					break
				}
			}
		}
		for _, i := range ready {
			placed[i] = true
			group[i] = current
			remaining--
		}
		for _, i := range ready {
			for j := range selected {
				if !placed[j] && contains(depsOf[j], selected[i].tool) {
					indegree[j]--
				}
			}
		}
		current++
	}

	groupSize := make(map[int]int)
	for _, g := range group {
		groupSize[g]++
	}

	steps := make([]models.PlanStep, len(selected))
	for i, s := range selected {
		params := map[string]any{}
		if tool, err := p.registry.Get(s.tool); err == nil {
			if extractor, ok := tool.(ParameterExtractor); ok {
				for k, v := range extractor.ExtractParameters(s.clause) {
					params[k] = v
				}
			}
		}
		steps[i] = models.PlanStep{
			Tool:       s.tool,
			Parameters: params,
			Group:      group[i],
			DependsOn:  depsOf[i],
			Parallel:   groupSize[group[i]] > 1,
		}
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Group < steps[j].Group })
	return steps
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
