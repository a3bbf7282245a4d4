package router

import (
	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
)

// Router maps an intent and mode to an execution plan using the routing table. The
// table is read-only after construction.
type Router struct {
	table *config.RoutingTable
}

func NewRouter(table *config.RoutingTable) *Router {
	return &Router{table: table}
}

// Route never fails. Unknown or unclear intents, and rows with an unknown path or tier,
// get the fallback route.
func (r *Router) Route(intent models.Intent, mode models.Mode) models.ExecutionPlan {
	route, ok := r.table.Routes[string(intent)]
	if !ok || intent == models.IntentUnclear || !validRoute(route) {
		route = r.table.Fallback
	}

	tier := models.CostTier(route.Tier)
	if pinned, ok := r.table.Modes[string(mode)]; ok && models.CostTier(pinned).Rank() >= 0 {
		tier = models.CostTier(pinned)
	}
	if tier.Rank() < 0 {
		tier = models.TierEconomy
	}

	return models.ExecutionPlan{
		Intent:   intent,
		Path:     models.ExecutionPath(route.Path),
		Tier:     tier,
		Mode:     mode,
		Defaults: append([]string(nil), route.Tools...),
	}
}

func validRoute(route config.Route) bool {
	switch models.ExecutionPath(route.Path) {
	case models.PathGreeting, models.PathDirectQA, models.PathRetrieval, models.PathToolDispatch, models.PathMultiHop:
	default:
		return false
	}
	return models.CostTier(route.Tier).Rank() >= 0
}
