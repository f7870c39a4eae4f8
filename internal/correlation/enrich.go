package correlation

import (
	"fmt"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// Enrich folds detected correlations back into the event. Risk only moves
// up, never down; enrichment is idempotent for the same correlation set.
func Enrich(ev *core.SecurityEvent, correlations []*core.Correlation) {
	if len(correlations) == 0 {
		return
	}

	winner := pickWinner(correlations)

	for _, c := range correlations {
		ev.RiskLevel = core.MaxRisk(ev.RiskLevel, enrichedRisk(ev, c))
		ev.CorrelationIDs = appendUnique(ev.CorrelationIDs, c.ID)
		for _, action := range c.RecommendedActions {
			ev.RecommendedActions = appendUnique(ev.RecommendedActions, action)
		}
	}

	ev.Confidence = ev.Confidence + 10
	if ev.Confidence > 100 {
		ev.Confidence = 100
	}
	ev.IsCorrelationBased = true
	ev.IsEnhanced = true
	ev.CorrelationScore = winner.Confidence
	ev.CorrelationContext = fmt.Sprintf("%s: %s", winner.Type, winner.Pattern)
}

// enrichedRisk maps a correlation type to the floor it imposes on the
// enriched event's risk.
func enrichedRisk(ev *core.SecurityEvent, c *core.Correlation) core.RiskLevel {
	switch c.Type {
	case core.CorrelationAttackChain:
		return core.RiskCritical
	case core.CorrelationLateralMovement:
		return core.RiskHigh
	case core.CorrelationBruteForce:
		if ev.EventType == core.EventAuthenticationSuccess || ev.EventType == core.EventAuthenticationFailure {
			return core.RiskHigh
		}
		return ev.RiskLevel
	default:
		// Temporal bursts and advisories keep the base risk.
		return ev.RiskLevel
	}
}

func appendUnique(list []string, value string) []string {
	if contains(list, value) {
		return list
	}
	return append(list, value)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
