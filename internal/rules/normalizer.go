package rules

import (
	"context"
	"regexp"

	"github.com/google/uuid"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// adminUserPattern matches built-in administrative account names.
var adminUserPattern = regexp.MustCompile(`(?i)\b(administrator|admin|root|system)\b`)

// Business hours, local time. Events outside are nudged up one level from
// low.
const (
	businessHoursStart = 8
	businessHoursEnd   = 18
)

// Normalizer classifies log events against the rule table. An unmatched
// event yields no security event — the pipeline drops it silently.
type Normalizer struct {
	rules *Store
}

// NewNormalizer creates a normalizer over the given rule store.
func NewNormalizer(rules *Store) *Normalizer {
	return &Normalizer{rules: rules}
}

// Normalize resolves the event against the rule table and applies the
// deterministic contextual risk adjustments. Returns (nil, nil) when no
// enabled rule matches.
func (n *Normalizer) Normalize(ctx context.Context, ev core.LogEvent) (*core.SecurityEvent, error) {
	rule, err := n.rules.Match(ctx, ev.Channel, ev.EventID)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, nil
	}

	risk := rule.BaseRisk

	// Administrative accounts raise medium to high.
	if adminUserPattern.MatchString(ev.User) && risk == core.RiskMedium {
		risk = core.RiskHigh
	}

	// Activity outside business hours raises low to medium.
	hour := ev.Time.Local().Hour()
	if (hour < businessHoursStart || hour >= businessHoursEnd) && risk == core.RiskLow {
		risk = core.RiskMedium
	}

	return &core.SecurityEvent{
		ID:                 uuid.NewString(),
		Original:           ev,
		EventType:          rule.EventType,
		RiskLevel:          risk,
		Confidence:         rule.BaseConfidence,
		Summary:            rule.SummaryTemplate,
		MITRETechniques:    append([]string(nil), rule.MITRETechniques...),
		RecommendedActions: append([]string(nil), rule.RecommendedActions...),
		IsDeterministic:    true,
	}, nil
}
