package correlation

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// Detector windows and thresholds.
const (
	bruteForceWindow     = 10 * time.Minute
	bruteForceMinFails   = 5
	burstWindow          = 2 * time.Minute
	burstMinEvents       = 6
	lateralWindow        = 30 * time.Minute
	lateralMinHosts      = 3
	lateralMinConns      = 3
	attackChainWindow    = 30 * time.Minute
	attackChainBaseConf  = 0.8
	attackChainStageConf = 0.05
)

// detectBruteForce looks for >=5 authentication failures on one host inside
// the window followed by a success on the same host. The trigger event is
// the success.
func detectBruteForce(trigger *core.SecurityEvent, recent []*core.SecurityEvent, now time.Time) *core.Correlation {
	if trigger.EventType != core.EventAuthenticationSuccess {
		return nil
	}

	host := trigger.Original.Host
	var failureIDs []string
	for _, ev := range recent {
		if ev.ID == trigger.ID {
			continue
		}
		if ev.EventType != core.EventAuthenticationFailure || ev.Original.Host != host {
			continue
		}
		if trigger.Original.Time.Sub(ev.Original.Time) > bruteForceWindow {
			continue
		}
		if ev.Original.Time.After(trigger.Original.Time) {
			continue
		}
		failureIDs = append(failureIDs, ev.ID)
	}
	if len(failureIDs) < bruteForceMinFails {
		return nil
	}

	confidence := 0.7 + 0.05*float64(len(failureIDs)-bruteForceMinFails)
	if confidence > 0.95 {
		confidence = 0.95
	}

	return &core.Correlation{
		ID:              uuid.NewString(),
		Type:            core.CorrelationBruteForce,
		Confidence:      confidence,
		Pattern:         "repeated authentication failures followed by success on " + host,
		EventIDs:        append(failureIDs, trigger.ID),
		TimeWindow:      bruteForceWindow,
		RiskLevel:       core.RiskHigh,
		MITRETechniques: []string{"T1110"},
		RecommendedActions: []string{
			"Verify the successful logon is legitimate",
			"Consider locking the targeted account",
		},
		DetectedAt: now,
	}
}

// detectBurst finds clusters of >=6 events of one type inside a 2 minute
// span. Events must be sorted by time ascending; one correlation is emitted
// per cluster.
func detectBursts(events []*core.SecurityEvent, now time.Time) []*core.Correlation {
	byType := make(map[core.SecurityEventType][]*core.SecurityEvent)
	for _, ev := range events {
		byType[ev.EventType] = append(byType[ev.EventType], ev)
	}

	var out []*core.Correlation
	for eventType, typed := range byType {
		sort.SliceStable(typed, func(i, j int) bool {
			return typed[i].Original.Time.Before(typed[j].Original.Time)
		})

		var cluster []*core.SecurityEvent
		flush := func() {
			if len(cluster) >= burstMinEvents {
				out = append(out, burstCorrelation(eventType, cluster, now))
			}
			cluster = nil
		}
		for _, ev := range typed {
			if len(cluster) > 0 && ev.Original.Time.Sub(cluster[0].Original.Time) > burstWindow {
				flush()
			}
			cluster = append(cluster, ev)
		}
		flush()
	}
	return out
}

func burstCorrelation(eventType core.SecurityEventType, cluster []*core.SecurityEvent, now time.Time) *core.Correlation {
	n := len(cluster)
	bonus := float64(n-burstMinEvents) * 0.02
	if bonus > 0.15 {
		bonus = 0.15
	}

	ids := make([]string, 0, n)
	risk := core.RiskLow
	for _, ev := range cluster {
		ids = append(ids, ev.ID)
		risk = core.MaxRisk(risk, ev.RiskLevel)
	}

	return &core.Correlation{
		ID:         uuid.NewString(),
		Type:       core.CorrelationTemporalBurst,
		Confidence: 0.8 + bonus,
		Pattern:    string(eventType) + " burst",
		EventIDs:   ids,
		TimeWindow: burstWindow,
		RiskLevel:  risk,
		RecommendedActions: []string{
			"Investigate burst pattern for automation",
		},
		DetectedAt: now,
	}
}

// detectLateralMovement finds >=3 network connections from one user across
// >=3 distinct hosts inside the window.
func detectLateralMovement(user string, events []*core.SecurityEvent, now time.Time) *core.Correlation {
	hosts := make(map[string]struct{})
	var ids []string
	for _, ev := range events {
		if ev.EventType != core.EventNetworkConnection || ev.Original.User != user {
			continue
		}
		hosts[ev.Original.Host] = struct{}{}
		ids = append(ids, ev.ID)
	}
	if len(ids) < lateralMinConns || len(hosts) < lateralMinHosts {
		return nil
	}

	confidence := 0.75 + 0.05*float64(len(hosts)-lateralMinHosts)
	if confidence > 0.9 {
		confidence = 0.9
	}

	return &core.Correlation{
		ID:              uuid.NewString(),
		Type:            core.CorrelationLateralMovement,
		Confidence:      confidence,
		Pattern:         "network connections from " + user + " across multiple hosts",
		EventIDs:        ids,
		TimeWindow:      lateralWindow,
		RiskLevel:       core.RiskHigh,
		MITRETechniques: []string{"T1021"},
		RecommendedActions: []string{
			"Investigate lateral movement across systems",
		},
		DetectedAt: now,
	}
}

// chainStages is the ordered attack chain the detector looks for. The final
// stage accepts either event type.
var chainStages = []struct {
	name  string
	types []core.SecurityEventType
}{
	{"initial_access", []core.SecurityEventType{core.EventAuthenticationSuccess}},
	{"privilege_escalation", []core.SecurityEventType{core.EventPrivilegeEscalation}},
	{"execution", []core.SecurityEventType{core.EventNetworkConnection, core.EventProcessCreation}},
}

// detectAttackChain matches the ordered stages on one host's events inside
// the window. Events must be sorted by time ascending.
func detectAttackChain(host string, events []*core.SecurityEvent, window time.Duration, now time.Time) *core.Correlation {
	if window <= 0 {
		window = attackChainWindow
	}

	var matched []*core.SecurityEvent
	stage := 0
	for _, ev := range events {
		if ev.Original.Host != host || stage >= len(chainStages) {
			continue
		}
		if len(matched) > 0 && ev.Original.Time.Sub(matched[0].Original.Time) > window {
			break
		}
		for _, t := range chainStages[stage].types {
			if ev.EventType == t {
				matched = append(matched, ev)
				stage++
				break
			}
		}
	}
	if stage < len(chainStages) {
		return nil
	}

	confidence := attackChainBaseConf + attackChainStageConf*float64(len(matched)-len(chainStages))
	if confidence > 0.95 {
		confidence = 0.95
	}

	ids := make([]string, 0, len(matched))
	for _, ev := range matched {
		ids = append(ids, ev.ID)
	}

	return &core.Correlation{
		ID:               uuid.NewString(),
		Type:             core.CorrelationAttackChain,
		Confidence:       confidence,
		Pattern:          "logon, privilege escalation, and execution chain on " + host,
		EventIDs:         ids,
		TimeWindow:       window,
		RiskLevel:        core.RiskHigh,
		MITRETechniques:  []string{"T1078", "T1548"},
		AttackChainStage: chainStages[len(chainStages)-1].name,
		RecommendedActions: []string{
			"Investigate entire attack sequence",
		},
		DetectedAt: now,
	}
}
