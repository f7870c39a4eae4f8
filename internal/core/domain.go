// Package core defines the domain types shared by the Castellan event
// pipeline: raw log records, normalized security events, correlations,
// response actions, and channel bookmarks.
package core

import "time"

// RiskLevel classifies the severity of a security event or correlation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the ordinal position of the risk level, low first.
// Unknown levels rank below low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// MaxRisk returns the higher of two risk levels. Enrichment uses this so a
// correlation upgrade can never downgrade an event's risk.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// SecurityEventType is the closed classification set produced by the
// normalizer's rule table.
type SecurityEventType string

const (
	EventAuthenticationSuccess SecurityEventType = "AuthenticationSuccess"
	EventAuthenticationFailure SecurityEventType = "AuthenticationFailure"
	EventPrivilegeEscalation   SecurityEventType = "PrivilegeEscalation"
	EventAccountManagement     SecurityEventType = "AccountManagement"
	EventProcessCreation       SecurityEventType = "ProcessCreation"
	EventServiceInstallation   SecurityEventType = "ServiceInstallation"
	EventScheduledTask         SecurityEventType = "ScheduledTask"
	EventSecurityPolicyChange  SecurityEventType = "SecurityPolicyChange"
	EventNetworkConnection     SecurityEventType = "NetworkConnection"
	EventPowerShellExecution   SecurityEventType = "PowerShellExecution"
	EventSystemStartup         SecurityEventType = "SystemStartup"
	EventSystemShutdown        SecurityEventType = "SystemShutdown"
	EventSuspiciousActivity    SecurityEventType = "SuspiciousActivity"
	EventUnknown               SecurityEventType = "Unknown"
)

// RawRecord is an opaque record as delivered by an OS event-log channel.
// Records are immutable; the watcher owns them until they are enqueued.
type RawRecord struct {
	ID       string    `json:"id"`
	Channel  string    `json:"channel"`
	EventID  int       `json:"event_id"`
	Provider string    `json:"provider"`
	Level    string    `json:"level"`
	Time     time.Time `json:"time"`
	Host     string    `json:"host"`
	User     string    `json:"user"`
	Message  string    `json:"message"`
	XML      string    `json:"xml,omitempty"`
}

// LogEvent is the normalized view of a RawRecord. UniqueID is stable across
// redeliveries of the same source record and is the dedup key at the event
// store.
type LogEvent struct {
	Time     time.Time `json:"time"`
	Host     string    `json:"host"`
	Channel  string    `json:"channel"`
	EventID  int       `json:"event_id"`
	Level    string    `json:"level"`
	User     string    `json:"user"`
	Message  string    `json:"message"`
	RawJSON  string    `json:"raw_json,omitempty"`
	UniqueID string    `json:"unique_id"`
}

// SecurityEvent is the core pipeline output: a classified LogEvent with risk,
// confidence, and MITRE context. The correlation engine may enrich it after
// the fact, in which case IsEnhanced is set and risk is only ever upgraded.
type SecurityEvent struct {
	ID                 string            `json:"id"`
	Original           LogEvent          `json:"original"`
	EventType          SecurityEventType `json:"event_type"`
	RiskLevel          RiskLevel         `json:"risk_level"`
	Confidence         int               `json:"confidence"` // 0-100
	Summary            string            `json:"summary"`
	MITRETechniques    []string          `json:"mitre_techniques,omitempty"`
	RecommendedActions []string          `json:"recommended_actions,omitempty"`
	IsDeterministic    bool              `json:"is_deterministic"`
	IsCorrelationBased bool              `json:"is_correlation_based"`
	IsEnhanced         bool              `json:"is_enhanced"`
	CorrelationIDs     []string          `json:"correlation_ids,omitempty"`
	CorrelationContext string            `json:"correlation_context,omitempty"`
	CorrelationScore   float64           `json:"correlation_score,omitempty"` // 0-1
}

// SecurityEventRule maps a (channel, event id) pair to a classification
// template. Only enabled rules participate in matching; the rule store orders
// them by priority DESC, event id ASC.
type SecurityEventRule struct {
	EventID            int               `json:"event_id"`
	Channel            string            `json:"channel"`
	EventType          SecurityEventType `json:"event_type"`
	BaseRisk           RiskLevel         `json:"base_risk"`
	BaseConfidence     int               `json:"base_confidence"`
	SummaryTemplate    string            `json:"summary_template"`
	MITRETechniques    []string          `json:"mitre_techniques,omitempty"`
	RecommendedActions []string          `json:"recommended_actions,omitempty"`
	Priority           int               `json:"priority"`
	Enabled            bool              `json:"enabled"`
}

// CorrelationType identifies which detector produced a correlation.
type CorrelationType string

const (
	CorrelationAttackChain     CorrelationType = "AttackChain"
	CorrelationBruteForce      CorrelationType = "BruteForce"
	CorrelationLateralMovement CorrelationType = "LateralMovement"
	CorrelationTemporalBurst   CorrelationType = "TemporalBurst"
	CorrelationMLDetected      CorrelationType = "MLDetected"
)

// Correlation is a higher-order finding over a set of stored events.
// Correlations are append-only; events are referenced by id only.
type Correlation struct {
	ID                 string          `json:"id"`
	Type               CorrelationType `json:"type"`
	Confidence         float64         `json:"confidence"` // 0-1
	Pattern            string          `json:"pattern"`
	EventIDs           []string        `json:"event_ids"`
	TimeWindow         time.Duration   `json:"time_window"`
	RiskLevel          RiskLevel       `json:"risk_level"`
	MITRETechniques    []string        `json:"mitre_techniques,omitempty"`
	RecommendedActions []string        `json:"recommended_actions,omitempty"`
	AttackChainStage   string          `json:"attack_chain_stage,omitempty"`
	DetectedAt         time.Time       `json:"detected_at"`
}

// CorrelationRule gates a detector behind an enable flag and a minimum
// confidence threshold.
type CorrelationRule struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Enabled       bool    `json:"enabled"`
	MinConfidence float64 `json:"min_confidence"`
}

// ActionStatus is the lifecycle state of a response action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "Pending"
	ActionExecuted   ActionStatus = "Executed"
	ActionRolledBack ActionStatus = "RolledBack"
	ActionFailed     ActionStatus = "Failed"
	ActionExpired    ActionStatus = "Expired"
)

// ActionLogEntry is one structured line in an action's execution log.
// The log is append-only.
type ActionLogEntry struct {
	Time    time.Time `json:"time"`
	Stage   string    `json:"stage"` // suggest, execute, rollback, expire
	Message string    `json:"message"`
}

// ActionExecution tracks a suggested response action through its lifecycle.
// Valid transitions: Pending -> Executed | Failed | Expired,
// Executed -> RolledBack. Everything else is forbidden.
type ActionExecution struct {
	ID                  string                 `json:"id"`
	ConversationID      string                 `json:"conversation_id"`
	SuggestingMessageID string                 `json:"suggesting_message_id"`
	Type                string                 `json:"type"`
	ActionData          map[string]interface{} `json:"action_data"`
	Status              ActionStatus           `json:"status"`
	SuggestedAt         time.Time              `json:"suggested_at"`
	ExecutedAt          *time.Time             `json:"executed_at,omitempty"`
	RolledBackAt        *time.Time             `json:"rolled_back_at,omitempty"`
	ExecutedBy          string                 `json:"executed_by,omitempty"`
	RolledBackBy        string                 `json:"rolled_back_by,omitempty"`
	RollbackReason      string                 `json:"rollback_reason,omitempty"`
	BeforeState         string                 `json:"before_state,omitempty"`
	AfterState          string                 `json:"after_state,omitempty"`
	ExecutionLog        []ActionLogEntry       `json:"execution_log,omitempty"`
}

// EventBookmark is an opaque per-channel resume token. The store preserves
// Token byte-for-byte.
type EventBookmark struct {
	Channel     string    `json:"channel"`
	Token       []byte    `json:"token"`
	LastUpdated time.Time `json:"last_updated"`
}
