package rules

import "github.com/MLidstrom/Castellan-sub009/internal/core"

// Channel names used by the default rule set.
const (
	ChannelSecurity   = "Security"
	ChannelSystem     = "System"
	ChannelSysmon     = "Microsoft-Windows-Sysmon/Operational"
	ChannelPowerShell = "Microsoft-Windows-PowerShell/Operational"
)

// DefaultRules is the built-in classification table served when the rule
// store is empty. Event ids follow the Windows Security, System, Sysmon,
// and PowerShell channels.
func DefaultRules() []core.SecurityEventRule {
	return []core.SecurityEventRule{
		{
			EventID: 4624, Channel: ChannelSecurity,
			EventType: core.EventAuthenticationSuccess,
			BaseRisk:  core.RiskMedium, BaseConfidence: 85,
			SummaryTemplate:    "An account was successfully logged on",
			MITRETechniques:    []string{"T1078"},
			RecommendedActions: []string{"Verify logon source", "Review account activity"},
			Priority:           100, Enabled: true,
		},
		{
			EventID: 4625, Channel: ChannelSecurity,
			EventType: core.EventAuthenticationFailure,
			BaseRisk:  core.RiskMedium, BaseConfidence: 80,
			SummaryTemplate:    "An account failed to log on",
			MITRETechniques:    []string{"T1110"},
			RecommendedActions: []string{"Check for repeated failures", "Verify account lockout policy"},
			Priority:           100, Enabled: true,
		},
		{
			EventID: 4672, Channel: ChannelSecurity,
			EventType: core.EventPrivilegeEscalation,
			BaseRisk:  core.RiskHigh, BaseConfidence: 85,
			SummaryTemplate:    "Special privileges assigned to new logon",
			MITRETechniques:    []string{"T1548", "T1134"},
			RecommendedActions: []string{"Confirm administrative logon is expected"},
			Priority:           100, Enabled: true,
		},
		{
			EventID: 4688, Channel: ChannelSecurity,
			EventType: core.EventProcessCreation,
			BaseRisk:  core.RiskLow, BaseConfidence: 70,
			SummaryTemplate:    "A new process has been created",
			MITRETechniques:    []string{"T1059"},
			RecommendedActions: []string{"Review process command line"},
			Priority:           90, Enabled: true,
		},
		{
			EventID: 4697, Channel: ChannelSecurity,
			EventType: core.EventServiceInstallation,
			BaseRisk:  core.RiskHigh, BaseConfidence: 85,
			SummaryTemplate:    "A service was installed in the system",
			MITRETechniques:    []string{"T1543.003"},
			RecommendedActions: []string{"Verify service binary path and signer"},
			Priority:           100, Enabled: true,
		},
		{
			EventID: 4698, Channel: ChannelSecurity,
			EventType: core.EventScheduledTask,
			BaseRisk:  core.RiskMedium, BaseConfidence: 80,
			SummaryTemplate:    "A scheduled task was created",
			MITRETechniques:    []string{"T1053.005"},
			RecommendedActions: []string{"Review task action and trigger"},
			Priority:           100, Enabled: true,
		},
		{
			EventID: 4719, Channel: ChannelSecurity,
			EventType: core.EventSecurityPolicyChange,
			BaseRisk:  core.RiskHigh, BaseConfidence: 85,
			SummaryTemplate:    "System audit policy was changed",
			MITRETechniques:    []string{"T1562.002"},
			RecommendedActions: []string{"Confirm policy change was authorized"},
			Priority:           100, Enabled: true,
		},
		{
			EventID: 4720, Channel: ChannelSecurity,
			EventType: core.EventAccountManagement,
			BaseRisk:  core.RiskMedium, BaseConfidence: 80,
			SummaryTemplate:    "A user account was created",
			MITRETechniques:    []string{"T1136.001"},
			RecommendedActions: []string{"Verify account creation was requested"},
			Priority:           100, Enabled: true,
		},
		{
			EventID: 1102, Channel: ChannelSecurity,
			EventType: core.EventSuspiciousActivity,
			BaseRisk:  core.RiskCritical, BaseConfidence: 90,
			SummaryTemplate:    "The audit log was cleared",
			MITRETechniques:    []string{"T1070.001"},
			RecommendedActions: []string{"Investigate who cleared the log", "Preserve remaining evidence"},
			Priority:           110, Enabled: true,
		},
		{
			EventID: 7045, Channel: ChannelSystem,
			EventType: core.EventServiceInstallation,
			BaseRisk:  core.RiskHigh, BaseConfidence: 85,
			SummaryTemplate:    "A new service was installed",
			MITRETechniques:    []string{"T1543.003"},
			RecommendedActions: []string{"Verify service binary path and signer"},
			Priority:           100, Enabled: true,
		},
		{
			EventID: 6005, Channel: ChannelSystem,
			EventType: core.EventSystemStartup,
			BaseRisk:  core.RiskLow, BaseConfidence: 95,
			SummaryTemplate: "The event log service was started",
			Priority:        50, Enabled: true,
		},
		{
			EventID: 6006, Channel: ChannelSystem,
			EventType: core.EventSystemShutdown,
			BaseRisk:  core.RiskLow, BaseConfidence: 95,
			SummaryTemplate: "The event log service was stopped",
			Priority:        50, Enabled: true,
		},
		{
			EventID: 1, Channel: ChannelSysmon,
			EventType: core.EventProcessCreation,
			BaseRisk:  core.RiskLow, BaseConfidence: 75,
			SummaryTemplate:    "Process creation detected",
			MITRETechniques:    []string{"T1059"},
			RecommendedActions: []string{"Review process ancestry"},
			Priority:           90, Enabled: true,
		},
		{
			EventID: 3, Channel: ChannelSysmon,
			EventType: core.EventNetworkConnection,
			BaseRisk:  core.RiskLow, BaseConfidence: 70,
			SummaryTemplate:    "Network connection detected",
			MITRETechniques:    []string{"T1046"},
			RecommendedActions: []string{"Review destination address"},
			Priority:           90, Enabled: true,
		},
		{
			EventID: 4104, Channel: ChannelPowerShell,
			EventType: core.EventPowerShellExecution,
			BaseRisk:  core.RiskMedium, BaseConfidence: 75,
			SummaryTemplate:    "PowerShell script block executed",
			MITRETechniques:    []string{"T1059.001"},
			RecommendedActions: []string{"Review script block contents"},
			Priority:           100, Enabled: true,
		},
	}
}
