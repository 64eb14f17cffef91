package services

import (
	"github.com/incidentops/courier/db"
)

// ResolveChannels merges rule-derived channels, explicit preferences and
// severity defaults into the final channel list. Precedence, highest first:
// rule send_notification channels, preference channels, the stakeholder's
// fallback list, then severity-keyed defaults. The result is deduplicated;
// order follows first appearance.
func ResolveChannels(st db.Stakeholder, severity string, prefs *db.NotificationPreferences, rules []db.RoutingRule) []string {
	if channels := ruleChannels(rules); len(channels) > 0 {
		return channels
	}
	if prefs != nil && len(prefs.Channels) > 0 {
		return dedupeChannels(prefs.Channels)
	}
	if len(st.NotificationPreferences) > 0 {
		return dedupeChannels(st.NotificationPreferences)
	}
	return defaultChannels(severity, st.Priority)
}

func ruleChannels(rules []db.RoutingRule) []string {
	var channels []string
	for _, rule := range rules {
		for _, action := range rule.Actions {
			if action.Type == db.ActionSendNotification && action.Channel != "" {
				channels = append(channels, action.Channel)
			}
		}
	}
	return dedupeChannels(channels)
}

func defaultChannels(severity, stakeholderPriority string) []string {
	switch {
	case severity == db.SeverityCritical:
		return []string{db.ChannelChat, db.ChannelEmail, db.ChannelSMS}
	case severity == db.SeverityHigh || stakeholderPriority == db.StakeholderPriorityHigh:
		return []string{db.ChannelChat, db.ChannelEmail}
	case severity == db.SeverityMedium:
		return []string{db.ChannelChat}
	default:
		return []string{db.ChannelEmail}
	}
}

func dedupeChannels(channels []string) []string {
	seen := make(map[string]bool, len(channels))
	var out []string
	for _, ch := range channels {
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
