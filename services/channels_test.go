package services

import (
	"testing"

	"github.com/incidentops/courier/db"
	"github.com/stretchr/testify/assert"
)

func TestResolveChannelsRuleChannelsWin(t *testing.T) {
	rules := []db.RoutingRule{
		{ID: "a", Enabled: true, Actions: []db.RoutingAction{
			{Type: db.ActionSendNotification, Channel: db.ChannelPager},
			{Type: db.ActionSendNotification, Channel: db.ChannelChat},
		}},
		{ID: "b", Enabled: true, Actions: []db.RoutingAction{
			{Type: db.ActionSendNotification, Channel: db.ChannelChat}, // duplicate
		}},
	}
	prefs := &db.NotificationPreferences{Channels: []string{db.ChannelEmail}}

	channels := ResolveChannels(db.Stakeholder{}, db.SeverityLow, prefs, rules)

	assert.Equal(t, []string{db.ChannelPager, db.ChannelChat}, channels)
}

func TestResolveChannelsPreferencesBeforeStakeholder(t *testing.T) {
	st := db.Stakeholder{NotificationPreferences: []string{db.ChannelSMS}}
	prefs := &db.NotificationPreferences{Channels: []string{db.ChannelEmail}}

	assert.Equal(t, []string{db.ChannelEmail}, ResolveChannels(st, db.SeverityLow, prefs, nil))
	assert.Equal(t, []string{db.ChannelSMS}, ResolveChannels(st, db.SeverityLow, nil, nil))
}

func TestResolveChannelsSeverityDefaults(t *testing.T) {
	tests := []struct {
		name     string
		severity string
		st       db.Stakeholder
		want     []string
	}{
		{"critical", db.SeverityCritical, db.Stakeholder{}, []string{db.ChannelChat, db.ChannelEmail, db.ChannelSMS}},
		{"high", db.SeverityHigh, db.Stakeholder{}, []string{db.ChannelChat, db.ChannelEmail}},
		{"high priority stakeholder", db.SeverityLow, db.Stakeholder{Priority: db.StakeholderPriorityHigh}, []string{db.ChannelChat, db.ChannelEmail}},
		{"medium", db.SeverityMedium, db.Stakeholder{}, []string{db.ChannelChat}},
		{"low", db.SeverityLow, db.Stakeholder{}, []string{db.ChannelEmail}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveChannels(tt.st, tt.severity, nil, nil))
		})
	}
}

func TestResolveChannelsIgnoresNonSendActions(t *testing.T) {
	rules := []db.RoutingRule{
		{ID: "esc", Enabled: true, Actions: []db.RoutingAction{
			{Type: db.ActionEscalate, EscalationChannel: db.ChannelPager},
		}},
	}

	// An escalate action carries no send channel; fall through to defaults.
	assert.Equal(t, []string{db.ChannelEmail}, ResolveChannels(db.Stakeholder{}, db.SeverityLow, nil, rules))
}
