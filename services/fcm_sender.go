package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/incidentops/courier/db"
	"google.golang.org/api/option"
)

// FCMSender delivers push-channel notifications through Firebase Cloud
// Messaging. Device tokens are registered per team in the device_tokens table.
type FCMSender struct {
	PG     *sql.DB
	client *messaging.Client
}

// NewFCMSender initializes the Firebase Admin SDK from the service account key
// file. A missing or invalid key is not fatal at startup: the sender stays
// registered and reports a permanent error per send, so other channels keep
// working.
func NewFCMSender(pg *sql.DB, credentialsFile string) (*FCMSender, error) {
	sender := &FCMSender{PG: pg}

	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		log.Printf("FCMSender: Firebase app not initialized: %v (push channel disabled)", err)
		return sender, nil
	}

	client, err := app.Messaging(context.Background())
	if err != nil {
		log.Printf("FCMSender: messaging client not initialized: %v (push channel disabled)", err)
		return sender, nil
	}

	sender.client = client
	log.Println("FCMSender: Firebase messaging initialized")
	return sender, nil
}

func (s *FCMSender) Send(ctx context.Context, channel string, st db.Stakeholder, message string) (string, error) {
	if s.client == nil {
		return "", NewPermanentChannelError(channel, fmt.Errorf("firebase messaging not initialized"))
	}

	tokens, err := s.teamTokens(ctx, st.TeamID)
	if err != nil {
		return "", NewTransientChannelError(channel, err)
	}
	if len(tokens) == 0 {
		return "", NewPermanentChannelError(channel, fmt.Errorf("no device tokens registered for team %s", st.TeamID))
	}

	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: fmt.Sprintf("[%s]", strings.ToUpper(st.TeamID)),
			Body:  message,
		},
		Data: map[string]string{
			"team_id": st.TeamID,
			"role":    st.Role,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:        "default",
				ChannelID:    "high_importance_channel",
				Priority:     messaging.PriorityHigh,
				DefaultSound: true,
			},
		},
	}

	resp, err := s.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return "", NewTransientChannelError(channel, err)
	}
	if resp.SuccessCount == 0 {
		return "", NewTransientChannelError(channel,
			fmt.Errorf("all %d push sends failed for team %s", resp.FailureCount, st.TeamID))
	}

	log.Printf("FCMSender: delivered push to %d/%d devices of team %s",
		resp.SuccessCount, len(tokens), st.TeamID)

	// Use the first successful provider message id as the external reference.
	for _, r := range resp.Responses {
		if r.Success {
			return r.MessageID, nil
		}
	}
	return "", nil
}

func (s *FCMSender) teamTokens(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT token FROM device_tokens
		WHERE team_id = $1 AND token IS NOT NULL AND token != ''
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("error fetching device tokens: %v", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
