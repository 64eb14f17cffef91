package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/incidentops/courier/db"
)

// ErrPreferencesNotFound is returned when a team has no stored preferences.
var ErrPreferencesNotFound = errors.New("notification preferences not found")

// PreferencesService stores per-team notification preferences in Postgres with
// a Redis read-through cache. The cache is invalidated on every write, so a
// routing decision never sees preferences older than the TTL.
type PreferencesService struct {
	PG       *sql.DB
	Redis    *redis.Client
	CacheTTL time.Duration
}

func NewPreferencesService(pg *sql.DB, rdb *redis.Client, cacheTTL time.Duration) *PreferencesService {
	return &PreferencesService{PG: pg, Redis: rdb, CacheTTL: cacheTTL}
}

func prefsCacheKey(teamID string) string {
	return "courier:prefs:" + teamID
}

// GetPreferences returns the stored preferences of one team, or
// ErrPreferencesNotFound.
func (s *PreferencesService) GetPreferences(ctx context.Context, teamID string) (*db.NotificationPreferences, error) {
	if s.Redis != nil {
		if data, err := s.Redis.Get(ctx, prefsCacheKey(teamID)).Bytes(); err == nil {
			var prefs db.NotificationPreferences
			if err := json.Unmarshal(data, &prefs); err == nil {
				return &prefs, nil
			}
			// Corrupt cache entry, fall through to the database.
		} else if err != redis.Nil {
			log.Printf("PreferencesService: cache read for team %s failed: %v", teamID, err)
		}
	}

	prefs, err := s.getFromDB(ctx, teamID)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, prefs)
	return prefs, nil
}

func (s *PreferencesService) getFromDB(ctx context.Context, teamID string) (*db.NotificationPreferences, error) {
	var prefs db.NotificationPreferences
	var channelsJSON, thresholdsJSON []byte
	var quietJSON sql.NullString

	err := s.PG.QueryRowContext(ctx, `
		SELECT team_id, channels, severity_thresholds, quiet_hours,
		       escalation_delay_minutes, updated_at
		FROM notification_preferences WHERE team_id = $1
	`, teamID).Scan(
		&prefs.TeamID, &channelsJSON, &thresholdsJSON, &quietJSON,
		&prefs.EscalationDelayMinutes, &prefs.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPreferencesNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	if err := json.Unmarshal(channelsJSON, &prefs.Channels); err != nil {
		return nil, fmt.Errorf("failed to parse channels for team %s: %w", teamID, err)
	}
	if err := json.Unmarshal(thresholdsJSON, &prefs.SeverityThresholds); err != nil {
		return nil, fmt.Errorf("failed to parse severity thresholds for team %s: %w", teamID, err)
	}
	if quietJSON.Valid && quietJSON.String != "" {
		var qh db.QuietHours
		if err := json.Unmarshal([]byte(quietJSON.String), &qh); err != nil {
			return nil, fmt.Errorf("failed to parse quiet hours for team %s: %w", teamID, err)
		}
		prefs.QuietHours = &qh
	}

	return &prefs, nil
}

// UpsertPreferences stores (or replaces) a team's preferences and drops the
// cache entry.
func (s *PreferencesService) UpsertPreferences(ctx context.Context, prefs *db.NotificationPreferences) error {
	channelsJSON, err := json.Marshal(prefs.Channels)
	if err != nil {
		return fmt.Errorf("failed to serialize channels: %w", err)
	}
	thresholdsJSON, err := json.Marshal(prefs.SeverityThresholds)
	if err != nil {
		return fmt.Errorf("failed to serialize severity thresholds: %w", err)
	}
	var quietJSON interface{}
	if prefs.QuietHours != nil {
		data, err := json.Marshal(prefs.QuietHours)
		if err != nil {
			return fmt.Errorf("failed to serialize quiet hours: %w", err)
		}
		quietJSON = string(data)
	}

	_, err = s.PG.ExecContext(ctx, `
		INSERT INTO notification_preferences
			(team_id, channels, severity_thresholds, quiet_hours, escalation_delay_minutes, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (team_id) DO UPDATE SET
			channels = EXCLUDED.channels,
			severity_thresholds = EXCLUDED.severity_thresholds,
			quiet_hours = EXCLUDED.quiet_hours,
			escalation_delay_minutes = EXCLUDED.escalation_delay_minutes,
			updated_at = NOW()
	`, prefs.TeamID, channelsJSON, thresholdsJSON, quietJSON, prefs.EscalationDelayMinutes)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}

	s.invalidate(ctx, prefs.TeamID)
	return nil
}

// DeletePreferences removes a team's preferences; the team falls back to the
// severity defaults afterwards.
func (s *PreferencesService) DeletePreferences(ctx context.Context, teamID string) error {
	result, err := s.PG.ExecContext(ctx,
		`DELETE FROM notification_preferences WHERE team_id = $1`, teamID)
	if err != nil {
		return fmt.Errorf("failed to delete preferences: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return ErrPreferencesNotFound
	}

	s.invalidate(ctx, teamID)
	return nil
}

func (s *PreferencesService) cache(ctx context.Context, prefs *db.NotificationPreferences) {
	if s.Redis == nil {
		return
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	if err := s.Redis.Set(ctx, prefsCacheKey(prefs.TeamID), data, s.CacheTTL).Err(); err != nil {
		log.Printf("PreferencesService: cache write for team %s failed: %v", prefs.TeamID, err)
	}
}

func (s *PreferencesService) invalidate(ctx context.Context, teamID string) {
	if s.Redis == nil {
		return
	}
	if err := s.Redis.Del(ctx, prefsCacheKey(teamID)).Err(); err != nil {
		log.Printf("PreferencesService: cache invalidation for team %s failed: %v", teamID, err)
	}
}
