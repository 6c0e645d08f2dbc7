package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	SettingLoadedMaterials = "loaded_materials"
	SettingRetryOnPause    = "retry_on_pause"
	SettingAuthPassword    = "auth_password_hash"
	SettingAuthSecret      = "auth_jwt_secret"
)

func (s *Store) GetSetting(ctx context.Context, key string) (*Setting, error) {
	st := &Setting{Key: key}
	err := s.db.QueryRowContext(ctx, GetSetting, key).Scan(&st.Value, &st.Encrypted, &st.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return st, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string, encrypted bool) error {
	_, err := s.db.ExecContext(ctx, SetSetting, key, value, encrypted, value, encrypted)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, DeleteSetting, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

// LoadedMaterials returns the material identifiers currently loaded on
// the printer, or nil when none have been recorded.
func (s *Store) LoadedMaterials(ctx context.Context) ([]string, error) {
	st, err := s.GetSetting(ctx, SettingLoadedMaterials)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var materials []string
	if err := json.Unmarshal([]byte(st.Value), &materials); err != nil {
		return nil, fmt.Errorf("failed to decode loaded materials: %w", err)
	}
	return materials, nil
}

func (s *Store) SetLoadedMaterials(ctx context.Context, materials []string) error {
	return s.SetSetting(ctx, SettingLoadedMaterials, encodeList(materials), false)
}

func (s *Store) CreateWebhook(ctx context.Context, w *Webhook) error {
	result, err := s.db.ExecContext(ctx, InsertWebhook,
		w.Name, w.URL, w.Secret, w.EventsJSON, w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get webhook id: %w", err)
	}
	w.ID = id
	return nil
}

// NewWebhook builds a webhook subscribed to the given events.
func NewWebhook(name, url, secret string, events []string) *Webhook {
	sorted := append([]string(nil), events...)
	sort.Strings(sorted)
	return &Webhook{
		Name:       name,
		URL:        url,
		Secret:     secret,
		EventsJSON: encodeList(sorted),
		Enabled:    true,
	}
}

func (s *Store) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	return s.queryWebhooks(ctx, ListWebhooks)
}

func (s *Store) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*Webhook, error) {
	pattern := "%\"" + event + "\"%"
	return s.queryWebhooks(ctx, ListWebhooksForEvent, pattern)
}

func (s *Store) queryWebhooks(ctx context.Context, query string, args ...any) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		w := &Webhook{}
		if err := rows.Scan(
			&w.ID, &w.Name, &w.URL, &w.Secret, &w.EventsJSON, &w.Enabled, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (s *Store) DeleteWebhook(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, DeleteWebhook, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}
