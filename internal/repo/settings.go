package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"jorbline/internal/config"
	"jorbline/internal/domain"
)

// Singleton settings keys.
const (
	SettingLastBriefedAt = "last_briefed_at"
	SettingPolicyConfig  = "policy_config"
)

func (r Repo) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetSetting(ctx context.Context, key, value string) error {
	return setSetting(ctx, r.DB, key, value)
}

func (r Repo) SetSettingTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	return setSetting(ctx, tx, key, value)
}

func setSetting(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO settings(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, domain.Timestamp(time.Now()))
	return err
}

// UpsertConfig stores the effective configuration as the singleton policy row.
func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.SetSetting(ctx, SettingPolicyConfig, string(payload))
}

func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	payload, err := r.GetSetting(ctx, SettingPolicyConfig)
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if err := json.Unmarshal([]byte(payload), cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}
