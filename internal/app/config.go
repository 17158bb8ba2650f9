package app

import (
	"context"
	"errors"
	"fmt"

	"jorbline/internal/config"
	"jorbline/internal/repo"
)

// ResolveConfig returns the effective configuration and stores it as the
// singleton policy row. A jorbline.yml in the workspace wins; otherwise
// the stored row is used, and a fresh database is seeded with defaults.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if err := r.UpsertConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return cfg, nil
	}
	cfg, err = r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg = config.Default()
	if err := r.UpsertConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return cfg, nil
}
