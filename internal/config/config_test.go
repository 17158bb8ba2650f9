package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 100.0, cfg.Policy.MaxSpendWithoutApproval)
	require.Equal(t, []string{"purchase", "commit", "cancel", "share_info"}, cfg.Policy.RequireApprovalFor)
	require.Equal(t, 60*time.Second, cfg.DebounceFor("chat"))
	require.Equal(t, time.Duration(0), cfg.DebounceFor("email"))
	require.Equal(t, 3, cfg.Context.ResetAfterDays)
	require.Equal(t, 20, cfg.Policy.RateLimits["sms"].PerHour)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
policy:
  max_spend_without_approval: 25
debounce:
  chat: 5s
`))
	require.NoError(t, err)
	require.Equal(t, 25.0, cfg.Policy.MaxSpendWithoutApproval)
	require.Equal(t, 5*time.Second, cfg.DebounceFor("chat"))
	require.Equal(t, 30*time.Second, cfg.DebounceFor("sms"))
	require.Equal(t, 90*time.Second, cfg.Runner.OracleTimeout)
}

func TestValidateRejectsUnknownChannel(t *testing.T) {
	_, err := FromYAML([]byte("debounce:\n  fax: 1s\n"))
	require.ErrorContains(t, err, "unknown channel fax")
}

func TestValidateRejectsNegativeSpend(t *testing.T) {
	_, err := FromYAML([]byte("policy:\n  max_spend_without_approval: -1\n"))
	require.Error(t, err)
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jorbline.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "gemini-2.5-flash", cfg.Oracle.Model)

	_, err = Load(t.TempDir())
	require.ErrorContains(t, err, "not found")
}
