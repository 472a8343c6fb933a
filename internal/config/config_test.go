package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TENANT_ID", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("RECONCILE_INTERVAL", "not-a-duration")

	cfg := Load()
	assert.Equal(t, DefaultTenantID, cfg.TenantID)
	assert.Equal(t, StoreDriverSQL, cfg.StoreDriver)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
}

func TestLoadNormalizesTenant(t *testing.T) {
	t.Setenv("TENANT_ID", "  Help HomeCare Staging ")
	t.Setenv("STORE_DRIVER", "MEM")

	cfg := Load()
	assert.Equal(t, "help-homecare-staging", cfg.TenantID)
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "billing.yml")
	require.NoError(t, os.WriteFile(path, []byte("billing:\n  unitMinutes: 30\n"), 0o600))

	holder, err := LoadRulesFile(path, zap.NewNop())
	require.NoError(t, err)

	rules := holder.Get()
	assert.Equal(t, 30, rules.UnitMinutes)
	assert.Equal(t, 60, rules.MissingCheckInMinutes)
	assert.Equal(t, 30, rules.CompletionLockSeconds)
	assert.Equal(t, 30*time.Minute, rules.UnitDuration())
}

func TestRulesReloadKeepsDefaultsForMissingKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "billing.yml")
	full := "billing:\n  unitMinutes: 30\n  missingCheckInMinutes: 45\n  completionLockSeconds: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(full), 0o600))

	holder, err := LoadRulesFile(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Rules{UnitMinutes: 30, MissingCheckInMinutes: 45, CompletionLockSeconds: 10}, holder.Get())

	require.NoError(t, os.WriteFile(path, []byte("billing:\n  unitMinutes: 20\n"), 0o600))
	require.Eventually(t, func() bool {
		return holder.Get().UnitMinutes == 20
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, Rules{UnitMinutes: 20, MissingCheckInMinutes: 60, CompletionLockSeconds: 30}, holder.Get())
}

func TestLoadRulesFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "billing.yml")
	require.NoError(t, os.WriteFile(path, []byte("billing:\n  unitMinutes: 0\n"), 0o600))

	_, err := LoadRulesFile(path, zap.NewNop())
	require.Error(t, err)
}

func TestNilHolderReturnsDefaults(t *testing.T) {
	var holder *RulesHolder
	assert.Equal(t, DefaultRules(), holder.Get())
}
