package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSubpackageDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 16, c.StateStore.ShardCount)
	assert.Equal(t, "default", c.Calibration)
	assert.Greater(t, c.DFACache.MaxTotalMemoryBytes, uint64(0))
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("calibration: aggressive\nstate_store:\n  max_per_rule: 500\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "aggressive", c.Calibration)
	assert.Equal(t, 500, c.StateStore.MaxPerRule)
	assert.Equal(t, 16, c.StateStore.ShardCount, "unspecified fields keep their default")
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStrategyWeightsResolvesCalibration(t *testing.T) {
	c := Default()
	c.Calibration = "aggressive"
	w := c.StrategyWeights()
	assert.Greater(t, w.SimpleThreshold, Default().StrategyWeights().SimpleThreshold)
}
