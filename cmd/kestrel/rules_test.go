package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/schema"
)

func testSchema() *schema.InMemoryRegistry {
	reg := schema.NewInMemoryRegistry()
	reg.RegisterEventType("process_exec", 1)
	reg.RegisterField("process.name", 100, schema.TypeString)
	return reg
}

func TestLoadRuleFilesParsesEveryEQLFileInDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bash_exec.eql"), []byte(`process_exec where process.name == "bash"`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	rules, err := loadRuleFiles(dir, testSchema())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "bash_exec", rules[0].RuleID)
}

func TestLoadRuleFilesReturnsErrorOnBadSyntax(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.eql"), []byte(`this is not eql`), 0o600))

	_, err := loadRuleFiles(dir, testSchema())
	assert.Error(t, err)
}

func TestBuildEngineLoadsEveryRuleAndReportsStats(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bash_exec.eql"), []byte(`process_exec where process.name == "bash"`), 0o600))

	rules, err := loadRuleFiles(dir, testSchema())
	require.NoError(t, err)

	e, err := buildEngine(config.Default(), rules)
	require.NoError(t, err)

	stats, ok := e.Stats("bash_exec")
	require.True(t, ok)
	assert.False(t, stats.DFABacked)
}
