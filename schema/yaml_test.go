package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAMLRegistersTypesAndFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	content := `
event_types:
  - name: process_exec
    id: 1
  - name: network_connect
    id: 2
fields:
  - path: process.name
    id: 100
    type: string
  - path: pid
    id: 101
    type: i64
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg, err := LoadYAML(path)
	require.NoError(t, err)

	id, ok := reg.EventTypeID("process_exec")
	require.True(t, ok)
	assert.EqualValues(t, 1, id)

	fid, ok := reg.FieldID("pid")
	require.True(t, ok)
	def, ok := reg.Field(fid)
	require.True(t, ok)
	assert.Equal(t, TypeI64, def.DataType)
}

func TestLoadYAMLRejectsUnknownFieldType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fields:\n  - path: x\n    id: 1\n    type: bogus\n"), 0o600))

	_, err := LoadYAML(path)
	assert.Error(t, err)
}

func TestLoadYAMLReturnsErrorForMissingFile(t *testing.T) {
	_, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
