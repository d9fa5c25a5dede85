package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCommand_PrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  size: 7\nbackend:\n  type: endpoint\n"), 0o600))

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)

	var doc map[string]map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, 7, doc["pool"]["size"])
	assert.Equal(t, "endpoint", doc["backend"]["type"])
}

func TestConfigCommand_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  size: 0\n"), 0o600))

	_, err := execute(t, "config", "--config", path)
	assert.Error(t, err)
}

func TestAllocateCommand_RequiresWorker(t *testing.T) {
	_, err := execute(t, "allocate")
	assert.Error(t, err)
}
