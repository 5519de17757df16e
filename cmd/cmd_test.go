package cmd

import (
	"bytes"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/ot2-agent/internal/config"
)

func TestWriteDefinitions_JSON(t *testing.T) {
	reg, _, err := buildRegistry(config.DefaultConfig())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeDefinitions(&buf, reg, "json"))

	var doc struct {
		RegistryHash string `json:"registry_hash"`
		Interfaces   []struct {
			Name     string `json:"name"`
			Kind     string `json:"kind"`
			Blocking bool   `json:"blocking"`
		} `json:"interfaces"`
	}
	require.NoError(t, sonic.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, reg.Hash(), doc.RegistryHash)
	require.Len(t, doc.Interfaces, 5)
	assert.Equal(t, "dummy", doc.Interfaces[0].Name)
	assert.Equal(t, "wash", doc.Interfaces[4].Name)
	assert.True(t, doc.Interfaces[4].Blocking)
}

func TestWriteDefinitions_YAML(t *testing.T) {
	reg, _, err := buildRegistry(config.DefaultConfig())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeDefinitions(&buf, reg, "yaml"))
	assert.Contains(t, buf.String(), "registry_hash: "+reg.Hash())
	assert.Contains(t, buf.String(), "name: stain")
}

func TestWriteDefinitions_UnknownFormat(t *testing.T) {
	reg, _, err := buildRegistry(config.DefaultConfig())
	require.NoError(t, err)
	assert.Error(t, writeDefinitions(&bytes.Buffer{}, reg, "toml"))
}

func TestBuildRegistry_HashIsStable(t *testing.T) {
	a, _, err := buildRegistry(config.DefaultConfig())
	require.NoError(t, err)
	b, _, err := buildRegistry(config.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	t.Cleanup(func() {
		root.SetOut(nil)
		root.SetArgs(nil)
	})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "ot2-agent version "+Version)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	require.NoError(t, runCmd.Flags().Set("url", "ws://lab-7:8090/agi"))
	require.NoError(t, runCmd.Flags().Set("instance-id", "bench-7"))
	require.NoError(t, runCmd.Flags().Set("workers", "8"))

	cfg, err := loadConfig(runCmd)
	require.NoError(t, err)
	assert.Equal(t, "ws://lab-7:8090/agi", cfg.Orchestrator.URL)
	assert.Equal(t, "bench-7", cfg.Agent.InstanceID)
	assert.Equal(t, 8, cfg.Runtime.WorkerPoolSize)
}
