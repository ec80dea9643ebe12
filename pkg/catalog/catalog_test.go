package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hydra/pkg/types"
)

func testNodes() []types.NodeDescriptor {
	return []types.NodeDescriptor{
		{Name: "hydra", Role: types.NodeRoleControlPlane, StorageClass: "hydra-hot"},
		{Name: "gpu-node-a", Role: types.NodeRoleTraining, GPUEnabled: true, StorageClass: "hydra-gpu"},
	}
}

func TestLoadRequiresDefaultPreset(t *testing.T) {
	cat, err := Load("", testNodes(), types.ApprovalThresholds{MaxMemoryGB: 4, MaxCPUs: 2, MaxStorage: 20})
	require.NoError(t, err)

	p, ok := cat.Preset(DefaultPresetName)
	require.True(t, ok)
	assert.Equal(t, DefaultPresetName, p.Name)

	// An override catalog without the default preset is rejected.
	raw, err := json.Marshal(DefaultPresets()[1:])
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "presets.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	_, err = Load(path, testNodes(), types.ApprovalThresholds{})
	require.Error(t, err)
}

func TestLoadRejectsDuplicatePresetNames(t *testing.T) {
	dup := append(DefaultPresets(), DefaultPresets()[0])
	raw, err := json.Marshal(dup)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "presets.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Load(path, testNodes(), types.ApprovalThresholds{})
	require.Error(t, err)
}

func TestMatchesPresetExactFields(t *testing.T) {
	cat, err := Load("", testNodes(), types.ApprovalThresholds{})
	require.NoError(t, err)

	minimal, ok := cat.Preset("minimal")
	require.True(t, ok)

	p, matched := cat.MatchesPreset(minimal.MemoryGB, minimal.CPUs, minimal.StorageGB, minimal.GPUCount)
	require.True(t, matched)
	assert.Equal(t, "minimal", p.Name)

	_, matched = cat.MatchesPreset(999, 999, 999, 99)
	assert.False(t, matched)
}

func TestControlPlaneNode(t *testing.T) {
	cat, err := Load("", testNodes(), types.ApprovalThresholds{})
	require.NoError(t, err)

	n, ok := cat.ControlPlaneNode()
	require.True(t, ok)
	assert.Equal(t, "hydra", n.Name)
}
