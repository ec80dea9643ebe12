// Package catalog holds the static resource catalog (C1): preset bundles,
// node descriptors and approval thresholds. It is the one component spec.md
// describes as externally managed JSON but that the control plane must load
// and consult on every container operation, so hydra keeps a built-in
// default catalog overridable by the resource_presets_catalog config option
// (a path to a JSON document with the same shape as DefaultPresets).
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/hydra/pkg/types"
)

// DefaultPresets is the built-in preset tier list, used when no
// resource_presets_catalog override is configured.
func DefaultPresets() []types.Preset {
	return []types.Preset{
		{
			Name:           "minimal",
			MemoryGB:       1,
			CPUs:           1,
			StorageGB:      10,
			GPUCount:       0,
			AutoApprovable: true,
			AllowedNodes:   []string{"hydra"},
		},
		{
			Name:           "conservative",
			MemoryGB:       2,
			CPUs:           1,
			StorageGB:      15,
			GPUCount:       0,
			AutoApprovable: true,
			AllowedNodes:   []string{"hydra"},
		},
		{
			Name:           "standard",
			MemoryGB:       4,
			CPUs:           2,
			StorageGB:      20,
			GPUCount:       0,
			AutoApprovable: true,
			AllowedNodes:   []string{"hydra"},
		},
		{
			Name:           "enhanced",
			MemoryGB:       8,
			CPUs:           4,
			StorageGB:      50,
			GPUCount:       0,
			AutoApprovable: false,
			AllowedNodes:   []string{"hydra"},
		},
		{
			Name:           "gpu-small",
			MemoryGB:       16,
			CPUs:           4,
			StorageGB:      100,
			GPUCount:       1,
			AutoApprovable: false,
			AllowedNodes:   []string{"gpu-node-a", "gpu-node-b"},
		},
		{
			Name:           "gpu-large",
			MemoryGB:       32,
			CPUs:           8,
			StorageGB:      200,
			GPUCount:       2,
			AutoApprovable: false,
			AllowedNodes:   []string{"gpu-node-a", "gpu-node-b"},
		},
	}
}

// DefaultPresetName is the preset a container is reset to when a
// time-limited grant expires (spec.md §4.4, §8).
const DefaultPresetName = "minimal"

// Catalog is the immutable, loaded view of presets, nodes and thresholds
// consulted by C4/C5/C6. It is safe for concurrent read-only use.
type Catalog struct {
	presets     map[string]types.Preset
	presetOrder []string
	nodes       map[string]types.NodeDescriptor
	thresholds  types.ApprovalThresholds
}

// Load builds a Catalog from the default preset list plus the supplied
// node descriptors (cmd/hydra passes the control-plane node and the two
// GPU nodes) and auto-approval thresholds. If presetsPath is
// non-empty it overrides the built-in preset list with a JSON document of
// the same shape.
func Load(presetsPath string, nodes []types.NodeDescriptor, thresholds types.ApprovalThresholds) (*Catalog, error) {
	presetList := DefaultPresets()
	if presetsPath != "" {
		raw, err := os.ReadFile(presetsPath)
		if err != nil {
			return nil, fmt.Errorf("catalog: read presets override: %w", err)
		}
		var overrides []types.Preset
		if err := json.Unmarshal(raw, &overrides); err != nil {
			return nil, fmt.Errorf("catalog: parse presets override: %w", err)
		}
		presetList = overrides
	}

	c := &Catalog{
		presets:    make(map[string]types.Preset, len(presetList)),
		nodes:      make(map[string]types.NodeDescriptor, len(nodes)),
		thresholds: thresholds,
	}
	for _, p := range presetList {
		if _, dup := c.presets[p.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate preset name %q", p.Name)
		}
		c.presets[p.Name] = p
		c.presetOrder = append(c.presetOrder, p.Name)
	}
	for _, n := range nodes {
		if _, dup := c.nodes[n.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate node name %q", n.Name)
		}
		c.nodes[n.Name] = n
	}
	if _, ok := c.presets[DefaultPresetName]; !ok {
		return nil, fmt.Errorf("catalog: preset catalog missing required default preset %q", DefaultPresetName)
	}
	return c, nil
}

// Preset looks up a preset by name.
func (c *Catalog) Preset(name string) (types.Preset, bool) {
	p, ok := c.presets[name]
	return p, ok
}

// Presets returns all presets in catalog order.
func (c *Catalog) Presets() []types.Preset {
	out := make([]types.Preset, 0, len(c.presetOrder))
	for _, name := range c.presetOrder {
		out = append(out, c.presets[name])
	}
	return out
}

// DefaultPreset returns the minimal preset every expired grant resets to.
func (c *Catalog) DefaultPreset() types.Preset {
	return c.presets[DefaultPresetName]
}

// Node looks up a node descriptor by name.
func (c *Catalog) Node(name string) (types.NodeDescriptor, bool) {
	n, ok := c.nodes[name]
	return n, ok
}

// Nodes returns all configured node descriptors.
func (c *Catalog) Nodes() []types.NodeDescriptor {
	out := make([]types.NodeDescriptor, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

// ControlPlaneNode returns the descriptor for the single control-plane
// node, the default landing spot for unapproved, zero-GPU workloads.
func (c *Catalog) ControlPlaneNode() (types.NodeDescriptor, bool) {
	for _, n := range c.nodes {
		if n.Role == types.NodeRoleControlPlane {
			return n, true
		}
	}
	return types.NodeDescriptor{}, false
}

// Thresholds returns the auto-approval resource thresholds.
func (c *Catalog) Thresholds() types.ApprovalThresholds {
	return c.thresholds
}

// MatchesPreset reports whether the given resources exactly match a
// catalog preset's bundle, used by ContainerConfig's catalog-membership
// invariant (spec.md §3).
func (c *Catalog) MatchesPreset(memoryGB, cpus, storageGB float64, gpuCount int) (types.Preset, bool) {
	for _, name := range c.presetOrder {
		p := c.presets[name]
		if p.MemoryGB == memoryGB && p.CPUs == cpus && p.StorageGB == storageGB && p.GPUCount == gpuCount {
			return p, true
		}
	}
	return types.Preset{}, false
}

// GiBToBytes converts a gibibyte quantity to bytes, the unit orchestrator
// backends expect for memory limits and volume sizes.
func GiBToBytes(gib float64) int64 {
	return int64(gib * 1024 * 1024 * 1024)
}

// CPUsToNanoCPU converts a fractional CPU count into the nano-CPU unit
// containerd's OCI resource spec uses (1 CPU == 1e9 nano-CPU, matched
// against CFS quota/period downstream).
func CPUsToNanoCPU(cpus float64) int64 {
	return int64(cpus * 1e9)
}
