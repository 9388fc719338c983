package bundles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nodeListJSON = `{
	"kind": "NodeList",
	"apiVersion": "v1",
	"items": [
		{
			"metadata": {"name": "node-1"},
			"status": {
				"capacity": {"cpu": "4"},
				"conditions": [{"type": "Ready", "status": "True"}],
				"nodeInfo": {"kubeletVersion": "v1.29.3"}
			}
		},
		{
			"metadata": {"name": "node-2"},
			"status": {
				"capacity": {"cpu": "8"},
				"conditions": [{"type": "Ready", "status": "False"}],
				"nodeInfo": {"kubeletVersion": "v1.29.3"}
			}
		}
	]
}`

const nodeArrayJSON = `[
	{
		"metadata": {"name": "node-1"},
		"status": {
			"capacity": {"cpu": "2"},
			"conditions": [{"type": "Ready", "status": "True"}],
			"nodeInfo": {"kubeletVersion": "v1.28.0"}
		}
	}
]`

func TestReadSummaryFromNodeList(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, markerDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes.json"), []byte(nodeListJSON), 0o644))

	summary := readSummary(root)
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.NodeCount)
	assert.Equal(t, 1, summary.ReadyNodes)
	assert.Equal(t, int64(12), summary.TotalCPUCores)
	assert.Equal(t, "v1.29.3", summary.KubernetesVersion)
}

func TestReadSummaryFromBareNodeArray(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, markerDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes.json"), []byte(nodeArrayJSON), 0o644))

	summary := readSummary(root)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.NodeCount)
	assert.Equal(t, 1, summary.ReadyNodes)
	assert.Equal(t, int64(2), summary.TotalCPUCores)
	assert.Equal(t, "v1.28.0", summary.KubernetesVersion)
}

func TestReadSummaryWrappedLayout(t *testing.T) {
	// Archives often wrap everything in one top-level directory.
	root := t.TempDir()
	dir := filepath.Join(root, "support-bundle-2026-08-30", markerDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes.json"), []byte(nodeListJSON), 0o644))

	summary := readSummary(root)
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.NodeCount)
}

func TestReadSummaryClusterVersionWins(t *testing.T) {
	root := t.TempDir()
	resourceDir := filepath.Join(root, markerDir)
	infoDir := filepath.Join(root, "cluster-info")
	require.NoError(t, os.MkdirAll(resourceDir, 0o755))
	require.NoError(t, os.MkdirAll(infoDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resourceDir, "nodes.json"), []byte(nodeListJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(infoDir, "cluster_version.json"),
		[]byte(`{"info": {"gitVersion": "v1.30.1"}}`), 0o644))

	summary := readSummary(root)
	require.NotNil(t, summary)
	assert.Equal(t, "v1.30.1", summary.KubernetesVersion)
}

func TestReadSummaryNothingRecognizable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "random.txt"), []byte("hello"), 0o644))

	assert.Nil(t, readSummary(root))
}

func TestReadSummaryMalformedNodesFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, markerDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes.json"), []byte("{corrupt"), 0o644))

	assert.Nil(t, readSummary(root))
}
