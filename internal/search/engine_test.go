package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	errs "github.com/clusterlens/bundleserver/internal/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// kubeconfigTree mirrors a bundle where the pattern hits both filenames and
// content lines across nested directories.
func kubeconfigTree(t *testing.T, root string) {
	t.Helper()
	writeTree(t, root, map[string]string{
		"kubeconfig":                      "apiVersion: v1\n",
		"test-dir/config-reference.txt":   "see kubeconfig for access\nthe kubeconfig token is rotated\nunrelated line\n",
		"test-dir/nested/kubeconfig.yaml": "kubeconfig: derived\nclusters: []\n",
	})
}

func TestGrepFilenameAndContentMatches(t *testing.T) {
	root := t.TempDir()
	kubeconfigTree(t, root)

	engine := NewEngine(zerolog.Nop())
	result, err := engine.Grep(context.Background(), root, "kubeconfig", "", true, true)
	require.NoError(t, err)

	assert.Equal(t, 3, result.FilesSearched)
	assert.Equal(t, result.TotalMatches, len(result.Matches))

	var filenameMatches, contentMatches int
	for _, m := range result.Matches {
		if m.Line == FilenameMatchMarker {
			filenameMatches++
			assert.Zero(t, m.LineNumber)
		} else {
			contentMatches++
			assert.Positive(t, m.LineNumber)
		}
	}
	assert.Equal(t, 2, filenameMatches)
	assert.Equal(t, 3, contentMatches)
}

func TestGrepGroupsMatchesPerFile(t *testing.T) {
	root := t.TempDir()
	kubeconfigTree(t, root)

	engine := NewEngine(zerolog.Nop())
	result, err := engine.Grep(context.Background(), root, "kubeconfig", "", true, true)
	require.NoError(t, err)

	// All matches for one file are contiguous, filename match first.
	seen := map[string]bool{}
	lastPath := ""
	for _, m := range result.Matches {
		if m.Path != lastPath {
			require.False(t, seen[m.Path], "matches for %q are not contiguous", m.Path)
			seen[m.Path] = true
			lastPath = m.Path
		} else if m.Line == FilenameMatchMarker {
			t.Fatalf("filename match for %q appears after its content matches", m.Path)
		}
	}
}

func TestGrepCaseInsensitive(t *testing.T) {
	root := t.TempDir()
	kubeconfigTree(t, root)

	engine := NewEngine(zerolog.Nop())

	upper, err := engine.Grep(context.Background(), root, "KUBECONFIG", "", true, false)
	require.NoError(t, err)
	lower, err := engine.Grep(context.Background(), root, "kubeconfig", "", true, false)
	require.NoError(t, err)
	assert.Equal(t, lower.TotalMatches, upper.TotalMatches)

	sensitive, err := engine.Grep(context.Background(), root, "KUBECONFIG", "", true, true)
	require.NoError(t, err)
	assert.Zero(t, sensitive.TotalMatches)
}

func TestGrepWildcardPattern(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"pods/default.json": "{}\n",
		"pods/kube.yaml":    "{}\n",
		"nodes.json":        "{}\n",
	})

	engine := NewEngine(zerolog.Nop())
	result, err := engine.Grep(context.Background(), root, "*.json", "", true, true)
	require.NoError(t, err)

	var filenames []string
	for _, m := range result.Matches {
		if m.Line == FilenameMatchMarker {
			filenames = append(filenames, m.Path)
		}
	}
	assert.ElementsMatch(t, []string{"pods/default.json", "nodes.json"}, filenames)
}

func TestGrepEmptyPatternMatchesEverything(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt": "one\ntwo\n",
		"b.txt": "three\n",
	})

	engine := NewEngine(zerolog.Nop())
	result, err := engine.Grep(context.Background(), root, "", "", true, true)
	require.NoError(t, err)

	assert.Equal(t, 2, result.FilesSearched)
	// Two filename matches plus every content line.
	assert.Equal(t, 2+3, result.TotalMatches)
}

func TestGrepNonRecursiveScope(t *testing.T) {
	root := t.TempDir()
	kubeconfigTree(t, root)

	engine := NewEngine(zerolog.Nop())
	result, err := engine.Grep(context.Background(), root, "kubeconfig", "test-dir", false, true)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesSearched)
	for _, m := range result.Matches {
		assert.Equal(t, "test-dir/config-reference.txt", m.Path)
	}
}

func TestGrepSkipsBinaryContent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "core.dump"), []byte("dump\x00kubeconfig\x00"), 0o644))

	engine := NewEngine(zerolog.Nop())
	result, err := engine.Grep(context.Background(), root, "kubeconfig", "", true, true)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesSearched)
	assert.Zero(t, result.TotalMatches)
}

func TestGrepMissingScope(t *testing.T) {
	engine := NewEngine(zerolog.Nop())
	_, err := engine.Grep(context.Background(), t.TempDir(), "x", "no/such/dir", true, true)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestGrepRejectsScopeEscape(t *testing.T) {
	engine := NewEngine(zerolog.Nop())
	_, err := engine.Grep(context.Background(), t.TempDir(), "x", "../outside", true, true)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindPathEscape))
}

func TestGrepIsDeterministic(t *testing.T) {
	root := t.TempDir()
	kubeconfigTree(t, root)

	engine := NewEngine(zerolog.Nop())
	first, err := engine.Grep(context.Background(), root, "kubeconfig", "", true, true)
	require.NoError(t, err)
	second, err := engine.Grep(context.Background(), root, "kubeconfig", "", true, true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
