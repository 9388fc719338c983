package bundles

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeArchive builds a tar.gz at path from the given name -> content map.
func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  time.Now(),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())
}

// validBundleFiles returns the minimal content set Validate accepts.
func validBundleFiles() map[string]string {
	return map[string]string{
		"bundle/cluster-resources/pods/default.json": "[]\n",
		"bundle/cluster-resources/nodes.json":        "[]\n",
	}
}
