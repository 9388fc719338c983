package bundles

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

const derivedContextName = "support-bundle"

// deriveKubeconfig produces the cluster-access configuration for an extracted
// bundle. A kubeconfig captured inside the bundle wins; otherwise one is
// synthesized pointing at the local replay endpoint with the configured token,
// so kubectl reads the bundle's static data instead of a live cluster.
func deriveKubeconfig(bundleRoot, outPath, server, token string, logger zerolog.Logger) (string, error) {
	if found := findKubeconfig(bundleRoot); found != "" {
		logger.Debug().Str("kubeconfig", found).Msg("Using kubeconfig captured in bundle")
		return found, nil
	}

	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[derivedContextName] = &clientcmdapi.Cluster{
		Server:                server,
		InsecureSkipTLSVerify: strings.HasPrefix(server, "https://"),
	}
	cfg.AuthInfos[derivedContextName] = &clientcmdapi.AuthInfo{Token: token}
	cfg.Contexts[derivedContextName] = &clientcmdapi.Context{
		Cluster:  derivedContextName,
		AuthInfo: derivedContextName,
	}
	cfg.CurrentContext = derivedContextName

	if err := clientcmd.WriteToFile(*cfg, outPath); err != nil {
		return "", fmt.Errorf("write derived kubeconfig: %w", err)
	}
	logger.Debug().Str("kubeconfig", outPath).Str("server", server).Msg("Synthesized kubeconfig for bundle")
	return outPath, nil
}

// findKubeconfig walks the extracted tree looking for a parseable kubeconfig.
func findKubeconfig(root string) string {
	var found string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if found != "" {
			return filepath.SkipAll
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		name := strings.ToLower(d.Name())
		if name != "kubeconfig" && !strings.HasSuffix(name, ".kubeconfig") {
			return nil
		}
		if _, err := clientcmd.LoadFromFile(p); err != nil {
			return nil
		}
		found = p
		return filepath.SkipAll
	})
	return found
}
