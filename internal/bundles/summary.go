package bundles

import (
	"encoding/json"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	k8sresource "k8s.io/apimachinery/pkg/api/resource"
)

// clusterVersionInfo mirrors the cluster-info/cluster_version.json layout
// found in captured bundles.
type clusterVersionInfo struct {
	Info struct {
		GitVersion string `json:"gitVersion"`
	} `json:"info"`
	String string `json:"string"`
}

// readSummary builds a cluster snapshot from the extracted resource files.
// Bundles vary in layout, so every lookup is best-effort; a nil summary just
// means nothing recognizable was found.
func readSummary(root string) *Summary {
	summary := &Summary{}
	populated := false

	if nodes := readNodeList(root); nodes != nil {
		populated = true
		summary.NodeCount = len(nodes.Items)
		var totalCPU k8sresource.Quantity
		for i := range nodes.Items {
			node := &nodes.Items[i]
			if nodeReady(node) {
				summary.ReadyNodes++
			}
			totalCPU.Add(node.Status.Capacity[corev1.ResourceCPU])
			if summary.KubernetesVersion == "" {
				summary.KubernetesVersion = node.Status.NodeInfo.KubeletVersion
			}
		}
		summary.TotalCPUCores = totalCPU.Value()
	}

	if version := readClusterVersion(root); version != "" {
		populated = true
		summary.KubernetesVersion = version
	}

	if !populated {
		return nil
	}
	return summary
}

func readNodeList(root string) *corev1.NodeList {
	for _, candidate := range resourceCandidates(root, filepath.Join(markerDir, "nodes.json")) {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var list corev1.NodeList
		if err := json.Unmarshal(data, &list); err == nil && len(list.Items) > 0 {
			return &list
		}
		var items []corev1.Node
		if err := json.Unmarshal(data, &items); err == nil && len(items) > 0 {
			return &corev1.NodeList{Items: items}
		}
	}
	return nil
}

func readClusterVersion(root string) string {
	for _, candidate := range resourceCandidates(root, filepath.Join("cluster-info", "cluster_version.json")) {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var info clusterVersionInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		if info.Info.GitVersion != "" {
			return info.Info.GitVersion
		}
		if info.String != "" {
			return info.String
		}
	}
	return ""
}

// resourceCandidates returns rel under the bundle root and under each
// top-level directory, covering both flat and wrapped archive layouts.
func resourceCandidates(root, rel string) []string {
	candidates := []string{filepath.Join(root, rel)}
	entries, err := os.ReadDir(root)
	if err != nil {
		return candidates
	}
	for _, entry := range entries {
		if entry.IsDir() {
			candidates = append(candidates, filepath.Join(root, entry.Name(), rel))
		}
	}
	return candidates
}

func nodeReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
