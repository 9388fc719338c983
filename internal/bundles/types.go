// Package bundles owns the support bundle lifecycle: archive validation,
// extraction into a process-owned work area, kubeconfig derivation, and the
// single-active-bundle guarantee every other component relies on.
package bundles

import (
	"sync"
	"time"
)

// Bundle is the extracted, live form of a support bundle archive. The manager
// is the only component allowed to create or delete its directories; everyone
// else borrows it through Manager.Acquire.
type Bundle struct {
	ID             string   `json:"id"`
	Source         string   `json:"source"`
	Path           string   `json:"path"`
	KubeconfigPath string   `json:"kubeconfigPath"`
	Initialized    bool     `json:"initialized"`
	Summary        *Summary `json:"summary,omitempty"`

	// refs counts in-flight readers; teardown drains it before deleting.
	refs sync.WaitGroup
}

// Summary is a small snapshot of the captured cluster, parsed from the
// extracted resource files right after initialization.
type Summary struct {
	NodeCount         int    `json:"nodeCount"`
	ReadyNodes        int    `json:"readyNodes"`
	KubernetesVersion string `json:"kubernetesVersion,omitempty"`
	TotalCPUCores     int64  `json:"totalCpuCores,omitempty"`
}

// Descriptor describes one archive file in the storage directory. Descriptors
// are computed on demand and never cached across calls.
type Descriptor struct {
	Name              string    `json:"name"`
	Path              string    `json:"path"`
	Valid             bool      `json:"valid"`
	ValidationMessage string    `json:"validationMessage,omitempty"`
	ModifiedTime      time.Time `json:"modifiedTime"`
}

// FileInfo describes one entry below the bundle root.
type FileInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	IsDir        bool      `json:"isDir"`
	ModifiedTime time.Time `json:"modifiedTime"`
}
