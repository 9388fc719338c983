package bundles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/clusterlens/bundleserver/internal/config"
	errs "github.com/clusterlens/bundleserver/internal/errors"
	"github.com/clusterlens/bundleserver/internal/metrics"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Manager owns the single active bundle and every directory under its session
// work area. At most one bundle is active at a time; swapping publishes the
// replacement first, drains in-flight readers of the old bundle, and only then
// deletes the old directories.
type Manager struct {
	storageDir string
	sessionDir string
	server     string
	token      string
	logger     zerolog.Logger

	// initMu serializes InitializeBundle and Cleanup so extractions never
	// interleave. A second initializer blocks rather than failing fast.
	initMu sync.Mutex

	// mu guards active and closed.
	mu     sync.RWMutex
	active *Bundle
	closed bool

	cleaned bool // session directory already removed
}

// NewManager creates the lifecycle manager and its session work directory.
func NewManager(cfg *config.Config, logger zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "new_manager", fmt.Errorf("create work directory: %w", err))
	}
	sessionDir, err := os.MkdirTemp(cfg.WorkDir, "session-")
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "new_manager", fmt.Errorf("create session directory: %w", err))
	}

	logger = logger.With().Str("session_dir", sessionDir).Logger()
	logger.Debug().Str("storage_dir", cfg.StorageDir).Msg("Bundle manager initialized")

	return &Manager{
		storageDir: cfg.StorageDir,
		sessionDir: sessionDir,
		server:     cfg.APIServerURL,
		token:      cfg.Token,
		logger:     logger,
	}, nil
}

// InitializeBundle resolves source to a local archive, validates and extracts
// it, derives the cluster-access kubeconfig, and makes the result the active
// bundle. The previous active bundle is fully released before this returns.
// When the same resolved source is already active and force is false, the
// existing bundle is returned without re-extracting.
func (m *Manager) InitializeBundle(ctx context.Context, source string, force bool) (*Bundle, error) {
	const op = "initialize_bundle"

	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	current := m.active
	m.mu.RUnlock()

	if closed {
		return nil, errs.New(errs.KindBundleBusy, op, "bundle manager is shutting down")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	resolved, err := filepath.Abs(source)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, op, err).WithBundle(source)
	}

	if current != nil && current.Source == resolved && !force {
		m.logger.Debug().Str("bundle", current.ID).Msg("Bundle already active, skipping re-extraction")
		return current, nil
	}

	valid, msg := Validate(resolved)
	if !valid {
		return nil, errs.New(errs.KindInvalidBundle, op, msg).WithBundle(source)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, errs.Wrap(errs.KindExtraction, op, err).WithBundle(source)
	}
	if err := checkDiskSpace(m.sessionDir, info.Size()); err != nil {
		return nil, errs.Wrap(errs.KindExtraction, op, err).WithBundle(source)
	}

	id := ulid.Make().String()
	dest := filepath.Join(m.sessionDir, id)

	if err := extractArchive(resolved, dest, m.logger); err != nil {
		// Never leave a half-extracted directory behind.
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			m.logger.Warn().Err(rmErr).Str("path", dest).Msg("Failed to remove partial extraction")
		}
		return nil, errs.Wrap(errs.KindExtraction, op, err).WithBundle(source)
	}

	kubeconfigPath, err := deriveKubeconfig(dest, filepath.Join(m.sessionDir, id+".kubeconfig"), m.server, m.token, m.logger)
	if err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			m.logger.Warn().Err(rmErr).Str("path", dest).Msg("Failed to remove extraction after kubeconfig failure")
		}
		return nil, errs.Wrap(errs.KindExtraction, op, err).WithBundle(source)
	}

	bundle := &Bundle{
		ID:             id,
		Source:         resolved,
		Path:           dest,
		KubeconfigPath: kubeconfigPath,
		Initialized:    true,
		Summary:        readSummary(dest),
	}

	m.mu.Lock()
	previous := m.active
	m.active = bundle
	m.mu.Unlock()

	metrics.RecordBundleSwap()

	event := m.logger.Info().Str("bundle", bundle.ID).Str("source", bundle.Source)
	if bundle.Summary != nil {
		event = event.Int("nodes", bundle.Summary.NodeCount).Str("kubernetes_version", bundle.Summary.KubernetesVersion)
	}
	event.Msg("Bundle initialized")

	if previous != nil {
		m.releaseBundle(previous)
	}
	return bundle, nil
}

// GetActiveBundle returns the active bundle, or nil when none is initialized.
func (m *Manager) GetActiveBundle() *Bundle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Acquire returns the active bundle plus a release func the caller must
// invoke when done. While any acquisition is outstanding the bundle's
// directories are guaranteed to exist, even if the bundle is swapped out.
func (m *Manager) Acquire(op string) (*Bundle, func(), error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return nil, nil, errs.New(errs.KindNoActiveBundle, op, "no active bundle; call initialize_bundle first")
	}

	bundle := m.active
	bundle.refs.Add(1)
	var once sync.Once
	release := func() {
		once.Do(bundle.refs.Done)
	}
	return bundle, release, nil
}

// ListAvailableBundles scans the storage directory and validates each archive
// candidate. A missing storage directory yields an empty listing. Results are
// ordered by modification time, newest first.
func (m *Manager) ListAvailableBundles(includeInvalid bool) ([]Descriptor, error) {
	const op = "list_bundles"

	entries, err := os.ReadDir(m.storageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Descriptor{}, nil
		}
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	descriptors := make([]Descriptor, 0, len(entries))
	total := 0
	for _, entry := range entries {
		if entry.IsDir() || !HasArchiveSuffix(entry.Name()) {
			continue
		}
		total++
		archivePath := filepath.Join(m.storageDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			m.logger.Warn().Err(err).Str("archive", archivePath).Msg("Cannot stat archive, skipping")
			continue
		}
		valid, msg := Validate(archivePath)
		if !valid && !includeInvalid {
			continue
		}
		descriptors = append(descriptors, Descriptor{
			Name:              entry.Name(),
			Path:              archivePath,
			Valid:             valid,
			ValidationMessage: msg,
			ModifiedTime:      info.ModTime(),
		})
	}

	sort.SliceStable(descriptors, func(i, j int) bool {
		return descriptors[i].ModifiedTime.After(descriptors[j].ModifiedTime)
	})

	metrics.SetBundlesAvailable(total)
	return descriptors, nil
}

// Cleanup releases the active bundle and removes the whole session work area.
// It is idempotent and safe on a fresh manager.
func (m *Manager) Cleanup() {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	bundle := m.active
	m.active = nil
	m.closed = true
	alreadyCleaned := m.cleaned
	m.cleaned = true
	m.mu.Unlock()

	if bundle != nil {
		m.releaseBundle(bundle)
	}
	if alreadyCleaned {
		return
	}
	if err := os.RemoveAll(m.sessionDir); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to remove session work directory")
		return
	}
	m.logger.Info().Msg("Bundle manager cleaned up")
}

// releaseBundle drains readers, then deletes the bundle's directories.
func (m *Manager) releaseBundle(b *Bundle) {
	b.refs.Wait()

	if err := os.RemoveAll(b.Path); err != nil {
		m.logger.Warn().Err(err).Str("bundle", b.ID).Msg("Failed to remove extracted bundle directory")
	}
	// Generated kubeconfigs live next to the extraction root; ones found
	// inside the bundle were already removed with it.
	if filepath.Dir(b.KubeconfigPath) == m.sessionDir {
		if err := os.Remove(b.KubeconfigPath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("bundle", b.ID).Msg("Failed to remove derived kubeconfig")
		}
	}
	m.logger.Info().Str("bundle", b.ID).Msg("Bundle released")
}
