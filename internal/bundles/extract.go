package bundles

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
)

// extractionHeadroom is how many times the compressed size must fit into the
// free space of the work filesystem before extraction starts.
const extractionHeadroom = 4

var diskUsageFn = disk.Usage

// checkDiskSpace refuses extraction when the work filesystem cannot plausibly
// hold the expanded archive.
func checkDiskSpace(workDir string, archiveSize int64) error {
	usage, err := diskUsageFn(workDir)
	if err != nil {
		// Unknown filesystems are not a reason to refuse; extraction will
		// surface a real write error if space runs out.
		return nil
	}
	required := uint64(archiveSize) * extractionHeadroom
	if usage.Free < required {
		return fmt.Errorf("insufficient disk space in %s: %d bytes free, %d required", workDir, usage.Free, required)
	}
	return nil
}

// extractArchive unpacks the tar.gz at src into dest. Entry names are
// sanitized so no file lands outside dest; symlinks pointing out of the tree
// are skipped rather than created. The caller removes dest on error.
func extractArchive(src, dest string, logger zerolog.Logger) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create extraction directory: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar stream: %w", err)
		}

		target, err := sanitizeEntryName(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, hdr, tr); err != nil {
				return fmt.Errorf("write %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if !linkStaysInside(dest, target, hdr.Linkname) {
				logger.Warn().Str("entry", hdr.Name).Str("link", hdr.Linkname).Msg("Skipping symlink pointing outside bundle root")
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent for %s: %w", hdr.Name, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("create symlink %s: %w", hdr.Name, err)
			}
		default:
			logger.Debug().Str("entry", hdr.Name).Uint8("type", uint8(hdr.Typeflag)).Msg("Skipping unsupported tar entry type")
		}
	}
}

func writeEntry(target string, hdr *tar.Header, tr *tar.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777|0o400)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		os.Remove(target)
		return err
	}
	return out.Close()
}

// sanitizeEntryName maps a tar entry name onto a path below root, rejecting
// absolute names and parent traversal.
func sanitizeEntryName(root, name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(name, "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("entry %q escapes the extraction root", name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// linkStaysInside reports whether a symlink created at target resolves below
// root. Absolute link targets are never allowed.
func linkStaysInside(root, target, linkname string) bool {
	if filepath.IsAbs(linkname) {
		return false
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(target), linkname))
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
