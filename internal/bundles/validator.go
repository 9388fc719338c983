package bundles

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// markerDir is the directory every support bundle carries under its top-level
// directory; its presence is what distinguishes a support bundle from an
// arbitrary tarball.
const markerDir = "cluster-resources"

var archiveSuffixes = []string{".tar.gz", ".tgz"}

// Validate reports whether the archive at archivePath is structurally a
// support bundle. It streams the tar index without extracting anything.
// Corruption and format problems are reported as invalid, never as an error,
// so a directory scan can classify many archives without aborting.
func Validate(archivePath string) (bool, string) {
	info, err := os.Stat(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Sprintf("archive %s does not exist", archivePath)
		}
		return false, fmt.Sprintf("cannot stat archive: %v", err)
	}
	if info.IsDir() {
		return false, fmt.Sprintf("%s is a directory, not an archive", archivePath)
	}
	if !HasArchiveSuffix(archivePath) {
		return false, fmt.Sprintf("%s is not a recognized archive format (expected .tar.gz or .tgz)", archivePath)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return false, fmt.Sprintf("cannot open archive: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false, fmt.Sprintf("not a gzip archive: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, fmt.Sprintf("archive is corrupt: %v", err)
		}
		if containsMarker(hdr.Name) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("no %s directory found in archive", markerDir)
}

// HasArchiveSuffix reports whether name carries a supported archive suffix.
func HasArchiveSuffix(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func containsMarker(name string) bool {
	for _, part := range strings.Split(path.Clean(name), "/") {
		if part == markerDir {
			return true
		}
	}
	return false
}
