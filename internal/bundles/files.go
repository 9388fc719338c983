package bundles

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	errs "github.com/clusterlens/bundleserver/internal/errors"
)

// maxLineBytes bounds a single line when reading files line-oriented.
const maxLineBytes = 1 << 20

// ResolveWithin resolves rel against root and rejects any path that would
// leave the bundle root, including through symlinks on the existing portion.
func ResolveWithin(root, rel, op string) (string, error) {
	rel = strings.TrimSpace(rel)
	if filepath.IsAbs(rel) {
		return "", errs.Newf(errs.KindPathEscape, op, "path %q must be relative to the bundle root", rel)
	}

	joined := filepath.Join(root, rel)
	within, err := filepath.Rel(root, joined)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", errs.Newf(errs.KindPathEscape, op, "path %q resolves outside the bundle root", rel)
	}

	// Symlink containment: resolve what exists and re-check.
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return joined, nil
	}
	if resolved, err := filepath.EvalSymlinks(joined); err == nil {
		within, err := filepath.Rel(resolvedRoot, resolved)
		if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
			return "", errs.Newf(errs.KindPathEscape, op, "path %q resolves outside the bundle root", rel)
		}
	}
	return joined, nil
}

// ListFiles enumerates entries under rel inside the bundle root. With
// recursive false only the immediate children are returned. Paths in the
// result are relative to the bundle root and sorted lexically.
func ListFiles(root, rel string, recursive bool) ([]FileInfo, error) {
	const op = "list_files"

	start, err := ResolveWithin(root, rel, op)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(start); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.KindNotFound, op, "path %q does not exist in bundle", rel)
		}
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	var files []FileInfo
	appendEntry := func(p string, info fs.FileInfo) {
		relPath, err := filepath.Rel(root, p)
		if err != nil {
			return
		}
		files = append(files, FileInfo{
			Path:         filepath.ToSlash(relPath),
			Size:         info.Size(),
			IsDir:        info.IsDir(),
			ModifiedTime: info.ModTime(),
		})
	}

	if recursive {
		err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if p == start {
				return nil
			}
			if info, err := d.Info(); err == nil {
				appendEntry(p, info)
			}
			return nil
		})
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, op, err)
		}
	} else {
		entries, err := os.ReadDir(start)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, op, err)
		}
		for _, entry := range entries {
			if entry.Type()&fs.ModeSymlink != 0 {
				continue
			}
			if info, err := entry.Info(); err == nil {
				appendEntry(filepath.Join(start, entry.Name()), info)
			}
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ReadFile returns up to length lines of the file at rel starting at the
// 0-based line offset. length 0 means read to the end. totalLines always
// reflects the whole file so callers can page through it.
func ReadFile(root, rel string, offset, length int) (content string, totalLines int, err error) {
	const op = "read_file"

	target, err := ResolveWithin(root, rel, op)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, errs.Newf(errs.KindNotFound, op, "file %q does not exist in bundle", rel)
		}
		return "", 0, errs.Wrap(errs.KindInternal, op, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.IsDir() {
		return "", 0, errs.Newf(errs.KindInvalidInput, op, "%q is a directory", rel)
	}
	if offset < 0 {
		offset = 0
	}

	var builder strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	collected := 0
	for scanner.Scan() {
		line := scanner.Text()
		if totalLines >= offset && (length <= 0 || collected < length) {
			builder.WriteString(line)
			builder.WriteByte('\n')
			collected++
		}
		totalLines++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, errs.Wrap(errs.KindInternal, op, err)
	}
	return builder.String(), totalLines, nil
}
