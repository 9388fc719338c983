// Package search implements filename and content matching over an extracted
// bundle tree.
package search

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/clusterlens/bundleserver/internal/bundles"
	errs "github.com/clusterlens/bundleserver/internal/errors"
	"github.com/rs/zerolog"
)

// FilenameMatchMarker is the synthetic line carried by filename matches so
// callers can separate them from content matches.
const FilenameMatchMarker = "[filename match]"

const (
	sniffBytes   = 8000
	maxLineBytes = 1 << 20
)

// Match is one filename or content hit. LineNumber is 1-based and absent for
// filename matches.
type Match struct {
	Path       string `json:"path"`
	Line       string `json:"line"`
	LineNumber int    `json:"lineNumber,omitempty"`
}

// Result is the outcome of one grep operation. Matches are grouped per file
// in traversal order, the filename match (if any) preceding that file's
// content matches.
type Result struct {
	Matches       []Match `json:"matches"`
	TotalMatches  int     `json:"totalMatches"`
	FilesSearched int     `json:"filesSearched"`
}

// Engine walks bundle trees and matches filenames and content lines.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine creates a search engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Grep searches for pattern under pathScope inside root. pathScope empty
// means the whole bundle; recursive false limits the walk to the immediate
// children of pathScope. Binary and unreadable files are counted as searched
// but contribute no content matches.
func (e *Engine) Grep(ctx context.Context, root, pattern, pathScope string, recursive, caseSensitive bool) (*Result, error) {
	const op = "grep_files"

	start, err := bundles.ResolveWithin(root, pathScope, op)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(start); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.KindNotFound, op, "path %q does not exist in bundle", pathScope)
		}
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	m := newMatcher(pattern, caseSensitive)
	result := &Result{Matches: []Match{}}

	visit := func(p string, name string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		relPath, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		result.FilesSearched++
		if m.matchName(name) {
			result.Matches = append(result.Matches, Match{Path: relPath, Line: FilenameMatchMarker})
		}
		e.scanContent(p, relPath, m, result)
		return nil
	}

	if recursive {
		err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtrees are skipped, not fatal
			}
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			return visit(p, d.Name())
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(start)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, op, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || entry.Type()&fs.ModeSymlink != 0 {
				continue
			}
			if err = visit(filepath.Join(start, entry.Name()), entry.Name()); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	result.TotalMatches = len(result.Matches)
	return result, nil
}

// scanContent appends a content match for every matching line. Files that
// cannot be opened or decoded as text are skipped silently; they already
// counted as searched.
func (e *Engine) scanContent(path, relPath string, m matcher, result *Result) {
	f, err := os.Open(path)
	if err != nil {
		e.logger.Debug().Err(err).Str("file", relPath).Msg("Skipping unreadable file")
		return
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	sniff, _ := reader.Peek(sniffBytes)
	if bytes.IndexByte(sniff, 0) >= 0 {
		return // binary
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if m.matchLine(line) {
			result.Matches = append(result.Matches, Match{
				Path:       relPath,
				Line:       line,
				LineNumber: lineNumber,
			})
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		// Oversized or truncated lines end the scan for this file only.
		e.logger.Debug().Err(err).Str("file", relPath).Msg("Stopped scanning file")
	}
}

// matcher applies one pattern under a case sensitivity mode. Patterns with
// wildcard metacharacters use glob-style matching; everything else is a
// substring test. The empty pattern matches every name and every line.
type matcher struct {
	pattern       string
	wildcard      bool
	caseSensitive bool
}

func newMatcher(pattern string, caseSensitive bool) matcher {
	m := matcher{
		pattern:       pattern,
		wildcard:      strings.ContainsAny(pattern, "*?"),
		caseSensitive: caseSensitive,
	}
	if !caseSensitive {
		m.pattern = strings.ToLower(m.pattern)
	}
	return m
}

func (m matcher) matchName(name string) bool {
	if !m.caseSensitive {
		name = strings.ToLower(name)
	}
	if m.wildcard {
		return wildcard.Match(m.pattern, name)
	}
	return strings.Contains(name, m.pattern)
}

func (m matcher) matchLine(line string) bool {
	if !m.caseSensitive {
		line = strings.ToLower(line)
	}
	if m.wildcard {
		return wildcard.Match(m.pattern, line)
	}
	return strings.Contains(line, m.pattern)
}
