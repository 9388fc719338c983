package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clusterlens/bundleserver/internal/bundles"
	errs "github.com/clusterlens/bundleserver/internal/errors"
)

type initializeBundleParams struct {
	Source string `json:"source"`
	Force  bool   `json:"force"`
}

type listBundlesParams struct {
	IncludeInvalid bool `json:"includeInvalid"`
}

type listFilesParams struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type readFileParams struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type grepFilesParams struct {
	Pattern       string `json:"pattern"`
	Path          string `json:"path"`
	Recursive     *bool  `json:"recursive"`
	CaseSensitive bool   `json:"caseSensitive"`
}

type kubectlParams struct {
	Command    string `json:"command"`
	Timeout    int    `json:"timeout"` // seconds
	JSONOutput bool   `json:"jsonOutput"`
}

type listBundlesResult struct {
	Bundles []bundles.Descriptor `json:"bundles"`
}

type listFilesResult struct {
	Path  string             `json:"path"`
	Files []bundles.FileInfo `json:"files"`
}

type readFileResult struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Offset     int    `json:"offset"`
	Length     int    `json:"length"`
	TotalLines int    `json:"totalLines"`
}

func decodeParams(op string, raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.KindInvalidInput, op, err)
	}
	return nil
}

func (s *Server) handleInitializeBundle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p initializeBundleParams
	if err := decodeParams("initialize_bundle", raw, &p); err != nil {
		return nil, err
	}
	return s.manager.InitializeBundle(ctx, p.Source, p.Force)
}

func (s *Server) handleListBundles(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p listBundlesParams
	if err := decodeParams("list_bundles", raw, &p); err != nil {
		return nil, err
	}
	descriptors, err := s.manager.ListAvailableBundles(p.IncludeInvalid)
	if err != nil {
		return nil, err
	}
	return listBundlesResult{Bundles: descriptors}, nil
}

func (s *Server) handleListFiles(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p listFilesParams
	if err := decodeParams("list_files", raw, &p); err != nil {
		return nil, err
	}
	bundle, release, err := s.manager.Acquire("list_files")
	if err != nil {
		return nil, err
	}
	defer release()

	files, err := bundles.ListFiles(bundle.Path, p.Path, p.Recursive)
	if err != nil {
		return nil, err
	}
	return listFilesResult{Path: p.Path, Files: files}, nil
}

func (s *Server) handleReadFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p readFileParams
	if err := decodeParams("read_file", raw, &p); err != nil {
		return nil, err
	}
	bundle, release, err := s.manager.Acquire("read_file")
	if err != nil {
		return nil, err
	}
	defer release()

	content, totalLines, err := bundles.ReadFile(bundle.Path, p.Path, p.Offset, p.Length)
	if err != nil {
		return nil, err
	}
	return readFileResult{
		Path:       p.Path,
		Content:    content,
		Offset:     p.Offset,
		Length:     p.Length,
		TotalLines: totalLines,
	}, nil
}

func (s *Server) handleGrepFiles(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p grepFilesParams
	if err := decodeParams("grep_files", raw, &p); err != nil {
		return nil, err
	}
	bundle, release, err := s.manager.Acquire("grep_files")
	if err != nil {
		return nil, err
	}
	defer release()

	recursive := true
	if p.Recursive != nil {
		recursive = *p.Recursive
	}
	return s.search.Grep(ctx, bundle.Path, p.Pattern, p.Path, recursive, p.CaseSensitive)
}

func (s *Server) handleKubectl(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p kubectlParams
	if err := decodeParams("kubectl", raw, &p); err != nil {
		return nil, err
	}
	bundle, release, err := s.manager.Acquire("kubectl")
	if err != nil {
		return nil, err
	}
	defer release()

	var timeout time.Duration
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Second
	}
	return s.executor.Execute(ctx, bundle.KubeconfigPath, p.Command, timeout, p.JSONOutput)
}
