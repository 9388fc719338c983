package dispatch

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clusterlens/bundleserver/internal/bundles"
	"github.com/clusterlens/bundleserver/internal/config"
	"github.com/clusterlens/bundleserver/internal/executor"
	"github.com/clusterlens/bundleserver/internal/search"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireResponse mirrors one reply frame as read off the stream.
type wireResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// harness runs a server over in-memory pipes and exposes a request/response
// client against it.
type harness struct {
	t       *testing.T
	srv     *Server
	cfg     *config.Config
	writer  *io.PipeWriter
	scanner *bufio.Scanner
	done    chan error
	stop    sync.Once
}

func newHarness(t *testing.T, storageDir string) *harness {
	t.Helper()

	cfg := &config.Config{
		StorageDir:         storageDir,
		WorkDir:            t.TempDir(),
		APIServerURL:       "http://127.0.0.1:8766",
		Token:              "test-token",
		KubectlPath:        "kubectl",
		MaxConcurrentTools: 4,
		ShutdownGrace:      5 * time.Second,
		CommandTimeout:     5 * time.Second,
	}

	logger := zerolog.Nop()
	manager, err := bundles.NewManager(cfg, logger)
	require.NoError(t, err)

	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()

	srv := New(cfg, manager, search.NewEngine(logger), executor.New(cfg.KubectlPath, cfg.CommandTimeout, logger), nil, inReader, outWriter, logger)

	h := &harness{
		t:       t,
		srv:     srv,
		cfg:     cfg,
		writer:  inWriter,
		scanner: bufio.NewScanner(outReader),
		done:    make(chan error, 1),
	}
	h.scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	go func() {
		h.done <- srv.Run(context.Background())
	}()

	t.Cleanup(func() {
		inWriter.Close()
		h.waitStopped()
	})
	return h
}

func (h *harness) send(raw string) {
	h.t.Helper()
	_, err := io.WriteString(h.writer, raw+"\n")
	require.NoError(h.t, err)
}

func (h *harness) call(id int, method string, params interface{}) wireResponse {
	h.t.Helper()

	req := map[string]interface{}{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	require.NoError(h.t, err)
	h.send(string(data))
	return h.recv()
}

func (h *harness) recv() wireResponse {
	h.t.Helper()
	require.True(h.t, h.scanner.Scan(), "no response frame: %v", h.scanner.Err())

	var resp wireResponse
	require.NoError(h.t, json.Unmarshal(h.scanner.Bytes(), &resp))
	return resp
}

func (h *harness) waitStopped() {
	h.t.Helper()
	h.stop.Do(func() {
		select {
		case <-h.done:
		case <-time.After(10 * time.Second):
			h.t.Fatal("server did not stop")
		}
	})
}

func writeBundleArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	for name, content := range files {
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

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t, t.TempDir())

	resp := h.call(1, "drop_tables", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "not_found", resp.Error.Code)
	assert.Equal(t, json.RawMessage("1"), resp.ID)
}

func TestMalformedRequestLine(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.send(`{"id": 1, "method":`)
	resp := h.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_input", resp.Error.Code)
	assert.Equal(t, json.RawMessage("null"), resp.ID)
}

func TestSchemaValidationRejectsBadParams(t *testing.T) {
	h := newHarness(t, t.TempDir())

	// Missing required source.
	resp := h.call(1, "initialize_bundle", map[string]interface{}{"force": true})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_input", resp.Error.Code)

	// Unknown extra property.
	resp = h.call(2, "grep_files", map[string]interface{}{"pattern": "x", "regex": true})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_input", resp.Error.Code)

	// Wrong type.
	resp = h.call(3, "kubectl", map[string]interface{}{"command": "get pods", "timeout": "soon"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_input", resp.Error.Code)
}

func TestToolsRequireActiveBundle(t *testing.T) {
	h := newHarness(t, t.TempDir())

	for i, call := range []struct {
		method string
		params interface{}
	}{
		{"grep_files", map[string]interface{}{"pattern": "x"}},
		{"list_files", map[string]interface{}{}},
		{"read_file", map[string]interface{}{"path": "a.txt"}},
		{"kubectl", map[string]interface{}{"command": "get pods"}},
	} {
		resp := h.call(i+1, call.method, call.params)
		require.NotNil(t, resp.Error, "method %s", call.method)
		assert.Equal(t, "no_active_bundle", resp.Error.Code, "method %s", call.method)
	}
}

func TestFullInspectionFlow(t *testing.T) {
	storageDir := t.TempDir()
	archive := filepath.Join(storageDir, "bundle.tar.gz")
	writeBundleArchive(t, archive, map[string]string{
		"bundle/cluster-resources/nodes.json": "[]\n",
		"bundle/cluster-resources/events.log": "Warning FailedScheduling pod/web-0\nNormal Pulled pod/web-1\n",
	})

	h := newHarness(t, storageDir)

	resp := h.call(1, "initialize_bundle", map[string]interface{}{"source": archive})
	require.Nil(t, resp.Error, "initialize_bundle failed: %+v", resp.Error)
	var bundle struct {
		ID          string `json:"id"`
		Initialized bool   `json:"initialized"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &bundle))
	assert.True(t, bundle.Initialized)
	assert.NotEmpty(t, bundle.ID)

	resp = h.call(2, "list_bundles", nil)
	require.Nil(t, resp.Error)
	var listing struct {
		Bundles []bundles.Descriptor `json:"bundles"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &listing))
	require.Len(t, listing.Bundles, 1)
	assert.True(t, listing.Bundles[0].Valid)

	resp = h.call(3, "list_files", map[string]interface{}{"recursive": true})
	require.Nil(t, resp.Error)
	var files listFilesResult
	require.NoError(t, json.Unmarshal(resp.Result, &files))
	paths := make([]string, 0, len(files.Files))
	for _, f := range files.Files {
		if !f.IsDir {
			paths = append(paths, f.Path)
		}
	}
	assert.Contains(t, paths, "bundle/cluster-resources/nodes.json")
	assert.Contains(t, paths, "bundle/cluster-resources/events.log")

	resp = h.call(4, "read_file", map[string]interface{}{"path": "bundle/cluster-resources/events.log", "offset": 1, "length": 1})
	require.Nil(t, resp.Error)
	var read readFileResult
	require.NoError(t, json.Unmarshal(resp.Result, &read))
	assert.Equal(t, "Normal Pulled pod/web-1\n", read.Content)
	assert.Equal(t, 2, read.TotalLines)

	resp = h.call(5, "grep_files", map[string]interface{}{"pattern": "FailedScheduling"})
	require.Nil(t, resp.Error)
	var grep search.Result
	require.NoError(t, json.Unmarshal(resp.Result, &grep))
	require.Equal(t, 1, grep.TotalMatches)
	assert.Equal(t, "bundle/cluster-resources/events.log", grep.Matches[0].Path)
	assert.Equal(t, 1, grep.Matches[0].LineNumber)
}

func TestReadFileEscapeOverWire(t *testing.T) {
	storageDir := t.TempDir()
	archive := filepath.Join(storageDir, "bundle.tar.gz")
	writeBundleArchive(t, archive, map[string]string{
		"bundle/cluster-resources/nodes.json": "[]\n",
	})

	h := newHarness(t, storageDir)

	resp := h.call(1, "initialize_bundle", map[string]interface{}{"source": archive})
	require.Nil(t, resp.Error)

	resp = h.call(2, "read_file", map[string]interface{}{"path": "../../../etc/passwd"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "path_escape", resp.Error.Code)
}

func TestShutdownOnStreamClose(t *testing.T) {
	storageDir := t.TempDir()
	archive := filepath.Join(storageDir, "bundle.tar.gz")
	writeBundleArchive(t, archive, map[string]string{
		"bundle/cluster-resources/nodes.json": "[]\n",
	})

	h := newHarness(t, storageDir)

	resp := h.call(1, "initialize_bundle", map[string]interface{}{"source": archive})
	require.Nil(t, resp.Error)
	var bundle struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &bundle))
	require.DirExists(t, bundle.Path)

	h.writer.Close()
	h.waitStopped()

	assert.Equal(t, StateStopped, h.srv.CurrentState())
	assert.NoDirExists(t, bundle.Path)

	// Cleanup must be idempotent even if invoked again directly.
	h.srv.shutdown()
	assert.Equal(t, StateStopped, h.srv.CurrentState())
}

func TestBlankLinesAreIgnored(t *testing.T) {
	h := newHarness(t, t.TempDir())

	h.send("")
	h.send("   ")
	resp := h.call(1, "list_bundles", nil)
	require.Nil(t, resp.Error)
}

func TestConcurrentRequestsAllAnswered(t *testing.T) {
	h := newHarness(t, t.TempDir())

	const n = 8
	for i := 0; i < n; i++ {
		data, err := json.Marshal(map[string]interface{}{"id": i, "method": "list_bundles"})
		require.NoError(t, err)
		h.send(string(data))
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		resp := h.recv()
		require.Nil(t, resp.Error)
		seen[string(resp.ID)] = true
	}
	assert.Len(t, seen, n)
}
