package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/clusterlens/bundleserver/internal/bundles"
	"github.com/clusterlens/bundleserver/internal/config"
	errs "github.com/clusterlens/bundleserver/internal/errors"
	"github.com/clusterlens/bundleserver/internal/executor"
	"github.com/clusterlens/bundleserver/internal/logging"
	"github.com/clusterlens/bundleserver/internal/metrics"
	"github.com/clusterlens/bundleserver/internal/search"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// State names one phase of the dispatch loop lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

const (
	maxFrameBytes      = 16 << 20 // one request line
	watcherStopTimeout = 5 * time.Second
)

// Server reads framed requests, dispatches them to tools, and guarantees the
// bundle manager's cleanup runs exactly once on every exit path.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	manager  *bundles.Manager
	search   *search.Engine
	executor *executor.Executor
	watcher  *bundles.StorageWatcher // optional

	tools map[string]*Tool

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	stateMu sync.Mutex
	state   State

	cleanupOnce sync.Once
}

// New wires a dispatch server over the given stream.
func New(cfg *config.Config, manager *bundles.Manager, engine *search.Engine, exec *executor.Executor, watcher *bundles.StorageWatcher, in io.Reader, out io.Writer, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		manager:  manager,
		search:   engine,
		executor: exec,
		watcher:  watcher,
		tools:    make(map[string]*Tool),
		in:       in,
		out:      out,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentTools)),
		state:    StateStarting,
	}
	s.registerTools()
	return s
}

// Run drives the loop until the stream closes or ctx is cancelled, then
// drains in-flight requests and runs cleanup. It always leaves the server in
// StateStopped.
func (s *Server) Run(ctx context.Context) error {
	defer s.shutdown()

	s.setState(StateStarting)
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.logger.Warn().Err(err).Msg("Storage watcher failed to start")
		}
	}

	lines := make(chan []byte)
	go s.readLines(ctx, lines)

	s.setState(StateRunning)
loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Shutdown signal received")
			break loop
		case line, ok := <-lines:
			if !ok {
				s.logger.Info().Msg("Input stream closed")
				break loop
			}
			s.dispatchLine(ctx, line)
		}
	}

	s.setState(StateDraining)
	if !s.waitWithTimeout(s.cfg.ShutdownGrace) {
		s.logger.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("In-flight requests did not finish within grace period")
	}
	return nil
}

func (s *Server) readLines(ctx context.Context, lines chan<- []byte) {
	defer close(lines)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error().Err(err).Msg("Request stream read error")
	}
}

// dispatchLine parses one frame and hands it to its tool handler on a
// goroutine gated by the concurrency semaphore.
func (s *Server) dispatchLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeError(nullID, errs.KindInvalidInput, fmt.Sprintf("malformed request: %v", err))
		return
	}

	tool, ok := s.tools[req.Method]
	if !ok {
		s.writeError(normalizeID(req.ID), errs.KindNotFound, fmt.Sprintf("unknown method %q", req.Method))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.invoke(ctx, tool, req)
	}()
}

func (s *Server) invoke(ctx context.Context, tool *Tool, req Request) {
	id := normalizeID(req.ID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.writeError(id, errs.KindInternal, "server is shutting down")
		return
	}
	defer s.sem.Release(1)

	ctx, requestID := logging.WithRequestID(ctx, "")
	logger := s.logger.With().Str("tool", tool.Name).Str("request_id", requestID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Tool handler panicked")
			metrics.RecordToolError(tool.Name, string(errs.KindInternal))
			s.writeError(id, errs.KindInternal, fmt.Sprintf("internal fault in %s", tool.Name))
		}
	}()

	start := time.Now()
	var result interface{}
	err := tool.validateParams(req.Params)
	if err == nil {
		result, err = tool.Handler(ctx, req.Params)
	}
	metrics.RecordToolInvocation(tool.Name, time.Since(start))

	if err != nil {
		kind := errs.KindOf(err)
		metrics.RecordToolError(tool.Name, string(kind))
		logger.Debug().Err(err).Str("kind", string(kind)).Msg("Tool returned error")
		s.writeError(id, kind, err.Error())
		return
	}

	logger.Debug().Dur("duration", time.Since(start)).Msg("Tool completed")
	s.writeResponse(Response{ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, kind errs.Kind, message string) {
	s.writeResponse(Response{
		ID:    id,
		Error: &ErrorPayload{Code: string(kind), Message: message},
	})
}

func (s *Server) writeResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) waitWithTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// shutdown runs the registered cleanup exactly once, regardless of how the
// loop exited.
func (s *Server) shutdown() {
	s.cleanupOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop(watcherStopTimeout)
		}
		s.manager.Cleanup()
		s.setState(StateStopped)
	})
}

// CurrentState reports the loop's lifecycle phase.
func (s *Server) CurrentState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Server) setState(state State) {
	s.stateMu.Lock()
	previous := s.state
	s.state = state
	s.stateMu.Unlock()
	if previous != state {
		s.logger.Info().Str("from", string(previous)).Str("to", string(state)).Msg("Dispatch state changed")
	}
}
