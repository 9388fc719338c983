// Package executor runs cluster-inspection commands against a bundle-derived
// kubeconfig. Commands never reach a live cluster; the kubeconfig points at
// the bundle's reconstructed data.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	errs "github.com/clusterlens/bundleserver/internal/errors"
	"github.com/rs/zerolog"
)

// Result describes one completed (or timed out) kubectl invocation.
type Result struct {
	Command      string      `json:"command"`
	ExitCode     int         `json:"exitCode"`
	Stdout       string      `json:"stdout"`
	Stderr       string      `json:"stderr"`
	ParsedOutput interface{} `json:"parsedOutput,omitempty"`
	IsJSON       bool        `json:"isJson"`
	DurationMS   int64       `json:"durationMs"`
}

// Executor spawns the inspection tool as a subprocess.
type Executor struct {
	kubectlPath    string
	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// New creates an executor using the given kubectl binary.
func New(kubectlPath string, defaultTimeout time.Duration, logger zerolog.Logger) *Executor {
	if strings.TrimSpace(kubectlPath) == "" {
		kubectlPath = "kubectl"
	}
	return &Executor{
		kubectlPath:    kubectlPath,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Execute runs command with KUBECONFIG pointing at kubeconfigPath. The
// subprocess gets its own process group and the whole group is killed on
// timeout, so no orphan survives a command_timeout. A non-zero exit code is a
// successful Result, not an error. With parseJSON, stdout is decoded
// opportunistically; decode failure just leaves IsJSON false.
func (e *Executor) Execute(ctx context.Context, kubeconfigPath, command string, timeout time.Duration, parseJSON bool) (*Result, error) {
	const op = "kubectl"

	args := strings.Fields(command)
	if len(args) > 0 && args[0] == "kubectl" {
		args = args[1:]
	}
	if len(args) == 0 {
		return nil, errs.New(errs.KindInvalidInput, op, "command is empty")
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.kubectlPath, args...)
	cmd.Env = append(os.Environ(), "KUBECONFIG="+kubeconfigPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group so kubectl's children go with it.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		e.logger.Warn().Str("command", command).Dur("timeout", timeout).Msg("Command timed out")
		return nil, errs.Newf(errs.KindCommandTimeout, op, "command %q exceeded %s timeout", command, timeout)
	}

	result := &Result{
		Command:    e.kubectlPath + " " + strings.Join(args, " "),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration.Milliseconds(),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Spawn failure (binary missing, permission), not a command failure.
			return nil, errs.Wrap(errs.KindInternal, op, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if parseJSON && result.ExitCode == 0 && len(result.Stdout) > 0 {
		var parsed interface{}
		if err := json.Unmarshal([]byte(result.Stdout), &parsed); err == nil {
			result.ParsedOutput = parsed
			result.IsJSON = true
		}
	}

	e.logger.Debug().
		Str("command", result.Command).
		Int("exit_code", result.ExitCode).
		Int64("duration_ms", result.DurationMS).
		Msg("Command completed")

	return result, nil
}
