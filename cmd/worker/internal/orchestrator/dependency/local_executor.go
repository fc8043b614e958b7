package dependency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	pkgmetrics "github.com/houzhh15/scribeq/pkg/metrics"
)

// LocalExecutor executes commands directly on the local system using exec.Command.
type LocalExecutor struct {
	config ExecutorConfig
}

// NewLocalExecutor creates a new LocalExecutor with the given configuration.
func NewLocalExecutor(config ExecutorConfig) *LocalExecutor {
	return &LocalExecutor{config: config}
}

// ExecuteCommand executes a command locally and returns the result.
// A non-zero exit is reported through the response and a *CommandError.
func (e *LocalExecutor) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	binaryPath, err := e.resolveBinaryPath(req.Command)
	if err != nil {
		pkgmetrics.RecordCommandExecution(req.Command, "failed")
		return CommandResponse{}, fmt.Errorf("failed to resolve binary path for %s: %w", req.Command, err)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.config.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, binaryPath, req.Args...)
	cmd.Env = append(os.Environ(), buildEnvSlice(req.Env)...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	// own process group so a timeout kills helpers spawned by python scripts too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)
	pkgmetrics.RecordCommandDuration(req.Command, duration.Seconds())

	resp := CommandResponse{
		Success:  err == nil,
		ExitCode: exitCode(err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		pkgmetrics.RecordCommandExecution(req.Command, "timeout")
		return resp, &CommandError{Command: req.Command, ExitCode: resp.ExitCode, Stderr: resp.Stderr, TimedOut: true, Err: ctx.Err()}
	}
	if err != nil {
		pkgmetrics.RecordCommandExecution(req.Command, "failed")
		return resp, &CommandError{Command: req.Command, ExitCode: resp.ExitCode, Stderr: resp.Stderr, Err: err}
	}

	pkgmetrics.RecordCommandExecution(req.Command, "success")
	return resp, nil
}

// HealthCheck verifies that every configured binary is available.
func (e *LocalExecutor) HealthCheck(ctx context.Context) error {
	names := make([]string, 0, len(e.config.BinaryPaths))
	for name := range e.config.BinaryPaths {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := e.config.BinaryPaths[name]
		if _, err := exec.LookPath(path); err != nil {
			return fmt.Errorf("local command %s not available at %s: %w", name, path, err)
		}
	}
	return nil
}

func (e *LocalExecutor) resolveBinaryPath(command string) (string, error) {
	if path, ok := e.config.BinaryPaths[command]; ok && path != "" {
		return path, nil
	}
	return exec.LookPath(command)
}

func buildEnvSlice(envMap map[string]string) []string {
	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	return result
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
