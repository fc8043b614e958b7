// Package dependency runs the external tools the pipeline needs
// (yt-dlp, ffmpeg, ffprobe, python helpers) behind a small executor interface.
package dependency

import (
	"errors"
	"fmt"
	"time"
)

// Tool names accepted by the executor whitelist.
const (
	ToolYtDlp   = "yt-dlp"
	ToolFFmpeg  = "ffmpeg"
	ToolFFprobe = "ffprobe"
	ToolPython  = "python"
)

// ErrCommandTimeout is matched by errors.Is for commands killed at their deadline.
var ErrCommandTimeout = errors.New("command execution timeout")

// CommandRequest encapsulates all information needed to execute a command.
type CommandRequest struct {
	// Command is the tool alias, resolved to a binary by the executor.
	Command string `json:"command" yaml:"command"`

	Args []string          `json:"args" yaml:"args"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// WorkingDir must live under the configured work directory.
	WorkingDir string `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`

	// Timeout is the maximum execution duration (0 means the executor default).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// CommandResponse contains the result of a command execution.
type CommandResponse struct {
	Success  bool          `json:"success" yaml:"success"`
	ExitCode int           `json:"exit_code" yaml:"exit_code"`
	Stdout   string        `json:"stdout" yaml:"stdout"`
	Stderr   string        `json:"stderr" yaml:"stderr"`
	Duration time.Duration `json:"duration_ms" yaml:"duration_ms"`
}

// ExecutorConfig defines the configuration for dependency execution.
type ExecutorConfig struct {
	// WorkDir is the root of every per-video directory. Working directories
	// and written files must stay inside it.
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// BinaryPaths maps tool aliases to binaries (e.g. {"ffmpeg": "/usr/bin/ffmpeg"}).
	// Tools missing here are looked up in PATH.
	BinaryPaths map[string]string `json:"binary_paths" yaml:"binary_paths"`

	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// AllowedCommands is the tool whitelist. Empty list means allow all.
	AllowedCommands []string `json:"allowed_commands" yaml:"allowed_commands"`
}

// CommandError describes a tool that ran but did not succeed.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s: %v", e.Command, ErrCommandTimeout)
	}
	msg := fmt.Sprintf("%s failed (exit code %d)", e.Command, e.ExitCode)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCommandTimeout) match timed out commands.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandTimeout && e.TimedOut
}
