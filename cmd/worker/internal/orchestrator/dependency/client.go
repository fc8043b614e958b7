package dependency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNoDuration is returned when ffprobe cannot report a usable duration.
var ErrNoDuration = errors.New("media has no measurable duration")

// Client is the pipeline's facade over external tools. It builds the
// command lines, validates them and runs them through an Executor.
type Client struct {
	executor Executor
	config   ExecutorConfig
	paths    *PathManager
	logger   *slog.Logger
}

// NewClient wires an executor to the tool-level methods.
func NewClient(executor Executor, config ExecutorConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		executor: executor,
		config:   config,
		paths:    NewPathManager(config.WorkDir),
		logger:   logger.With("component", "dependency"),
	}
}

// Paths returns the path manager for the work directory.
func (c *Client) Paths() *PathManager { return c.paths }

// HealthCheck delegates to the executor.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.executor.HealthCheck(ctx)
}

// ExecuteCommand validates and runs a raw request.
func (c *Client) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	return c.run(ctx, req)
}

func (c *Client) run(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	if err := ValidateCommandRequest(req, c.config); err != nil {
		return CommandResponse{}, fmt.Errorf("command validation failed: %w", err)
	}

	c.logger.Debug("executing command", "command", req.Command, "args", req.Args)
	resp, err := c.executor.ExecuteCommand(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.Success || resp.ExitCode != 0 {
		return resp, &CommandError{Command: req.Command, ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	return resp, nil
}

// Download fetches the media behind sourceRef into the video directory and
// returns the path of the downloaded file.
func (c *Client) Download(ctx context.Context, videoID, sourceRef string, timeout time.Duration) (string, error) {
	if _, err := c.paths.EnsureVideoDir(videoID); err != nil {
		return "", err
	}

	req := CommandRequest{
		Command: ToolYtDlp,
		Args: []string{
			"--no-playlist",
			"--no-progress",
			"--restrict-filenames",
			"-f", "bestaudio/best",
			"-o", c.paths.SourceTemplate(videoID),
			sourceRef,
		},
		Timeout: timeout,
	}

	start := time.Now()
	if _, err := c.run(ctx, req); err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}

	path, err := c.paths.FindSource(videoID)
	if err != nil {
		return "", fmt.Errorf("download produced no media: %w", err)
	}
	c.logger.Info("source downloaded", "video_id", videoID, "path", path, "duration_ms", time.Since(start).Milliseconds())
	return path, nil
}

// ConvertAudio converts inputPath to a mono PCM WAV at sampleRate using FFmpeg.
func (c *Client) ConvertAudio(ctx context.Context, inputPath, outputPath string, sampleRate int) error {
	req := CommandRequest{
		Command: ToolFFmpeg,
		Args: []string{
			"-y", "-hide_banner", "-loglevel", "error",
			"-i", inputPath,
			"-vn",
			"-ac", "1",
			"-ar", strconv.Itoa(sampleRate),
			"-c:a", "pcm_s16le",
			outputPath,
		},
		Timeout: c.config.DefaultTimeout,
	}
	if _, err := c.run(ctx, req); err != nil {
		return fmt.Errorf("audio conversion failed: %w", err)
	}
	return nil
}

// ProbeDuration returns the media duration in seconds as reported by ffprobe.
func (c *Client) ProbeDuration(ctx context.Context, path string) (float64, error) {
	req := CommandRequest{
		Command: ToolFFprobe,
		Args: []string{
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path,
		},
		Timeout: c.config.DefaultTimeout,
	}
	resp, err := c.run(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("duration probe failed: %w", err)
	}

	raw := strings.TrimSpace(resp.Stdout)
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return 0, fmt.Errorf("%w: ffprobe reported %q", ErrNoDuration, raw)
	}
	return d, nil
}

// ExtractChunk cuts [start, start+duration) out of inputPath into outputPath.
func (c *Client) ExtractChunk(ctx context.Context, inputPath, outputPath string, start, duration float64, sampleRate int) error {
	req := CommandRequest{
		Command: ToolFFmpeg,
		Args: []string{
			"-y", "-hide_banner", "-loglevel", "error",
			"-ss", formatSeconds(start),
			"-t", formatSeconds(duration),
			"-i", inputPath,
			"-ac", "1",
			"-ar", strconv.Itoa(sampleRate),
			"-c:a", "pcm_s16le",
			outputPath,
		},
		Timeout: c.config.DefaultTimeout,
	}
	if _, err := c.run(ctx, req); err != nil {
		return fmt.Errorf("chunk extraction failed: %w", err)
	}
	return nil
}

// DiarizationOptions contains optional parameters for RunDiarization.
type DiarizationOptions struct {
	// Device specifies the device to use (e.g., "cuda", "cpu"). Default: "cpu"
	Device string

	// HFToken is the Hugging Face access token for downloading models.
	HFToken string

	// NumSpeakers is the expected number of speakers (0 means auto-detect).
	NumSpeakers int

	Timeout time.Duration
}

// RunDiarization runs the pyannote script over audioPath and writes its
// JSON stdout to outputPath.
func (c *Client) RunDiarization(ctx context.Context, scriptPath, audioPath, outputPath string, opts *DiarizationOptions) error {
	if opts == nil {
		opts = &DiarizationOptions{}
	}
	device := opts.Device
	if device == "" {
		device = "cpu"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}

	args := []string{scriptPath, "--input", audioPath, "--device", device}
	if opts.NumSpeakers > 0 {
		args = append(args, "--num-speakers", strconv.Itoa(opts.NumSpeakers))
	}
	env := map[string]string{}
	if opts.HFToken != "" {
		env["HUGGINGFACE_TOKEN"] = opts.HFToken
	}

	c.logger.Info("starting speaker diarization", "audio_path", audioPath, "device", device, "num_speakers", opts.NumSpeakers)
	resp, err := c.run(ctx, CommandRequest{Command: ToolPython, Args: args, Env: env, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("speaker diarization failed: %w", err)
	}

	if err := os.WriteFile(outputPath, []byte(resp.Stdout), 0o644); err != nil {
		return fmt.Errorf("failed to write diarization output: %w", err)
	}
	c.logger.Info("speaker diarization completed", "audio_path", audioPath, "output_path", outputPath, "duration_ms", resp.Duration.Milliseconds())
	return nil
}

// RunPython runs a helper script and returns its stdout.
func (c *Client) RunPython(ctx context.Context, scriptPath string, args []string, env map[string]string, timeout time.Duration) (string, error) {
	resp, err := c.run(ctx, CommandRequest{
		Command: ToolPython,
		Args:    append([]string{scriptPath}, args...),
		Env:     env,
		Timeout: timeout,
	})
	if err != nil {
		return resp.Stdout, err
	}
	return resp.Stdout, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return strings.TrimSpace(s)
}
