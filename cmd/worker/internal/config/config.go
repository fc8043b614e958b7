package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/whisper"
)

// Config 统一配置结构
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Database    DatabaseConfig    `yaml:"database"`
	Worker      WorkerConfig      `yaml:"worker"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Whisper     WhisperConfig     `yaml:"whisper"`
	Diarization DiarizationConfig `yaml:"diarization"`
	Tools       ToolsConfig       `yaml:"tools"`
}

// ServerConfig 运维 HTTP 服务配置
type ServerConfig struct {
	Env     string `yaml:"env"` // dev, staging, production
	OpsAddr string `yaml:"ops_addr"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres, sqlite3
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// WorkerConfig 领取循环配置
type WorkerConfig struct {
	ID                  string        `yaml:"id"`
	MaxParallelJobs     int           `yaml:"max_parallel_jobs"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	PollBackoffMax      time.Duration `yaml:"poll_backoff_max"`
	LeaseDuration       time.Duration `yaml:"lease_duration"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxAttempts         int           `yaml:"max_attempts"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	DepthSampleInterval time.Duration `yaml:"depth_sample_interval"`
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	WorkDir         string        `yaml:"work_dir"`
	KeepArtifacts   bool          `yaml:"keep_artifacts"`
	ChunkSeconds    float64       `yaml:"chunk_seconds"`
	ChunkOverlap    float64       `yaml:"chunk_overlap_seconds"`
	SampleRate      int           `yaml:"sample_rate"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// WhisperConfig 转写引擎与降级级联配置
type WhisperConfig struct {
	Mode           string   `yaml:"mode"` // http, cli
	APIURL         string   `yaml:"api_url"`
	ScriptPath     string   `yaml:"script_path"`
	Model          string   `yaml:"model"`
	FallbackModels []string `yaml:"fallback_models"`
	Backends       []string `yaml:"backends"` // device:precision
	Language       string   `yaml:"language"`
	PoolSize       int      `yaml:"pool_size"`
}

// DiarizationConfig 说话人识别配置
type DiarizationConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Required    bool          `yaml:"required"`
	ScriptPath  string        `yaml:"script_path"`
	Device      string        `yaml:"device"`
	HFToken     string        `yaml:"hf_token"`
	NumSpeakers int           `yaml:"num_speakers"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ToolsConfig 外部工具路径，空值表示从 PATH 查找
type ToolsConfig struct {
	FFmpeg  string `yaml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe"`
	YtDlp   string `yaml:"yt_dlp"`
	Python  string `yaml:"python"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Env: "dev", OpsAddr: ":9090"},
		Log:    LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 10,
		},
		Worker: WorkerConfig{
			ID:                  defaultWorkerID(),
			MaxParallelJobs:     1,
			PollInterval:        2 * time.Second,
			PollBackoffMax:      30 * time.Second,
			LeaseDuration:       10 * time.Minute,
			HeartbeatInterval:   30 * time.Second,
			MaxAttempts:         3,
			ShutdownGrace:       60 * time.Second,
			DepthSampleInterval: 15 * time.Second,
		},
		Pipeline: PipelineConfig{
			WorkDir:         "./data",
			ChunkSeconds:    900,
			ChunkOverlap:    2,
			SampleRate:      16000,
			CommandTimeout:  30 * time.Minute,
			DownloadTimeout: 30 * time.Minute,
		},
		Whisper: WhisperConfig{
			Mode:           "http",
			APIURL:         "http://whisper:8082",
			ScriptPath:     "scripts/transcribe.py",
			Model:          "large-v3",
			FallbackModels: []string{"medium", "small", "base"},
			Backends:       []string{"cuda:float16", "cuda:int8", "cpu:int8"},
			PoolSize:       1,
		},
		Diarization: DiarizationConfig{
			ScriptPath: "scripts/pyannote_diarize.py",
			Device:     "cpu",
			Timeout:    30 * time.Minute,
		},
	}
}

// LoadConfig builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func LoadConfig() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	env := &envReader{}
	env.apply(cfg)
	if len(env.problems) > 0 {
		return nil, fmt.Errorf("invalid environment:\n  - %s", strings.Join(env.problems, "\n  - "))
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// envReader overlays environment variables and remembers unparsable values.
type envReader struct {
	problems []string
}

func (e *envReader) apply(cfg *Config) {
	e.stringVar("ENV", &cfg.Server.Env)
	e.stringVar("OPS_ADDR", &cfg.Server.OpsAddr)

	e.stringVar("LOG_LEVEL", &cfg.Log.Level)
	e.stringVar("LOG_FILE", &cfg.Log.File)

	e.stringVar("DATABASE_DRIVER", &cfg.Database.Driver)
	e.stringVar("DATABASE_URL", &cfg.Database.DSN)
	e.intVar("DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)

	e.stringVar("WORKER_ID", &cfg.Worker.ID)
	e.intVar("MAX_PARALLEL_JOBS", &cfg.Worker.MaxParallelJobs)
	e.durationVar("POLL_INTERVAL", &cfg.Worker.PollInterval)
	e.durationVar("POLL_BACKOFF_MAX", &cfg.Worker.PollBackoffMax)
	e.durationVar("LEASE_DURATION", &cfg.Worker.LeaseDuration)
	e.durationVar("HEARTBEAT_INTERVAL", &cfg.Worker.HeartbeatInterval)
	e.intVar("MAX_ATTEMPTS", &cfg.Worker.MaxAttempts)
	e.durationVar("SHUTDOWN_GRACE", &cfg.Worker.ShutdownGrace)
	e.durationVar("DEPTH_SAMPLE_INTERVAL", &cfg.Worker.DepthSampleInterval)

	e.stringVar("WORK_DIR", &cfg.Pipeline.WorkDir)
	e.boolVar("KEEP_ARTIFACTS", &cfg.Pipeline.KeepArtifacts)
	e.floatVar("CHUNK_SECONDS", &cfg.Pipeline.ChunkSeconds)
	e.floatVar("CHUNK_OVERLAP_SECONDS", &cfg.Pipeline.ChunkOverlap)
	e.intVar("SAMPLE_RATE", &cfg.Pipeline.SampleRate)
	e.durationVar("COMMAND_TIMEOUT", &cfg.Pipeline.CommandTimeout)
	e.durationVar("DOWNLOAD_TIMEOUT", &cfg.Pipeline.DownloadTimeout)

	e.stringVar("WHISPER_MODE", &cfg.Whisper.Mode)
	e.stringVar("WHISPER_API_URL", &cfg.Whisper.APIURL)
	e.stringVar("WHISPER_SCRIPT_PATH", &cfg.Whisper.ScriptPath)
	e.stringVar("WHISPER_MODEL", &cfg.Whisper.Model)
	e.listVar("WHISPER_FALLBACK_MODELS", &cfg.Whisper.FallbackModels)
	e.listVar("WHISPER_BACKENDS", &cfg.Whisper.Backends)
	e.stringVar("WHISPER_LANGUAGE", &cfg.Whisper.Language)
	e.intVar("WHISPER_POOL_SIZE", &cfg.Whisper.PoolSize)

	e.boolVar("DIARIZATION_ENABLED", &cfg.Diarization.Enabled)
	e.boolVar("DIARIZATION_REQUIRED", &cfg.Diarization.Required)
	e.stringVar("DIARIZATION_SCRIPT_PATH", &cfg.Diarization.ScriptPath)
	e.stringVar("DIARIZATION_DEVICE", &cfg.Diarization.Device)
	e.stringVar("HF_TOKEN", &cfg.Diarization.HFToken)
	e.intVar("DIARIZATION_NUM_SPEAKERS", &cfg.Diarization.NumSpeakers)
	e.durationVar("DIARIZATION_TIMEOUT", &cfg.Diarization.Timeout)

	e.stringVar("FFMPEG_PATH", &cfg.Tools.FFmpeg)
	e.stringVar("FFPROBE_PATH", &cfg.Tools.FFprobe)
	e.stringVar("YTDLP_PATH", &cfg.Tools.YtDlp)
	e.stringVar("PYTHON_PATH", &cfg.Tools.Python)
}

func (e *envReader) stringVar(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (e *envReader) listVar(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		*dst = parseStringList(v)
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.problems = append(e.problems, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) floatVar(key string, dst *float64) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.problems = append(e.problems, fmt.Sprintf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

func (e *envReader) boolVar(key string, dst *bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.problems = append(e.problems, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

// durationVar accepts Go durations ("90s") and bare seconds ("90").
func (e *envReader) durationVar(key string, dst *time.Duration) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.problems = append(e.problems, fmt.Sprintf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}

// ValidateConfig 验证配置的有效性，一次性返回所有问题
func ValidateConfig(cfg *Config) error {
	var errors []string
	add := func(format string, args ...any) {
		errors = append(errors, fmt.Sprintf(format, args...))
	}

	validEnvs := map[string]bool{"dev": true, "development": true, "staging": true, "production": true, "prod": true}
	if !validEnvs[cfg.Server.Env] {
		add("invalid ENV: %s (must be: dev, development, staging, production)", cfg.Server.Env)
	}
	if cfg.Server.OpsAddr == "" {
		add("OPS_ADDR is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Log.Level] {
		add("invalid LOG_LEVEL: %s (must be: debug, info, warn, error)", cfg.Log.Level)
	}

	switch cfg.Database.Driver {
	case "postgres", "sqlite3":
	default:
		add("invalid DATABASE_DRIVER: %s (must be: postgres, sqlite3)", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		add("DATABASE_URL is required")
	}

	w := cfg.Worker
	if strings.TrimSpace(w.ID) == "" {
		add("WORKER_ID must not be empty")
	}
	if w.MaxParallelJobs < 1 {
		add("MAX_PARALLEL_JOBS must be at least 1, got %d", w.MaxParallelJobs)
	}
	if w.PollInterval <= 0 {
		add("POLL_INTERVAL must be positive")
	}
	if w.PollBackoffMax < w.PollInterval {
		add("POLL_BACKOFF_MAX (%s) must not be below POLL_INTERVAL (%s)", w.PollBackoffMax, w.PollInterval)
	}
	if w.LeaseDuration <= 0 {
		add("LEASE_DURATION must be positive")
	}
	if w.HeartbeatInterval <= 0 || w.HeartbeatInterval >= w.LeaseDuration {
		add("HEARTBEAT_INTERVAL (%s) must be positive and below LEASE_DURATION (%s)", w.HeartbeatInterval, w.LeaseDuration)
	}
	if w.MaxAttempts < 1 {
		add("MAX_ATTEMPTS must be at least 1, got %d", w.MaxAttempts)
	}
	if w.ShutdownGrace < 0 {
		add("SHUTDOWN_GRACE must not be negative")
	}

	p := cfg.Pipeline
	if p.WorkDir == "" {
		add("WORK_DIR is required")
	}
	if p.ChunkSeconds <= 0 {
		add("CHUNK_SECONDS must be positive, got %g", p.ChunkSeconds)
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSeconds {
		add("CHUNK_OVERLAP_SECONDS must be in [0, CHUNK_SECONDS), got %g", p.ChunkOverlap)
	}
	if p.SampleRate <= 0 {
		add("SAMPLE_RATE must be positive, got %d", p.SampleRate)
	}

	switch cfg.Whisper.Mode {
	case "http":
		if cfg.Whisper.APIURL == "" {
			add("WHISPER_API_URL is required in http mode")
		}
	case "cli":
		if cfg.Whisper.ScriptPath == "" {
			add("WHISPER_SCRIPT_PATH is required in cli mode")
		}
	default:
		add("invalid WHISPER_MODE: %s (must be: http, cli)", cfg.Whisper.Mode)
	}
	if cfg.Whisper.Model == "" {
		add("WHISPER_MODEL is required")
	}
	if _, err := cfg.Backends(); err != nil {
		add("invalid WHISPER_BACKENDS: %v", err)
	}
	if cfg.Whisper.PoolSize < 1 {
		add("WHISPER_POOL_SIZE must be at least 1, got %d", cfg.Whisper.PoolSize)
	}

	if cfg.Diarization.Required && !cfg.Diarization.Enabled {
		add("DIARIZATION_REQUIRED needs DIARIZATION_ENABLED")
	}
	if cfg.Diarization.Enabled && cfg.Diarization.ScriptPath == "" {
		add("DIARIZATION_SCRIPT_PATH is required when diarization is enabled")
	}
	if cfg.Diarization.NumSpeakers < 0 {
		add("DIARIZATION_NUM_SPEAKERS must not be negative")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// Backends parses the configured device:precision list.
func (c *Config) Backends() ([]whisper.Backend, error) {
	return whisper.ParseBackends(strings.Join(c.Whisper.Backends, ","))
}

// BinaryPaths returns the tool overrides for the dependency executor.
func (c *Config) BinaryPaths() map[string]string {
	paths := map[string]string{}
	set := func(name, path string) {
		if path != "" {
			paths[name] = path
		}
	}
	set("ffmpeg", c.Tools.FFmpeg)
	set("ffprobe", c.Tools.FFprobe)
	set("yt-dlp", c.Tools.YtDlp)
	set("python", c.Tools.Python)
	return paths
}

// IsProduction 判断是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production" || c.Server.Env == "prod"
}

// LogEnvironment maps the deployment env onto the logger's handler choice.
func (c *Config) LogEnvironment() string {
	if c.IsProduction() {
		return "prod"
	}
	return c.Server.Env
}

// PrintConfig 打印配置（脱敏）
func (c *Config) PrintConfig() string {
	return fmt.Sprintf(`Configuration Loaded:
  Environment: %s
  Ops Addr: %s
  Logging:
    - Level: %s
    - File: %s
  Database:
    - Driver: %s
    - DSN: %s
  Worker:
    - ID: %s
    - Max Parallel Jobs: %d
    - Poll: %s (backoff max %s)
    - Lease: %s (heartbeat %s)
    - Max Attempts: %d
    - Shutdown Grace: %s
  Pipeline:
    - Work Dir: %s (keep artifacts: %v)
    - Chunk: %gs + %gs overlap @ %d Hz
  Whisper:
    - Mode: %s
    - Model: %s (fallbacks %v)
    - Backends: %v
  Diarization:
    - Enabled: %v (required: %v)
    - HF Token: %s`,
		c.Server.Env,
		c.Server.OpsAddr,
		c.Log.Level,
		orNotSet(c.Log.File),
		c.Database.Driver,
		maskDSN(c.Database.DSN),
		c.Worker.ID,
		c.Worker.MaxParallelJobs,
		c.Worker.PollInterval, c.Worker.PollBackoffMax,
		c.Worker.LeaseDuration, c.Worker.HeartbeatInterval,
		c.Worker.MaxAttempts,
		c.Worker.ShutdownGrace,
		c.Pipeline.WorkDir, c.Pipeline.KeepArtifacts,
		c.Pipeline.ChunkSeconds, c.Pipeline.ChunkOverlap, c.Pipeline.SampleRate,
		c.Whisper.Mode,
		c.Whisper.Model, c.Whisper.FallbackModels,
		c.Whisper.Backends,
		c.Diarization.Enabled, c.Diarization.Required,
		maskSecret(c.Diarization.HFToken),
	)
}

// 辅助函数

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// parseStringList 解析逗号分隔的字符串列表
func parseStringList(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func orNotSet(v string) string {
	if v == "" {
		return "<not set>"
	}
	return v
}

// maskSecret 对敏感信息进行脱敏
func maskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}

// maskDSN hides the password in URL-style and key=value DSNs.
func maskDSN(dsn string) string {
	if dsn == "" {
		return "<not set>"
	}
	if scheme, rest, ok := strings.Cut(dsn, "://"); ok {
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			if user, _, hasPass := strings.Cut(rest[:at], ":"); hasPass {
				return scheme + "://" + user + ":***@" + rest[at+1:]
			}
		}
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}
