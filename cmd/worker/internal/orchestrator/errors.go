package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/chunker"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/whisper"
)

// ErrorCode 表示流水线阶段错误类型代码
type ErrorCode string

const (
	// DOWNLOAD_FAILED 下载失败（网络、源站暂时不可用）
	DOWNLOAD_FAILED ErrorCode = "DOWNLOAD_FAILED"

	// SOURCE_INVALID 源地址无法解析出媒体
	SOURCE_INVALID ErrorCode = "SOURCE_INVALID"

	// TRANSCODE_FAILED ffmpeg 归一化失败
	TRANSCODE_FAILED ErrorCode = "TRANSCODE_FAILED"

	// AUDIO_EMPTY 音频时长为 0 或无法探测
	AUDIO_EMPTY ErrorCode = "AUDIO_EMPTY"

	// CHUNK_FAILED 分片切割失败
	CHUNK_FAILED ErrorCode = "CHUNK_FAILED"

	// MODEL_UNAVAILABLE 所有模型/后端/精度组合都加载失败
	MODEL_UNAVAILABLE ErrorCode = "MODEL_UNAVAILABLE"

	// TRANSCRIBE_FAILED 转写调用失败
	TRANSCRIBE_FAILED ErrorCode = "TRANSCRIBE_FAILED"

	// DIARIZE_FAILED 说话人识别失败
	DIARIZE_FAILED ErrorCode = "DIARIZE_FAILED"

	// PERSIST_FAILED 数据库写入失败
	PERSIST_FAILED ErrorCode = "PERSIST_FAILED"

	// SHUTDOWN worker 关闭，运行被取消
	SHUTDOWN ErrorCode = "SHUTDOWN"

	// ATTEMPTS_EXHAUSTED 租约过期回收时已超过最大尝试次数
	ATTEMPTS_EXHAUSTED ErrorCode = "ATTEMPTS_EXHAUSTED"
)

// ErrorClass decides what Release does with a failed run.
type ErrorClass string

const (
	// ClassTransient goes back to pending while attempts remain.
	ClassTransient ErrorClass = "transient"
	// ClassResource means the model cascade is exhausted; the video fails at once.
	ClassResource ErrorClass = "resource"
	// ClassData means the input itself is unusable; the video fails at once.
	ClassData ErrorClass = "data"
	// ClassExhausted means the attempt budget ran out before the run could start.
	ClassExhausted ErrorClass = "exhausted"
)

// StageError 表示某个阶段的处理错误
type StageError struct {
	Stage     models.VideoState `json:"stage"`
	Code      ErrorCode         `json:"code"`
	Class     ErrorClass        `json:"class"`
	Message   string            `json:"message"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`
}

// Error 实现 error 接口
func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Stage, e.Message)
}

// Unwrap 实现错误链支持
func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewStageError 创建新的阶段错误
func NewStageError(stage models.VideoState, code ErrorCode, class ErrorClass, message string, cause error) *StageError {
	return &StageError{
		Stage:     stage,
		Code:      code,
		Class:     class,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func NewDownloadError(cause error) *StageError {
	return NewStageError(models.VideoDownloading, DOWNLOAD_FAILED, ClassTransient, "download failed", cause)
}

func NewSourceInvalidError(cause error) *StageError {
	return NewStageError(models.VideoDownloading, SOURCE_INVALID, ClassData, "source has no downloadable media", cause)
}

func NewTranscodeError(cause error) *StageError {
	return NewStageError(models.VideoTranscoding, TRANSCODE_FAILED, ClassTransient, "audio normalization failed", cause)
}

func NewAudioEmptyError(cause error) *StageError {
	return NewStageError(models.VideoTranscoding, AUDIO_EMPTY, ClassData, "audio is empty", cause)
}

func NewChunkError(cause error) *StageError {
	return NewStageError(models.VideoChunking, CHUNK_FAILED, ClassTransient, "chunk extraction failed", cause)
}

func NewModelUnavailableError(cause error) *StageError {
	return NewStageError(models.VideoTranscribing, MODEL_UNAVAILABLE, ClassResource, "no transcription model could be loaded", cause)
}

func NewTranscribeError(cause error) *StageError {
	return NewStageError(models.VideoTranscribing, TRANSCRIBE_FAILED, ClassTransient, "transcription failed", cause)
}

func NewDiarizeError(cause error) *StageError {
	return NewStageError(models.VideoDiarizing, DIARIZE_FAILED, ClassTransient, "diarization failed", cause)
}

func NewPersistError(stage models.VideoState, cause error) *StageError {
	return NewStageError(stage, PERSIST_FAILED, ClassTransient, "persist failed", cause)
}

func NewShutdownError(stage models.VideoState, cause error) *StageError {
	return NewStageError(stage, SHUTDOWN, ClassTransient, "interrupted by shutdown", cause)
}

// NewAttemptsExhaustedError is raised before any stage runs, when a reclaim
// after lease expiry has already pushed attempt_count past the cap.
func NewAttemptsExhaustedError(stage models.VideoState) *StageError {
	return NewStageError(stage, ATTEMPTS_EXHAUSTED, ClassExhausted, "attempts exhausted after lease expiry", nil)
}

// ClassOf classifies any error returned by a stage. A StageError carries its
// own class; otherwise known sentinels decide and anything else is transient.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) && se.Class != "" {
		return se.Class
	}
	switch {
	case errors.Is(err, whisper.ErrCascadeExhausted):
		return ClassResource
	case errors.Is(err, chunker.ErrEmptyAudio), errors.Is(err, dependency.ErrNoDuration):
		return ClassData
	default:
		return ClassTransient
	}
}

// CodeOf returns the stage error code carried by err, or "".
func CodeOf(err error) ErrorCode {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
