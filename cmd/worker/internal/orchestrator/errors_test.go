package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/chunker"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/whisper"
)

func TestStageErrorFormatting(t *testing.T) {
	cause := errors.New("HTTP 503")
	err := NewDownloadError(cause)

	assert.Equal(t, "[DOWNLOAD_FAILED] downloading: download failed: HTTP 503", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.False(t, err.Timestamp.IsZero())

	bare := NewStageError(models.VideoChunking, CHUNK_FAILED, ClassTransient, "no chunks", nil)
	assert.Equal(t, "[CHUNK_FAILED] chunking: no chunks", bare.Error())

	exhausted := NewAttemptsExhaustedError(models.VideoChunking)
	assert.Equal(t, "[ATTEMPTS_EXHAUSTED] chunking: attempts exhausted after lease expiry", exhausted.Error())
}

func TestClassOf(t *testing.T) {
	exhausted := &whisper.CascadeError{Primary: "large-v3"}

	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("connection reset"), ClassTransient},
		{"context cancelled", context.Canceled, ClassTransient},
		{"cascade exhausted", fmt.Errorf("load: %w", exhausted), ClassResource},
		{"empty audio sentinel", fmt.Errorf("split: %w", chunker.ErrEmptyAudio), ClassData},
		{"no duration sentinel", dependency.ErrNoDuration, ClassData},
		{"model unavailable", NewModelUnavailableError(exhausted), ClassResource},
		{"source invalid", NewSourceInvalidError(dependency.ErrSourceMissing), ClassData},
		{"audio empty", NewAudioEmptyError(nil), ClassData},
		{"transcribe failed", NewTranscribeError(errors.New("timeout")), ClassTransient},
		{"wrapped stage error", fmt.Errorf("run: %w", NewAudioEmptyError(nil)), ClassData},
		{"attempts exhausted", NewAttemptsExhaustedError(models.VideoTranscribing), ClassExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, PERSIST_FAILED, CodeOf(fmt.Errorf("x: %w", NewPersistError(models.VideoTranscribing, errors.New("db")))))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}
