package dependency

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact file names inside a video directory.
const (
	sourceBasename      = "source"
	AudioFilename       = "audio.wav"
	DiarizationFilename = "diarization.json"
)

// ErrSourceMissing is returned by FindSource when no downloaded media exists.
var ErrSourceMissing = errors.New("downloaded source not found")

// PathManager builds and validates paths under the work directory.
//
// Every video gets one flat directory: <work>/videos/{video_id}/
//   - Downloaded media: source.<ext>
//   - Normalized audio: audio.wav
//   - Chunks: chunk_0000.wav, chunk_0001.wav, ...
//   - Diarization: diarization.json
type PathManager struct {
	baseDir string
}

// NewPathManager creates a new PathManager instance.
func NewPathManager(baseDir string) *PathManager {
	return &PathManager{baseDir: baseDir}
}

// BaseDir returns the work directory root.
func (pm *PathManager) BaseDir() string { return pm.baseDir }

// VideoDir returns the root directory for a video.
func (pm *PathManager) VideoDir(videoID string) string {
	return filepath.Join(pm.baseDir, "videos", videoID)
}

// SourceTemplate is the yt-dlp output template for the downloaded media.
func (pm *PathManager) SourceTemplate(videoID string) string {
	return filepath.Join(pm.VideoDir(videoID), sourceBasename+".%(ext)s")
}

// FindSource returns the downloaded media file, whatever extension yt-dlp chose.
func (pm *PathManager) FindSource(videoID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(pm.VideoDir(videoID), sourceBasename+".*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		// yt-dlp leaves .part files behind on interrupted downloads
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
			return m, nil
		}
	}
	return "", ErrSourceMissing
}

// AudioPath returns the normalized waveform path.
func (pm *PathManager) AudioPath(videoID string) string {
	return filepath.Join(pm.VideoDir(videoID), AudioFilename)
}

// ChunkBasename generates the base name for chunk files.
// Example: ChunkBasename(15) -> "chunk_0015"
func (pm *PathManager) ChunkBasename(chunkIndex int) string {
	return fmt.Sprintf("chunk_%04d", chunkIndex)
}

// ChunkAudioPath returns the full path for a chunk's audio file.
func (pm *PathManager) ChunkAudioPath(videoID string, chunkIndex int) string {
	return filepath.Join(pm.VideoDir(videoID), pm.ChunkBasename(chunkIndex)+".wav")
}

// DiarizationPath returns the diarization output path.
func (pm *PathManager) DiarizationPath(videoID string) string {
	return filepath.Join(pm.VideoDir(videoID), DiarizationFilename)
}

// ValidatePath checks that path resolves inside the work directory and is
// not a symlink or a system location.
func (pm *PathManager) ValidatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains dangerous characters '..'")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	absBaseDir, err := filepath.Abs(pm.baseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}

	rel, err := filepath.Rel(absBaseDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside work directory (%s)", path, pm.baseDir)
	}

	for _, prefix := range forbiddenPrefixes {
		if absPath == prefix || strings.HasPrefix(absPath, prefix+"/") {
			return fmt.Errorf("access to system directory %s is forbidden", prefix)
		}
	}

	info, err := os.Lstat(path)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symbolic links are not allowed")
	}
	return nil
}

// EnsureVideoDir creates the video directory if it doesn't exist.
func (pm *PathManager) EnsureVideoDir(videoID string) (string, error) {
	dir := pm.VideoDir(videoID)
	if err := pm.ValidatePath(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create video directory: %w", err)
	}
	return dir, nil
}

// RemoveChunks deletes chunk audio left by a previous run.
func (pm *PathManager) RemoveChunks(videoID string) error {
	matches, err := filepath.Glob(filepath.Join(pm.VideoDir(videoID), "chunk_*.wav"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RemoveVideoDir deletes every artifact of a video.
func (pm *PathManager) RemoveVideoDir(videoID string) error {
	dir := pm.VideoDir(videoID)
	if err := pm.ValidatePath(dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// FileReady reports whether path is a regular, non-empty file.
func FileReady(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}
