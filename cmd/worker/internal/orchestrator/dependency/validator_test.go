package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateCommandRequest(t *testing.T) {
	base := t.TempDir()
	cfg := ExecutorConfig{WorkDir: base, AllowedCommands: []string{ToolFFmpeg, ToolYtDlp}}

	tests := []struct {
		name    string
		req     CommandRequest
		wantErr string
	}{
		{"allowed", CommandRequest{Command: ToolFFmpeg, Args: []string{"-i", base + "/a.webm", base + "/a.wav"}}, ""},
		{"not whitelisted", CommandRequest{Command: "bash"}, "not in whitelist"},
		{"traversal", CommandRequest{Command: ToolFFmpeg, Args: []string{"-i", "../../secret"}}, "path traversal"},
		{"url with dots", CommandRequest{Command: ToolYtDlp, Args: []string{"https://example.com/a..b"}}, ""},
		{"system dir", CommandRequest{Command: ToolFFmpeg, Args: []string{"-i", "/proc/self/environ"}}, "forbidden system directory"},
		{"dev prefix lookalike", CommandRequest{Command: ToolFFmpeg, Args: []string{"/device-out.wav"}}, ""},
		{"working dir outside", CommandRequest{Command: ToolFFmpeg, WorkingDir: "/var"}, "invalid working directory"},
		{"working dir inside", CommandRequest{Command: ToolFFmpeg, WorkingDir: base}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommandRequest(tt.req, cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateCommandRequest_EmptyWhitelistAllowsAll(t *testing.T) {
	assert.NoError(t, ValidateCommandRequest(CommandRequest{Command: "anything"}, ExecutorConfig{}))
}
