package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    string
		wantErr bool
	}{
		{
			name: "clean",
			out:  `{"segments":[]}`,
			want: `{"segments":[]}`,
		},
		{
			name: "warnings before and after",
			out:  "UserWarning: torchaudio backend\n{\"segments\":[{\"speaker\":\"SPEAKER_00\",\"text\":\"a } brace\"}]}\ndone\n",
			want: `{"segments":[{"speaker":"SPEAKER_00","text":"a } brace"}]}`,
		},
		{
			name: "key not first",
			out:  `loading model... {"language":"en","segments":[{"start":0}]}`,
			want: `{"language":"en","segments":[{"start":0}]}`,
		},
		{
			name: "last object wins",
			out:  `{"segments":[1]} retry {"segments":[2]}`,
			want: `{"segments":[2]}`,
		},
		{name: "no json", out: "Traceback (most recent call last)", wantErr: true},
		{name: "unterminated", out: `{"segments":[`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONObject([]byte(tt.out), "segments")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}
