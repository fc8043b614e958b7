package dependency

import (
	"bytes"
	"errors"
)

// ExtractJSONObject locates the last JSON object containing the given
// top-level key within tool output polluted by warnings and log lines.
func ExtractJSONObject(out []byte, key string) ([]byte, error) {
	quoted := []byte(`"` + key + `"`)
	start := bytes.LastIndex(out, append([]byte("{"), quoted...))
	if start < 0 {
		if k := bytes.LastIndex(out, quoted); k >= 0 {
			start = bytes.LastIndexByte(out[:k], '{')
		}
		if start < 0 {
			return nil, errors.New("no JSON object found")
		}
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(out); i++ {
		c := out[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return out[start : i+1], nil
			}
		}
	}
	return nil, errors.New("unterminated JSON object")
}
