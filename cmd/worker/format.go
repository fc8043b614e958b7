package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
)

func validFormat(f string) bool {
	switch f {
	case "json", "text", "srt", "vtt":
		return true
	default:
		return false
	}
}

func writeSegments(w io.Writer, format string, segments []models.Segment) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(segments)
	}

	if format == "vtt" {
		fmt.Fprint(w, "WEBVTT\n\n")
	}
	for i, s := range segments {
		switch format {
		case "srt":
			fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n", i+1, formatTimestamp(s.Start, ','), formatTimestamp(s.End, ','), s.Text)
		case "vtt":
			fmt.Fprintf(w, "%s --> %s\n%s\n\n", formatTimestamp(s.Start, '.'), formatTimestamp(s.End, '.'), s.Text)
		default:
			speaker := ""
			if s.Speaker != "" {
				speaker = fmt.Sprintf(" [%s]", s.Speaker)
			}
			fmt.Fprintf(w, "[%s --> %s]%s %s\n", formatTimestamp(s.Start, '.'), formatTimestamp(s.End, '.'), speaker, s.Text)
		}
	}
	return nil
}

// formatTimestamp formats seconds as HH:MM:SS.mmm; SRT uses a comma before the millis.
func formatTimestamp(seconds float64, sep byte) string {
	d := time.Duration(math.Round(seconds*1000)) * time.Millisecond
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, d/time.Millisecond)
}
