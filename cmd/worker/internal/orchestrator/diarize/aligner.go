// Package diarize runs speaker diarization over a whole recording and
// attaches speaker labels to transcript segments.
package diarize

import (
	"math"
	"sort"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
)

// Span is one speaker turn reported by the diarizer, in seconds.
type Span struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// tieEpsilon absorbs float noise when comparing overlaps.
const tieEpsilon = 1e-9

// Align returns a copy of segments labelled with the speaker of the single span
// that overlaps each segment the longest. Equal overlap goes to the span that
// starts first. Segments no span touches stay unlabelled.
func Align(segments []models.Segment, spans []Span) []models.Segment {
	ordered := make([]Span, len(spans))
	copy(ordered, spans)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	out := make([]models.Segment, len(segments))
	for i, seg := range segments {
		out[i] = seg
		out[i].Speaker = bestSpeaker(seg, ordered)
	}
	return out
}

// bestSpeaker expects spans sorted by Start.
func bestSpeaker(seg models.Segment, spans []Span) string {
	var best *Span
	bestOverlap := 0.0
	for i := range spans {
		sp := &spans[i]
		if sp.Start >= seg.End {
			break
		}
		overlap := math.Min(seg.End, sp.End) - math.Max(seg.Start, sp.Start)
		if overlap <= 0 || sp.Speaker == "" {
			continue
		}
		if best == nil || better(sp, overlap, best, bestOverlap) {
			best, bestOverlap = sp, overlap
		}
	}
	if best == nil {
		return ""
	}
	return best.Speaker
}

func better(a *Span, aOverlap float64, b *Span, bOverlap float64) bool {
	if math.Abs(aOverlap-bOverlap) > tieEpsilon {
		return aOverlap > bOverlap
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.Speaker < b.Speaker
}

// Labelled counts segments that received a speaker.
func Labelled(segments []models.Segment) int {
	n := 0
	for _, s := range segments {
		if s.Speaker != "" {
			n++
		}
	}
	return n
}
