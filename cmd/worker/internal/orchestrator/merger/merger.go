// Package merger turns per-chunk transcription output into one global,
// time-ordered segment sequence.
package merger

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/chunker"
)

var (
	ErrEmptyManifest  = errors.New("merger: empty manifest")
	ErrUnknownChunk   = errors.New("merger: chunk index not in manifest")
	ErrDuplicateChunk = errors.New("merger: chunk reported twice")
)

// ChunkResult carries the chunk-local segments for one manifest entry.
// Results may arrive in any order; Index ties them back to the manifest.
type ChunkResult struct {
	Index    int
	Segments []models.Segment
}

type tagged struct {
	seg   models.Segment
	chunk int
}

// Merge offsets, orders, deduplicates and trims chunk results.
// The output is sorted by Start and no segment overlaps its successor.
func Merge(manifest chunker.Manifest, results []ChunkResult) ([]models.Segment, error) {
	if len(manifest) == 0 {
		return nil, ErrEmptyManifest
	}

	byIndex := make(map[int][]models.Segment, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(manifest) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownChunk, r.Index)
		}
		if _, dup := byIndex[r.Index]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateChunk, r.Index)
		}
		byIndex[r.Index] = r.Segments
	}

	var all []tagged
	var previous []tagged
	for _, entry := range manifest {
		current := offset(entry, byIndex[entry.Index])
		kept := current[:0]
		for _, t := range current {
			if duplicatesAny(t, previous) {
				continue
			}
			kept = append(kept, t)
		}
		all = append(all, kept...)
		previous = kept
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].seg.Start < all[j].seg.Start
	})

	out := make([]models.Segment, 0, len(all))
	total := manifest.Total()
	for _, t := range all {
		s := clamp(t.seg, total)
		if s.Start >= total && total > 0 {
			continue
		}
		out = append(out, s)
	}
	for i := 0; i+1 < len(out); i++ {
		if out[i].End > out[i+1].Start {
			out[i].End = out[i+1].Start
		}
	}
	return out, nil
}

func offset(entry chunker.Entry, local []models.Segment) []tagged {
	out := make([]tagged, 0, len(local))
	for _, s := range local {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		g := s
		g.Text = strings.TrimSpace(s.Text)
		g.Start = s.Start + entry.Start
		g.End = s.End + entry.Start
		if g.End < g.Start {
			g.End = g.Start
		}
		out = append(out, tagged{seg: g, chunk: entry.Index})
	}
	return out
}

// duplicatesAny reports whether t repeats a time-overlapping segment of the
// previous chunk. The earlier chunk's copy always wins.
func duplicatesAny(t tagged, previous []tagged) bool {
	for _, p := range previous {
		if overlaps(p.seg, t.seg) && NearIdentical(p.seg.Text, t.seg.Text) {
			return true
		}
	}
	return false
}

func overlaps(a, b models.Segment) bool {
	if a.Start == b.Start && a.End == b.End {
		return true
	}
	return min(a.End, b.End) > max(a.Start, b.Start)
}

func clamp(s models.Segment, total float64) models.Segment {
	if s.Start < 0 {
		s.Start = 0
	}
	if s.End > total {
		s.End = total
	}
	if s.End < s.Start {
		s.End = s.Start
	}
	return s
}
