package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/chunker"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/diarize"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/merger"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/whisper"
)

// chunkFileName is the per-chunk whisper output name under --chunks-dir.
const chunkFileName = "chunk_%04d.json"

// maxParallelReads bounds concurrent chunk file loads.
const maxParallelReads = 8

type mergeOptions struct {
	manifestPath string
	chunksDir    string
	duration     float64
	chunkSeconds float64
	overlap      float64
	speakerFile  string
	format       string
}

func newMergeCmd() *cobra.Command {
	opts := mergeOptions{}
	c := &cobra.Command{
		Use:   "merge-segments",
		Short: "离线合并分片转写结果（可选说话人标注）",
		Long: `读取每个分片的 whisper JSON 输出（chunk_0000.json ...），按清单偏移、去重、排序后输出。
清单可以用 --manifest 指定，也可以由 --duration 与 --chunk-seconds 重新切分得到。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validFormat(opts.format) {
				return fmt.Errorf("invalid --format %q: want text, json, srt or vtt", opts.format)
			}

			manifest, err := loadManifest(opts)
			if err != nil {
				return err
			}
			results, err := loadChunkResults(opts.chunksDir, manifest, opts.overlap)
			if err != nil {
				return err
			}
			segments, err := merger.Merge(manifest, results)
			if err != nil {
				return err
			}

			if opts.speakerFile != "" {
				spans, err := diarize.LoadSpans(opts.speakerFile)
				if err != nil {
					return fmt.Errorf("read speakers: %w", err)
				}
				segments = diarize.Align(segments, spans)
			}
			if len(segments) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no segments after merge")
			}
			return writeSegments(cmd.OutOrStdout(), opts.format, segments)
		},
	}

	c.Flags().StringVar(&opts.manifestPath, "manifest", "", "分片清单 JSON 文件")
	c.Flags().StringVar(&opts.chunksDir, "chunks-dir", "", "分片转写结果目录 (必需)")
	c.Flags().Float64Var(&opts.duration, "duration", 0, "音频总时长（秒），无清单时使用")
	c.Flags().Float64Var(&opts.chunkSeconds, "chunk-seconds", 900, "分片长度（秒），无清单时使用")
	c.Flags().Float64Var(&opts.overlap, "overlap", 0, "切片时两侧读取的余量（秒），与 CHUNK_OVERLAP_SECONDS 一致")
	c.Flags().StringVar(&opts.speakerFile, "speaker-file", "", "说话人识别 JSON 文件")
	c.Flags().StringVarP(&opts.format, "format", "f", "text", "输出格式: text, json, srt, vtt")
	_ = c.MarkFlagRequired("chunks-dir")
	c.MarkFlagsMutuallyExclusive("manifest", "duration")
	return c
}

func loadManifest(opts mergeOptions) (chunker.Manifest, error) {
	if opts.manifestPath == "" {
		if opts.duration <= 0 {
			return nil, errors.New("either --manifest or --duration is required")
		}
		return chunker.Split(opts.duration, opts.chunkSeconds)
	}

	data, err := os.ReadFile(opts.manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest chunker.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for i, e := range manifest {
		if e.Index != i {
			return nil, fmt.Errorf("manifest entry %d has index %d", i, e.Index)
		}
	}
	return manifest, nil
}

// loadChunkResults reads every chunk file in parallel. A missing file is an
// error; the merged output would otherwise have a silent gap.
func loadChunkResults(dir string, manifest chunker.Manifest, margin float64) ([]merger.ChunkResult, error) {
	results := make([]merger.ChunkResult, len(manifest))

	var g errgroup.Group
	g.SetLimit(maxParallelReads)
	for i, entry := range manifest {
		g.Go(func() error {
			path := filepath.Join(dir, fmt.Sprintf(chunkFileName, entry.Index))
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", entry, err)
			}
			res, err := whisper.ParseResult(data)
			if err != nil {
				return fmt.Errorf("%s: %w", entry, err)
			}
			results[i] = merger.ChunkResult{Index: entry.Index, Segments: withinWindow(res, entry, margin)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// withinWindow shifts helper output from the chunk's read start to its
// nominal window and drops segments starting in either margin.
func withinWindow(res *whisper.TranscriptionResult, entry chunker.Entry, margin float64) []models.Segment {
	leadIn := entry.LeadIn(margin)
	out := make([]models.Segment, 0, len(res.Segments))
	for _, s := range res.Segments {
		start := s.Start - leadIn
		if start < 0 || start >= entry.Duration {
			continue
		}
		out = append(out, models.Segment{Start: start, End: s.End - leadIn, Text: s.Text, Confidence: s.Score()})
	}
	return out
}
