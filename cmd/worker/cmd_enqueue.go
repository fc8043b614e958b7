package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
)

func newEnqueueCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "enqueue <url>",
		Short: "提交单个视频 URL（重复提交不会产生新任务）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceURL := args[0]
			if err := validateSourceURL(sourceURL); err != nil {
				return err
			}
			title, _ := cmd.Flags().GetString("title")

			cfg, log, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := store.NewJobRepository(db).Enqueue(cmd.Context(), sourceURL, title)
			if err != nil {
				return err
			}
			log.Info("enqueue", "url", sourceURL, "job_id", res.JobID, "video_id", res.VideoID, "created", res.Created)

			out := cmd.OutOrStdout()
			if res.Created {
				fmt.Fprintf(out, "queued job %s video %s\n", res.JobID, res.VideoID)
			} else {
				fmt.Fprintf(out, "already queued: job %s video %s\n", res.JobID, res.VideoID)
			}
			return nil
		},
	}
	c.Flags().String("title", "", "视频标题")
	return c
}

func validateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: want an absolute http(s) url", raw)
	}
	return nil
}
