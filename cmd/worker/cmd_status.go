package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
)

type statusReport struct {
	Depth  int            `json:"depth"`
	States map[string]int `json:"states"`
}

func newStatusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "按状态统计视频数量",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")

			cfg, _, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			videos := store.NewVideoRepository(db)
			counts, err := videos.CountByState(cmd.Context())
			if err != nil {
				return err
			}
			depth, err := videos.Depth(cmd.Context(), cfg.Worker.LeaseDuration)
			if err != nil {
				return err
			}

			report := statusReport{Depth: depth, States: make(map[string]int, len(counts))}
			for state, n := range counts {
				report.States[string(state)] = n
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATE\tCOUNT")
			for _, state := range models.AllVideoStates {
				fmt.Fprintf(tw, "%s\t%d\n", state, counts[state])
			}
			fmt.Fprintf(tw, "claimable\t%d\n", depth)
			return tw.Flush()
		},
	}
	c.Flags().StringP("output", "o", "text", "输出格式: text, json")
	return c
}
