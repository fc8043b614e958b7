package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scribeq",
		Short:         "scribeq - 视频转写队列 worker",
		Long:          "从共享队列领取视频，下载、切片、转写、说话人识别后写回转写结果。",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "YAML 配置文件路径 (等同 CONFIG_FILE)")

	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newMergeCmd())
	return rootCmd
}
