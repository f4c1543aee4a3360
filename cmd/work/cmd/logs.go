package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Stream task or environment logs",
}

var logsTaskCmd = &cobra.Command{
	Use:   "task [id]",
	Short: "Stream a task's log file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runLogsStream(cmd, "tasks", args[0])
	},
}

var logsEnvCmd = &cobra.Command{
	Use:   "env [id]",
	Short: "Stream an environment's log file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runLogsStream(cmd, "environments", args[0])
	},
}

func runLogsStream(cmd *cobra.Command, kind, id string) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := NewClient(viper.GetString("socket"))
	if err := client.StreamLogs(ctx, kind, id, logsFollow, cmd.OutOrStdout()); err != nil && ctx.Err() == nil {
		printErr(cmd, err)
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.AddCommand(logsTaskCmd, logsEnvCmd)

	logsCmd.PersistentFlags().BoolVarP(&logsFollow, "follow", "f", false, "keep streaming new output")
}
