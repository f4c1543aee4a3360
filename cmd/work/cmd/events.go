package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"work/pkg/api"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream entity-change notifications from the daemon",
	Long: `Stream (kind, id) hints from the daemon's event bus as entities
change. The stream is lossy: a reconnect can miss events published while
disconnected, so treat it as a prompt to re-fetch state, not as a log.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		client := NewClient(viper.GetString("socket"))
		err := client.StreamEvents(ctx, func(ev api.Event) {
			cmd.Printf("%s %s\n", ev.Kind, ev.ID)
		})
		if err != nil && ctx.Err() == nil {
			printErr(cmd, err)
		}
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
