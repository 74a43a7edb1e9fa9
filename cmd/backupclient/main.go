package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/dps_backup/cmd/internal/logcfg"
	logs "github.com/danmuck/smplog"
	"github.com/spf13/cobra"
)

func main() {
	logs.Configure(logcfg.Load())

	var flags rootFlags
	rootCmd := &cobra.Command{
		Use:   "backupclient",
		Short: "Back up, restore, delete and list files on a backup server",
		Long: `backupclient talks to a backup server over a single TCP connection.

Without a subcommand it runs the demo flow against the files listed in
backup.info (see "backupclient run --help").

The server address comes from server.info (host:port) unless a TOML
config sets "server". Every finished operation is appended to the
journal as one JSON object per line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, &flags)
		},
	}
	flags.register(rootCmd)

	rootCmd.AddCommand(
		runCmd(&flags),
		listCmd(&flags),
		backupCmd(&flags),
		restoreCmd(&flags),
		deleteCmd(&flags),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logs.Errorf(err, "backupclient")
		os.Exit(1)
	}
}
