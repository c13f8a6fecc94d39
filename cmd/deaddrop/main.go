package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "deaddrop: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deaddrop",
		Short: "DeadDrop admin CLI",
		Long: `DeadDrop CLI inspects and destroys drops in the configured PostgreSQL and object store,
replays archived deletion jobs and runs schema migrations.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.AddCommand(
		newMigrateCmd(),
		newResolveCmd(),
		newShowCmd(),
		newBurnCmd(),
		newPurgeCmd(),
		newReplayCmd(),
	)
	return cmd
}
