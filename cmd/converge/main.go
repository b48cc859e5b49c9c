package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var log zerolog.Logger

func main() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:           "converge",
		Short:         "Policy-gated convergence version control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newInitCmd(),
		newSnapCmd(),
		newSnapsCmd(),
		newDiffCmd(),
		newRestoreCmd(),
		newPublishCmd(),
		newBundleCmd(),
		newApproveCmd(),
		newPromoteCmd(),
		newReleaseCmd(),
		newGCCmd(),
		newResolveCmd(),
		newGateGraphCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
