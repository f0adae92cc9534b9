package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/loamhq/loam/pkg/policy"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Development mode commands",
		Long:  `Commands for running loam components locally during development.`,
	}

	cmd.AddCommand(newDevUpCommand())
	cmd.AddCommand(newDevDownCommand())
	cmd.AddCommand(newDevWatchPoliciesCommand())

	return cmd
}

func newDevWatchPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch-policies <path>...",
		Short: "Hot-reload Rego policies as their files change",
		Long: `Watches one or more Rego policy files or directories and recompiles
the policy engine's file-based policies whenever one changes, for fast
iteration on policy content without restarting a CLI invocation per edit.
Runs until interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := policy.NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
			if err != nil {
				return fmt.Errorf("creating policy engine: %w", err)
			}
			if err := eng.LoadPolicies(cmd.Context(), args); err != nil {
				return fmt.Errorf("loading policies: %w", err)
			}

			log.Info().Strs("paths", args).Msg("watching policy paths for changes")
			if err := eng.WatchPolicies(cmd.Context(), args); err != nil {
				return fmt.Errorf("starting policy watch: %w", err)
			}

			<-cmd.Context().Done()
			return eng.StopWatchingPolicies()
		},
	}
	return cmd
}

func newDevUpCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Print the local statedb path",
		Long: `Prints the path of the SQLite-backed state database (pkg/statedb).
It does not create, initialize or migrate the database, and apply/plan do
not open it either.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("db", dbPath).Msg("local statedb path")

			// Only the path is reported; no statedb.Store is opened here.
			fmt.Printf("statedb would be initialized at %s\n", dbPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "loam.db", "path to the local statedb file")
	return cmd
}

func newDevDownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop local dev processes",
		Long:  `Stops any loam dev processes started with 'dev up'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Msg("stopping dev environment")
			fmt.Println("no dev processes tracked")
			return nil
		},
	}
}
