package commands

import (
	"bytes"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/loamhq/loam/pkg/orchestrator"
	"github.com/loamhq/loam/pkg/planlang"
	"github.com/loamhq/loam/pkg/resource"
	"github.com/loamhq/loam/pkg/updatestream"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <plan>",
		Short: "Compute and display the operations a plan would apply",
		Long: `Plan runs the full expand/probe/diff/schedule/lower pipeline against
live system state but never spawns a runner: every lowered operation is
reported as planned rather than executed.`,
		Example: `  # Preview what apply would do
  loam plan site.plan`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := args[0]
			log.Info().Str("plan", planPath).Msg("planning")

			reg := resource.NewBuiltinRegistry()
			loader := planlang.NewLoader(0, nil)

			var buf bytes.Buffer
			stream := updatestream.NewWriter(&buf)
			p := orchestrator.New(reg, loader, stream)
			p.DryRun = true

			if err := p.Run(cmd.Context(), planlang.LocalPlanId(planPath)); err != nil {
				return fmt.Errorf("planning: %w", err)
			}

			if jsonOutput {
				_, err := os.Stdout.Write(buf.Bytes())
				return err
			}

			return printPlanSummary(&buf)
		},
	}

	return cmd
}

// printPlanSummary renders the update-stream records from a dry run as a
// human-readable list of planned operations and resource-level diffs.
func printPlanSummary(buf *bytes.Buffer) error {
	reader := updatestream.NewReader(buf)
	planned := 0
	changed := 0
	lowering := false
	for {
		rec, err := reader.Read()
		if err != nil {
			break
		}
		switch rec.Type {
		case updatestream.TypeOperationsStart:
			lowering = true
		case updatestream.TypeOperationsNode:
			// The lower stage emits one Node per resource with changes; the
			// diff stage's Node records share this type and come earlier.
			if lowering {
				changed++
			}
		case updatestream.TypeOpStart:
			planned++
			fmt.Println("~ " + rec.Message)
		case updatestream.TypeError:
			fmt.Printf("! %s: %s\n", rec.Stage, rec.Message)
		}
	}
	fmt.Printf("\n%d resource(s) with changes, %d operation(s) planned\n", changed, planned)
	return nil
}
