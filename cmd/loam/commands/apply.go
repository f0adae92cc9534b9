package commands

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/loamhq/loam/pkg/orchestrator"
	"github.com/loamhq/loam/pkg/planlang"
	"github.com/loamhq/loam/pkg/policy"
	"github.com/loamhq/loam/pkg/resource"
	"github.com/loamhq/loam/pkg/telemetry"
	"github.com/loamhq/loam/pkg/updatestream"
)

// operatorName identifies who triggered an apply run for telemetry, falling
// back to "unknown" outside an interactive shell (cron, CI).
func operatorName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func newApplyCommand() *cobra.Command {
	var (
		environment string
		approved    bool
		policyPaths []string
		noPolicy    bool
	)

	cmd := &cobra.Command{
		Use:   "apply <plan>",
		Short: "Apply a plan against live system state",
		Long: `Apply runs the full six-stage pipeline: expand, probe, diff, schedule,
lower, and apply. Every lowered operation is gated through the policy
engine (unless --no-policy) and dispatched to loam-runner, elevated via
sudo -n when the resource kind requires it.`,
		Example: `  # Apply a plan
  loam apply site.plan

  # Apply in production with an approved elevation
  loam apply --environment production --approved site.plan`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := args[0]
			runID := uuid.NewString()

			log.Info().Str("plan", planPath).Str("run_id", runID).Msg("applying")

			tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
			if err != nil {
				return fmt.Errorf("initializing telemetry: %w", err)
			}
			defer tel.Shutdown(cmd.Context())

			reg := resource.NewBuiltinRegistry()
			loader := planlang.NewLoader(0, nil)

			var buf bytes.Buffer
			stream := updatestream.NewWriter(&buf)
			p := orchestrator.New(reg, loader, stream)
			p.RunnerPath = runnerPath
			p.RunID = runID
			p.Logger = tel.Logger
			p.Metrics = tel.Metrics
			p.Tracer = tel.Tracer
			p.Telemetry = tel
			p.Operator = operatorName()

			if !noPolicy {
				eng, err := policy.NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
				if err != nil {
					return fmt.Errorf("creating policy engine: %w", err)
				}
				if len(policyPaths) > 0 {
					if err := eng.LoadPolicies(cmd.Context(), policyPaths); err != nil {
						return fmt.Errorf("loading policies: %w", err)
					}
				}
				p.Policy = eng
				p.PolicyContext = &policy.PolicyContext{
					Environment: environment,
					Operation:   "apply",
					Approved:    approved,
				}
			}

			runErr := p.Run(cmd.Context(), planlang.LocalPlanId(planPath))

			if jsonOutput {
				os.Stdout.Write(buf.Bytes())
			} else {
				printApplySummary(&buf)
			}

			if runErr != nil {
				return fmt.Errorf("apply failed: %w", runErr)
			}
			fmt.Println("apply complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&environment, "environment", "development", "environment label for policy evaluation")
	cmd.Flags().BoolVar(&approved, "approved", false, "mark operator approval for policies requiring it")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "paths to Rego policy files or directories")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy evaluation entirely")

	return cmd
}

func printApplySummary(buf *bytes.Buffer) {
	reader := updatestream.NewReader(buf)
	for {
		rec, err := reader.Read()
		if err != nil {
			break
		}
		switch rec.Type {
		case updatestream.TypeOpStart:
			fmt.Println("> " + rec.Message)
		case updatestream.TypeStdout:
			fmt.Println("  " + rec.Line)
		case updatestream.TypeStderr:
			fmt.Println("  ! " + rec.Line)
		case updatestream.TypeOpComplete:
			fmt.Printf("< %s\n", string(rec.Status))
		case updatestream.TypeError:
			fmt.Printf("! %s: %s\n", rec.Stage, rec.Message)
		}
	}
}
