package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/loamhq/loam/pkg/planlang"
	"github.com/loamhq/loam/pkg/policy"
	"github.com/loamhq/loam/pkg/resource"
	"github.com/loamhq/loam/pkg/schema"
	"github.com/loamhq/loam/pkg/schema/cuelint"
)

func newValidateCommand() *cobra.Command {
	var (
		strict      bool
		policyPaths []string
	)

	cmd := &cobra.Command{
		Use:   "validate <plan>",
		Short: "Validate a plan document without touching live state",
		Long: `Validate loads a plan, checks every resource's params against its
kind's schema, runs the advisory cuelint profiles, and evaluates the plan
against the configured policy engine. It never probes or applies.`,
		Example: `  # Validate a plan
  loam validate site.plan

  # Fail on advisory lint findings too, not just hard schema errors
  loam validate --strict site.plan

  # Validate against custom Rego policy files
  loam validate --policy ./policies site.plan`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := args[0]

			log.Info().Str("plan", planPath).Bool("strict", strict).Msg("validating plan")

			reg := resource.NewBuiltinRegistry()
			loader := planlang.NewLoader(0, nil)

			plan, err := loader.Load(planlang.LocalPlanId(planPath))
			if err != nil {
				return fmt.Errorf("loading plan: %w", err)
			}

			lint := cuelint.NewRegistry()
			var findings []cuelint.Finding
			schemaErrs := 0

			for _, item := range plan.AllItems() {
				kind, err := reg.Lookup(item.Kind)
				if err != nil {
					fmt.Printf("ERROR  %s: %v\n", item.ID, err)
					schemaErrs++
					continue
				}

				value, err := schema.Validate(kind.Schema(), item.RawParams)
				if err != nil {
					fmt.Printf("ERROR  %s: %v\n", item.ID, err)
					schemaErrs++
					continue
				}

				fs, err := lint.Lint(item.Kind, item.ID, value)
				if err != nil {
					return fmt.Errorf("linting %s: %w", item.ID, err)
				}
				findings = append(findings, fs...)
			}

			for _, f := range findings {
				fmt.Printf("ADVISORY  %s (%s): %s\n", f.Resource, f.Profile, f.Message)
			}

			if len(policyPaths) > 0 {
				eng, err := policy.NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
				if err != nil {
					return fmt.Errorf("creating policy engine: %w", err)
				}
				if err := eng.LoadPolicies(cmd.Context(), policyPaths); err != nil {
					return fmt.Errorf("loading policies: %w", err)
				}
				result, err := eng.EvaluatePlan(cmd.Context(), &plan, &policy.PolicyContext{
					Operation: "validate",
					Timestamp: time.Now(),
				})
				if err != nil {
					return fmt.Errorf("evaluating plan policies: %w", err)
				}
				for _, v := range result.Violations {
					fmt.Printf("POLICY  %s (%s): %s\n", v.Resource, v.Policy, v.Message)
				}
				if !result.Allowed {
					return fmt.Errorf("plan denied by policy")
				}
			}

			if schemaErrs > 0 {
				return fmt.Errorf("%d resource(s) failed schema validation", schemaErrs)
			}
			if strict && len(findings) > 0 {
				return fmt.Errorf("%d advisory finding(s) in --strict mode", len(findings))
			}

			fmt.Println("ok")
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat advisory lint findings as errors")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "paths to Rego policy files or directories")

	return cmd
}
