// Package policy provides the orchestrator's Open Policy Agent (OPA) gate.
//
// It evaluates resources, plan documents, and lowered operations against
// Rego policies before the apply stage dispatches them, and ships a set of
// built-in policies covering resource-id conventions, production elevation
// approval, destructive-operation restriction, package version pinning, and
// sshd hardening. Custom policies can be loaded from files or directories
// alongside the built-ins.
//
// # Architecture
//
//  1. Engine - compiles and evaluates Rego policies
//  2. Loader - loads policies from files, directories, and bundles
//  3. Types - policies, violations, results, and evaluation context
//  4. Built-in Policies - pre-defined policies for this module's domain
//
// # Usage
//
//	logger := zerolog.New(os.Stdout)
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := eng.EvaluateOperation(ctx, op, &policy.PolicyContext{
//	    Environment: "production",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("policy %s violated: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// Loading custom policies:
//
//	err = eng.LoadPolicies(ctx, []string{"/etc/loam/policies"})
//
// # Built-in Policies
//
//  1. resource-id-format - enforces resource ID conventions
//  2. elevation-approval - requires approval for elevated production operations
//  3. destructive-operation-restriction - blocks unapproved production removal
//  4. package-version-pin - warns on unpinned package installs
//  5. sshd-hardening-required - requires password auth disabled in production
//
// # Evaluation Points
//
//  1. Resource evaluation (Evaluate) - available to callers; the pipeline
//     does not call it
//  2. Plan evaluation (EvaluatePlan) - run by the `validate` CLI command
//  3. Operation evaluation (EvaluateOperation) - immediately before
//     pipeline.Run dispatches an operation to a runner.Client
//
// # Severity Levels
//
//   - info: informational
//   - warning: reviewed but non-blocking
//   - error: blocks the operation
//   - critical: blocks the operation, requires immediate attention
package policy
