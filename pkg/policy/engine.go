package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/loamhq/loam/pkg/planlang"
	"github.com/loamhq/loam/pkg/resource"
	"github.com/rs/zerolog"
)

// Engine is the OPA/Rego gate the orchestrator's apply stage consults before
// executing any lowered operation: it evaluates a resource tree or plan
// against the loaded policy set and reports violations without performing
// any I/O itself.
type Engine struct {
	mu           sync.RWMutex
	policies     map[string]*compiledPolicy
	store        storage.Store
	logger       zerolog.Logger
	compiler     *ast.Compiler
	builtinPolicies []Policy
	watchLoader  *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	store := inmem.New()

	e := &Engine{
		policies:     make(map[string]*compiledPolicy),
		store:        store,
		logger:       logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	// Load built-in policies
	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate evaluates policies against a set of expanded resources, e.g. the
// orchestrator's full resource tree before scheduling.
func (e *Engine) Evaluate(ctx context.Context, resources []resource.Resource, pctx *PolicyContext) (*PolicyResult, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx == nil {
		pctx = &PolicyContext{Operation: "validate"}
	}

	var allViolations []PolicyViolation
	var warnings []PolicyViolation
	evaluatedPolicies := make([]string, 0, len(e.policies))

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		evaluatedPolicies = append(evaluatedPolicies, cp.policy.Name)

		for i := range resources {
			localCtx := *pctx
			localCtx.Timestamp = time.Now()
			input := &PolicyInput{
				Resource: &resources[i],
				Context:  &localCtx,
			}

			violations, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("resource", resources[i].ID).
					Msg("Policy evaluation failed")
				continue
			}

			allViolations, warnings = classifyViolations(allViolations, warnings, violations)
		}
	}

	return &PolicyResult{
		Allowed:           !blocksApply(allViolations),
		Violations:        allViolations,
		Warnings:          warnings,
		EvaluatedAt:       time.Now(),
		EvaluatedPolicies: evaluatedPolicies,
		Duration:          time.Since(startTime),
		Context:           pctx,
	}, nil
}

// EvaluatePlan evaluates policies against a plan document.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *planlang.Plan, pctx *PolicyContext) (*PolicyResult, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx == nil {
		pctx = &PolicyContext{Operation: "plan"}
	}

	var allViolations []PolicyViolation
	var warnings []PolicyViolation
	evaluatedPolicies := make([]string, 0, len(e.policies))

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		evaluatedPolicies = append(evaluatedPolicies, cp.policy.Name)

		localCtx := *pctx
		localCtx.Timestamp = time.Now()
		input := &PolicyInput{
			Plan:    plan,
			Context: &localCtx,
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("plan", plan.ID.LocalPath).
				Msg("Policy evaluation failed")
			continue
		}

		allViolations, warnings = classifyViolations(allViolations, warnings, violations)
	}

	duration := time.Since(startTime)
	e.logger.Debug().
		Str("plan_id", plan.ID.LocalPath).
		Int("violations", len(allViolations)).
		Dur("duration", duration).
		Msg("Plan policy evaluation completed")

	return &PolicyResult{
		Allowed:           !blocksApply(allViolations),
		Violations:        allViolations,
		Warnings:          warnings,
		EvaluatedAt:       time.Now(),
		EvaluatedPolicies: evaluatedPolicies,
		Duration:          duration,
		Context:           pctx,
	}, nil
}

// EvaluateOperation evaluates policies against a single lowered apply-time
// operation, the gate pipeline.Run consults immediately before applyOne
// dispatches it to a runner.Client.
func (e *Engine) EvaluateOperation(ctx context.Context, op *resource.Operation, pctx *PolicyContext) (*PolicyResult, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx == nil {
		pctx = &PolicyContext{Operation: "apply"}
	}

	var allViolations []PolicyViolation
	var warnings []PolicyViolation
	evaluatedPolicies := make([]string, 0, len(e.policies))

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		evaluatedPolicies = append(evaluatedPolicies, cp.policy.Name)

		localCtx := *pctx
		localCtx.Timestamp = time.Now()
		input := &PolicyInput{
			Operation: op,
			Context:   &localCtx,
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("resource", op.ResourceID).
				Msg("Policy evaluation failed")
			continue
		}

		allViolations, warnings = classifyViolations(allViolations, warnings, violations)
	}

	duration := time.Since(startTime)
	e.logger.Debug().
		Str("resource_id", op.ResourceID).
		Int("violations", len(allViolations)).
		Dur("duration", duration).
		Msg("Operation policy evaluation completed")

	return &PolicyResult{
		Allowed:           !blocksApply(allViolations),
		Violations:        allViolations,
		Warnings:          warnings,
		EvaluatedAt:       time.Now(),
		EvaluatedPolicies: evaluatedPolicies,
		Duration:          duration,
		Context:           pctx,
	}, nil
}

// blocksApply reports whether any violation is severe enough to block the
// operation it was raised against.
func blocksApply(violations []PolicyViolation) bool {
	for i := range violations {
		if violations[i].Severity == SeverityError || violations[i].Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// classifyViolations splits newly produced violations into the blocking and
// warning buckets based on severity.
func classifyViolations(violations, warnings []PolicyViolation, newly []PolicyViolation) ([]PolicyViolation, []PolicyViolation) {
	for _, v := range newly {
		if v.Severity == SeverityError || v.Severity == SeverityCritical {
			violations = append(violations, v)
		} else {
			warnings = append(warnings, v)
		}
	}
	return violations, warnings
}

// LoadPolicies loads policy files.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	// Compile and store policies
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// WatchPolicies starts an fsnotify watch over paths and hot-reloads the
// engine's file-based policy set whenever a .rego/.json file under them
// changes, replacing every non-builtin compiled policy with the freshly
// loaded set. The watch runs until ctx is cancelled.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	if e.watchLoader != nil {
		e.mu.Unlock()
		return fmt.Errorf("policy watch already running")
	}
	loader := NewLoader(e.logger)
	e.watchLoader = loader
	e.mu.Unlock()

	return loader.Watch(ctx, paths, func(policies []Policy) error {
		builtinNames := map[string]bool{}
		for _, bp := range e.builtinPolicies {
			builtinNames[bp.Name] = true
		}

		e.mu.Lock()
		for name := range e.policies {
			if !builtinNames[name] {
				delete(e.policies, name)
			}
		}
		e.mu.Unlock()

		for i := range policies {
			if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
				return fmt.Errorf("recompiling reloaded policy %s: %w", policies[i].Name, err)
			}
		}
		return nil
	})
}

// StopWatchingPolicies stops a watch started by WatchPolicies, if any.
func (e *Engine) StopWatchingPolicies() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watchLoader == nil {
		return nil
	}
	err := e.watchLoader.StopWatching()
	e.watchLoader = nil
	return err
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]PolicyViolation, error) {
	// Build the query to get all deny violations from the policy package
	// Extract package name from the policy
	packageName := extractPackageName(cp.policy.Rego)

	// Create a query specifically for deny results
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation

	// Process results
	for _, result := range results {
		if len(result.Expressions) > 0 {
			// The result should be a set of violations
			if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
				for _, d := range denySet {
					violation := e.createViolation(cp.policy, d, input)
					violations = append(violations, violation)
				}
			}
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(rego string) string {
	lines := strings.Split(rego, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "loam.policies"
}

// createViolation creates a PolicyViolation from policy result.
func (e *Engine) createViolation(policy *Policy, result interface{}, input *PolicyInput) PolicyViolation {
	violation := PolicyViolation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch {
	case input.Resource != nil:
		violation.Resource = input.Resource.ID
	case input.Operation != nil:
		violation.Resource = input.Operation.ResourceID
	}

	// Extract message from result
	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
		if rem, ok := v["remediation"].(string); ok {
			violation.Remediation = rem
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	// Parse the Rego module
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	// Create a new Rego query
	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query("data"),
	)

	// Prepare the query for reuse
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}

	return policies
}

// ReloadPolicies reloads all policies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Clear existing policies
	e.policies = make(map[string]*compiledPolicy)

	// Reload built-in policies
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("Policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}
