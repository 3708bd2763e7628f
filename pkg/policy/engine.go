package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
	"github.com/runplane/runplane/pkg/engine"
)

// Engine evaluates admission policies over composed runs.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Admit evaluates input and returns a configuration error carrying the
// violations when a blocking policy denies it.
func (e *Engine) Admit(ctx context.Context, input map[string]interface{}) error {
	res, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}
	if res.Allowed {
		return nil
	}
	return engine.NewConfigurationError("run denied by policy", nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", res.Messages())
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	res := &Result{Allowed: true, EvaluatedAt: start.UTC()}
	subject := subjectOf(input)

	for _, cp := range compiled {
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input, subject)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("subject", subject).
				Msg("Policy evaluation failed")
			res.Errors = append(res.Errors, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				res.Allowed = false
				res.Violations = append(res.Violations, v)
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}

	res.Duration = time.Since(start)
	e.logger.Debug().
		Str("subject", subject).
		Bool("allowed", res.Allowed).
		Int("violations", len(res.Violations)).
		Int("warnings", len(res.Warnings)).
		Dur("duration", res.Duration).
		Msg("Policy evaluation completed")

	return res, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}, subject string) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, subject))
		}
	}
	return violations, nil
}

func createViolation(policy *Policy, result interface{}, subject string) Violation {
	v := Violation{
		Policy:     policy.Name,
		Subject:    subject,
		Severity:   policy.Severity,
		DetectedAt: time.Now().UTC(),
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		for key, val := range r {
			switch key {
			case "message":
				v.Message = fmt.Sprint(val)
			case "severity":
				v.Severity = Severity(fmt.Sprint(val))
			default:
				if v.Details == nil {
					v.Details = make(map[string]interface{})
				}
				v.Details[key] = val
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

func subjectOf(input map[string]interface{}) string {
	if r, ok := input["runnable"].(map[string]interface{}); ok {
		if id, ok := r["id"].(string); ok {
			return id
		}
	}
	return ""
}

// compile parses the module and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// AddPolicy compiles and installs a policy, replacing one with the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := compile(ctx, &policy)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}

	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

// RemovePolicy uninstalls a policy.
func (e *Engine) RemovePolicy(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.policies[name]
	delete(e.policies, name)
	return ok
}

// LoadPolicies loads and installs policy files.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.AddPolicy(ctx, policies[i]); err != nil {
			return err
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every non-builtin policy for policies. Nothing is
// changed when any of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			if _, overridden := compiled[name]; !overridden {
				compiled[name] = cp
			}
		}
	}
	e.policies = compiled

	e.logger.Info().Int("count", len(policies)).Msg("Policies replaced")
	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.AddPolicy(ctx, builtins[i]); err != nil {
			return err
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
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
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// ReloadPolicies drops every loaded policy and reinstalls the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	e.mu.Unlock()

	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// Watch loads the policies under paths and keeps them in sync with the
// files until ctx is done. A reload that fails to compile keeps the
// previous set.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.ReplacePolicies(ctx, policies); err != nil {
		return nil, err
	}

	err = loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}
