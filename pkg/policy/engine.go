package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Config selects which policies an Engine evaluates.
type Config struct {
	// Builtin loads the built-in policies.
	Builtin bool

	// Dirs are files or directories of .rego and .json policies.
	Dirs []string

	// FailOnError turns a policy evaluation error into an Evaluate error
	// instead of a Result entry.
	FailOnError bool
}

// Engine compiles Rego policies and evaluates them against a playbook.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	cfg      Config
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   *Policy
	pkg      string
	deny     rego.PreparedEvalQuery
	warn     rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine and loads the configured policies.
func NewEngine(ctx context.Context, cfg Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		cfg:      cfg,
		logger:   logger.With().Str("component", "policy").Logger(),
	}

	if cfg.Builtin {
		if err := e.LoadBuiltinPolicies(ctx); err != nil {
			return nil, err
		}
	}
	if len(cfg.Dirs) > 0 {
		if err := e.LoadPolicies(ctx, cfg.Dirs...); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Evaluate evaluates every enabled policy against input. input is usually
// an Input, but any JSON-compatible value is accepted.
func (e *Engine) Evaluate(ctx context.Context, input any) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}

	for _, name := range e.names() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluateRule(ctx, cp, cp.deny, input, cp.policy.Severity)
		if err == nil {
			var warnings []Violation
			warnings, err = e.evaluateRule(ctx, cp, cp.warn, input, SeverityWarning)
			result.Warnings = append(result.Warnings, warnings...)
		}
		if err != nil {
			if e.cfg.FailOnError {
				return nil, fmt.Errorf("policy %s: %w", name, err)
			}
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	result.Allowed = len(result.Blocking()) == 0
	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Int("policies", len(result.EvaluatedPolicies)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// evaluateRule runs one prepared query and converts each member of the
// resulting set into a Violation.
func (e *Engine) evaluateRule(ctx context.Context, cp *compiledPolicy, query rego.PreparedEvalQuery, input any, severity Severity) ([]Violation, error) {
	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		set, ok := r.Expressions[0].Value.([]any)
		if !ok {
			continue
		}
		for _, item := range set {
			violations = append(violations, createViolation(cp.policy.Name, item, severity))
		}
	}
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Index != violations[j].Index {
			return violations[i].Index < violations[j].Index
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation builds a Violation from a deny or warn member. Members
// are either plain strings or objects with message, severity, task and
// index fields.
func createViolation(policy string, item any, severity Severity) Violation {
	v := Violation{
		Policy:   policy,
		Index:    -1,
		Severity: severity,
	}

	switch m := item.(type) {
	case string:
		v.Message = m
	case map[string]any:
		if msg, ok := m["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := m["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
		if task, ok := m["task"].(string); ok {
			v.Task = task
		}
		if idx, ok := toIndex(m["index"]); ok {
			v.Index = idx
		}
	default:
		v.Message = fmt.Sprintf("%v", item)
	}
	return v
}

// toIndex accepts the number types rego hands back.
func toIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// LoadPolicies loads and compiles policies from files or directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths ...string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.install(ctx, policies)
}

// LoadBuiltinPolicies compiles the built-in policies.
func (e *Engine) LoadBuiltinPolicies(ctx context.Context) error {
	if err := e.install(ctx, GetBuiltinPolicies()); err != nil {
		return fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return nil
}

// ReplacePolicies swaps every loaded file policy for policies, keeping the
// built-ins. It is the reload hook for Loader.Watch.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Source != "" {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.logger.Info().Int("count", len(compiled)).Msg("Policies replaced")
	return nil
}

func (e *Engine) install(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		e.policies[policies[i].Name] = cp
		e.logger.Debug().
			Str("policy", policies[i].Name).
			Str("package", cp.pkg).
			Msg("Policy compiled")
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// compile parses a policy and prepares its deny and warn queries.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	filename := policy.Name + ".rego"
	module, err := ast.ParseModule(filename, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()

	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.Query(pkg+"."+rule),
			rego.Module(filename, policy.Rego),
		).PrepareForEval(ctx)
	}

	deny, err := prepare("deny")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deny query: %w", err)
	}
	warn, err := prepare("warn")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare warn query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	return &compiledPolicy{
		policy:   policy,
		pkg:      pkg,
		deny:     deny,
		warn:     warn,
		compiled: time.Now(),
	}, nil
}

func (e *Engine) names() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
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

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.names() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// Summary formats violations one per line.
func Summary(violations []Violation) string {
	lines := make([]string, len(violations))
	for i, v := range violations {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

// Watch reloads the file policies whenever a file under the configured
// directories changes, until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if len(e.cfg.Dirs) == 0 {
		return nil
	}
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, e.cfg.Dirs, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}
