package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// CompilerConfig holds compiler-wide settings
type CompilerConfig struct {
	// ScriptTimeout bounds the wall-clock time of a single script evaluation
	ScriptTimeout time.Duration

	// ScriptCostLimit caps the CEL runtime cost of a script; 0 disables the limit
	ScriptCostLimit uint64

	// MaxCompositeDepth bounds composite pattern nesting
	MaxCompositeDepth int

	Logger *slog.Logger
}

// DefaultCompilerConfig returns the compiler defaults
func DefaultCompilerConfig() CompilerConfig {
	return CompilerConfig{
		ScriptTimeout:     time.Second,
		ScriptCostLimit:   1000000,
		MaxCompositeDepth: 8,
	}
}

// CompileOptions tunes a single compilation
type CompileOptions struct {
	// Optimize adds fast no-match paths for empty patterns and missing
	// requiredContextKeys
	Optimize bool

	// ValidateDependencies is informational; it is logged but not enforced
	ValidateDependencies bool

	// ValidatePattern rejects malformed patterns before compiling
	ValidatePattern bool
}

// DefaultCompileOptions returns the options used when none are given
func DefaultCompileOptions() CompileOptions {
	return CompileOptions{
		Optimize:        true,
		ValidatePattern: true,
	}
}

// PatternValidation is the structured result of ValidatePattern
type PatternValidation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// PatternError reports why a pattern was rejected
type PatternError struct {
	Pattern  string
	Problems []string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %s", e.Pattern, strings.Join(e.Problems, "; "))
}

func (e *PatternError) Unwrap() error {
	return ErrInvalidPattern
}

// RuleCompiler turns rules into executable CompiledRules
type RuleCompiler interface {
	Compile(rule *Rule, opts CompileOptions) (*CompiledRule, error)
}

// Compiler translates rule patterns into evaluators.
// It is safe for concurrent use.
type Compiler struct {
	config CompilerConfig
	env    *cel.Env
	logger *slog.Logger
}

// NewCompiler creates a compiler with its own script environment
func NewCompiler(config CompilerConfig) (*Compiler, error) {
	defaults := DefaultCompilerConfig()
	if config.ScriptTimeout <= 0 {
		config.ScriptTimeout = defaults.ScriptTimeout
	}
	if config.MaxCompositeDepth <= 0 {
		config.MaxCompositeDepth = defaults.MaxCompositeDepth
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	env, err := newScriptEnv()
	if err != nil {
		return nil, err
	}

	return &Compiler{
		config: config,
		env:    env,
		logger: config.Logger,
	}, nil
}

// CompiledRule is the executable form of one version of a rule.
// It is derived data and can always be rebuilt from the rule.
type CompiledRule struct {
	RuleID          string
	Version         int64
	Kind            PatternKind
	CompiledAt      time.Time
	CompileDuration time.Duration

	// Err is set when compilation failed and the rule degraded to never matching
	Err error

	eval evaluator
}

// Evaluate runs the compiled rule against facts. It never panics or returns
// an error: failures are reported as a non-match.
func (c *CompiledRule) Evaluate(ctx context.Context, facts Facts, opts EvalOptions) (result *EvaluationResult) {
	start := time.Now()
	var tr *tracer
	if opts.Trace {
		tr = &tracer{}
	}

	result = &EvaluationResult{RuleID: c.RuleID}
	defer func() {
		if r := recover(); r != nil {
			tr.add(TraceEntry{Kind: c.Kind, Error: fmt.Sprintf("panic: %v", r)})
			result.Matched = false
			result.Actions = nil
			result.MatchedConditions = nil
		}
		result.EvaluationTime = time.Since(start)
		if tr != nil {
			result.Trace = tr.entries
		}
	}()

	out := c.eval(ctx, facts, tr)
	result.Matched = out.matched
	result.Actions = out.actions
	result.MatchedConditions = out.conditions
	return result
}

// IsValidPattern reports whether the pattern would pass validation
func (c *Compiler) IsValidPattern(pattern string) bool {
	return c.ValidatePattern(pattern).Valid
}

// ValidatePattern checks a pattern without compiling an evaluator
func (c *Compiler) ValidatePattern(pattern string) PatternValidation {
	kind, body := ParsePattern(pattern)
	problems := c.validateBody(kind, body, 0)
	return PatternValidation{
		Valid:  len(problems) == 0,
		Errors: problems,
	}
}

// Compile builds the evaluator for rule. It always returns a usable
// CompiledRule; when the pattern is rejected by validation the returned rule
// never matches and the error wraps ErrInvalidPattern. Internal compilation
// failures are logged and also degrade to a never-matching rule.
func (c *Compiler) Compile(rule *Rule, opts CompileOptions) (*CompiledRule, error) {
	if rule == nil {
		return nil, errors.New("compile: rule is nil")
	}

	start := time.Now()
	kind, body := ParsePattern(rule.Pattern)

	if opts.ValidatePattern {
		if v := c.ValidatePattern(rule.Pattern); !v.Valid {
			err := &PatternError{Pattern: rule.Pattern, Problems: v.Errors}
			c.logger.Error("rule pattern rejected",
				"rule_id", rule.ID, "version", rule.Version, "error", err)
			return newNeverMatch(rule, err, start), err
		}
	}

	if opts.ValidateDependencies {
		c.logger.Debug("dependency validation requested", "rule_id", rule.ID)
	}

	eval, err := c.compileKind(rule, kind, body, 0)
	if err != nil {
		c.logger.Error("rule compilation failed",
			"rule_id", rule.ID, "version", rule.Version, "kind", kind, "error", err)
		return newNeverMatch(rule, err, start), nil
	}

	if opts.Optimize {
		eval = optimized(rule, body, eval)
	}
	eval = activeOnly(rule, eval)

	return &CompiledRule{
		RuleID:          rule.ID,
		Version:         rule.Version,
		Kind:            kind,
		CompiledAt:      time.Now(),
		CompileDuration: time.Since(start),
		eval:            eval,
	}, nil
}

// newNeverMatch builds the degraded form of a rule that failed to compile
func newNeverMatch(rule *Rule, cause error, start time.Time) *CompiledRule {
	kind, _ := ParsePattern(rule.Pattern)
	msg := cause.Error()
	return &CompiledRule{
		RuleID:          rule.ID,
		Version:         rule.Version,
		Kind:            kind,
		CompiledAt:      time.Now(),
		CompileDuration: time.Since(start),
		Err:             cause,
		eval: func(_ context.Context, _ Facts, tr *tracer) outcome {
			tr.add(TraceEntry{Kind: kind, Pattern: rule.Pattern, Error: msg})
			return outcome{}
		},
	}
}

// activeOnly short-circuits rules whose status is not active
func activeOnly(rule *Rule, next evaluator) evaluator {
	if rule.IsActive() {
		return next
	}
	status := string(rule.Status)
	return func(_ context.Context, _ Facts, tr *tracer) outcome {
		tr.add(TraceEntry{Detail: "rule status is " + status})
		return outcome{}
	}
}

// optimized adds the cheap pre-checks applied before the kind evaluator
func optimized(rule *Rule, body string, next evaluator) evaluator {
	if strings.TrimSpace(body) == "" {
		return func(_ context.Context, _ Facts, tr *tracer) outcome {
			tr.add(TraceEntry{Detail: "empty pattern"})
			return outcome{}
		}
	}

	required := rule.RequiredContextKeys()
	if len(required) == 0 {
		return next
	}
	return func(ctx context.Context, facts Facts, tr *tracer) outcome {
		if !hasAllPaths(facts, required) {
			tr.add(TraceEntry{Detail: "required context keys missing"})
			return outcome{}
		}
		return next(ctx, facts, tr)
	}
}
