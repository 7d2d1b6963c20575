package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// interruptCheckFrequency is how many comprehension iterations run between
// checks of the evaluation context, so a timed-out script actually stops.
const interruptCheckFrequency = 100

// newScriptEnv creates the CEL environment scripts are compiled in.
// Scripts see the evaluation facts as `context` and rule metadata as `rule`;
// CEL has no I/O, no unbounded loops and no host access.
func newScriptEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.DynType),
		cel.Variable("rule", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func (c *Compiler) parseScript(body string) (*cel.Ast, error) {
	ast, issues := c.env.Compile(body)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("script compile error: %w", issues.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("script must evaluate to bool, got %s", out)
	}
	return ast, nil
}

func (c *Compiler) checkScript(body string) error {
	_, err := c.parseScript(body)
	return err
}

func (c *Compiler) compileScript(rule *Rule, body string) (evaluator, error) {
	ast, err := c.parseScript(body)
	if err != nil {
		return nil, err
	}

	opts := []cel.ProgramOption{cel.InterruptCheckFrequency(interruptCheckFrequency)}
	if c.config.ScriptCostLimit > 0 {
		opts = append(opts, cel.CostLimit(c.config.ScriptCostLimit))
	}
	prog, err := c.env.Program(ast, opts...)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	ruleVars := map[string]any{
		"id":       rule.ID,
		"type":     string(rule.Type),
		"priority": rule.Priority,
		"metadata": nonNilMap(rule.Metadata),
	}
	condition := string(KindScript) + ":" + body
	timeout := c.config.ScriptTimeout
	logger := c.logger

	return func(ctx context.Context, facts Facts, tr *tracer) outcome {
		start := time.Now()
		evalCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, _, err := prog.ContextEval(evalCtx, map[string]any{
			"context": nonNilMap(facts),
			"rule":    ruleVars,
		})
		if err != nil {
			if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
				logger.Error("script evaluation timed out",
					"rule_id", rule.ID, "timeout", timeout, "error", err)
			} else {
				logger.Warn("script evaluation failed", "rule_id", rule.ID, "error", err)
			}
			tr.add(TraceEntry{Kind: KindScript, Pattern: body, Error: err.Error(), Duration: time.Since(start)})
			return outcome{}
		}

		matched, _ := out.Value().(bool)
		tr.add(TraceEntry{Kind: KindScript, Pattern: body, Matched: matched, Duration: time.Since(start)})
		if !matched {
			return outcome{}
		}
		return matchedOutcome(rule, facts, condition)
	}, nil
}

func nonNilMap[M ~map[string]any](m M) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return map[string]any(m)
}
