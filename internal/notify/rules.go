package notify

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/candorlabs/candor/internal/realtime"
)

// RuleSet holds compiled alert rules. Rules are CEL expressions over an
// `event` map with `type`, `channel` and `data` keys; a rule fires when
// it evaluates to true. Rules are validated at load time so a bad
// expression surfaces at startup, never at dispatch.
type RuleSet struct {
	env   *cel.Env
	rules []compiledRule
}

type compiledRule struct {
	expr string
	prog cel.Program
}

// CompileRules compiles the given CEL expressions into a RuleSet. Any
// expression that fails to compile, or does not produce a bool, fails the
// whole load.
func CompileRules(exprs []string) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("alert rule environment: %w", err)
	}

	rs := &RuleSet{env: env}
	for _, expr := range exprs {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("alert rule %q: %w", expr, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("alert rule %q: result is %s, want bool", expr, ast.OutputType())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("alert rule %q: %w", expr, err)
		}
		rs.rules = append(rs.rules, compiledRule{expr: expr, prog: prog})
	}
	return rs, nil
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Match evaluates every rule against the envelope and returns the
// expressions that fired. Evaluation errors (missing fields, type
// mismatches on this particular event) mean "no match" for that rule.
func (rs *RuleSet) Match(env realtime.Envelope) []string {
	if rs == nil || len(rs.rules) == 0 {
		return nil
	}

	var data any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			data = string(env.Data)
		}
	}
	activation := map[string]any{
		"event": map[string]any{
			"type":    env.Type,
			"channel": env.Channel,
			"data":    data,
		},
	}

	var fired []string
	for _, rule := range rs.rules {
		out, _, err := rule.prog.Eval(activation)
		if err != nil {
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			fired = append(fired, rule.expr)
		}
	}
	return fired
}
