package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// CELVerifier passes an event when a boolean CEL expression holds. The
// expression sees agent, action, payload (decoded JSON), sequence and timestamp.
type CELVerifier struct {
	Scope
	name     string
	expr     string
	severity interfaces.Severity
	prg      cel.Program
}

// NewCELVerifier compiles expr. The expression must evaluate to bool.
func NewCELVerifier(name, expr string, severity interfaces.Severity, scope ...string) (*CELVerifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("timestamp", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy %s: compile: %w", name, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("policy %s: expression must be bool, got %s", name, t)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy %s: program: %w", name, err)
	}
	return &CELVerifier{
		Scope:    scope,
		name:     name,
		expr:     expr,
		severity: orDefault(severity, interfaces.SeverityMedium),
		prg:      prg,
	}, nil
}

func (c *CELVerifier) Name() string { return c.name }

// Expression returns the source expression.
func (c *CELVerifier) Expression() string { return c.expr }

func (c *CELVerifier) Check(ctx context.Context, e eventstore.Event) Result {
	var payload any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return Fail(c.severity, "payload is not JSON: %v", err)
		}
	}
	out, _, err := c.prg.ContextEval(ctx, map[string]any{
		"agent":     e.Agent,
		"action":    e.Action,
		"payload":   payload,
		"sequence":  int64(e.Sequence),
		"timestamp": e.Timestamp,
	})
	if err != nil {
		return Fail(c.severity, "eval: %v", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return Fail(c.severity, "result not bool")
	}
	if !ok {
		return Fail(c.severity, "rule %q does not hold", c.expr)
	}
	return Pass("")
}
