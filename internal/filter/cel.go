package filter

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"

	"github.com/lsm/shunt/internal/message"
)

// Step is a deterministic boolean predicate over a message. Steps are
// value-equal across restarts: the serialized form is the CEL expression
// plus the negation flag, and rehydrating that form yields an equal step.
type Step interface {
	// Match reports whether the message is selected by this step.
	Match(msg *message.Message) bool

	// Spec returns the serializable form of this step.
	Spec() Spec
}

// Spec is the persisted form of a single step.
type Spec struct {
	Expression string `json:"expression"`
	Negated    bool   `json:"negated"`
}

func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("topic", cel.StringType),
		cel.Variable("partition", cel.IntType),
		cel.Variable("offset", cel.IntType),
		ext.Strings(),
		ext.Math(),
	)
}

// CELStep evaluates a compiled CEL boolean expression against a message.
// The expression sees the deserialized record as `fields` plus the record
// coordinates as `topic`, `partition`, and `offset`.
type CELStep struct {
	expression string
	negated    bool
	program    cel.Program
}

// NewStep compiles expression into a step. The expression must evaluate
// to a boolean.
func NewStep(expression string) (*CELStep, error) {
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter expression must return bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	return &CELStep{expression: expression, program: prg}, nil
}

// FromSpec rehydrates a persisted step. The result is value-equal to the
// step the spec was taken from.
func FromSpec(spec Spec) (*CELStep, error) {
	step, err := NewStep(spec.Expression)
	if err != nil {
		return nil, err
	}
	step.negated = spec.Negated
	return step, nil
}

// Negate returns a step matching the complement of s. Negating twice
// restores the original predicate.
func Negate(s *CELStep) *CELStep {
	return &CELStep{
		expression: s.expression,
		negated:    !s.negated,
		program:    s.program,
	}
}

func (s *CELStep) Match(msg *message.Message) bool {
	out, _, err := s.program.Eval(map[string]any{
		"fields":    msg.Fields,
		"topic":     msg.ID.Topic,
		"partition": int64(msg.ID.Partition),
		"offset":    msg.ID.Offset,
	})
	// Evaluation errors (missing field, type mismatch) mean "no match":
	// a predicate that cannot be evaluated must not divert records.
	matched := err == nil && out == types.True
	if s.negated {
		return !matched
	}
	return matched
}

func (s *CELStep) Spec() Spec {
	return Spec{Expression: s.expression, Negated: s.negated}
}

func (s *CELStep) String() string {
	if s.negated {
		return "!(" + s.expression + ")"
	}
	return s.expression
}
