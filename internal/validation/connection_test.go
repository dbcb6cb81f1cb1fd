package validation

import (
	"testing"

	"github.com/rendis/flowgate/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestValidateConnection(t *testing.T) {
	def := searchWorkflow()
	steps := append(def.Steps,
		step("extra", schema.StepTypeTransform, `{"template":"x"}`),
		step("gate", schema.StepTypeApproval, ""),
	)
	existing := def.Edges

	cases := []struct {
		name  string
		edge  schema.Edge
		valid bool
	}{
		{"unknown source", edge("ghost", "found", ""), false},
		{"unknown target", edge("search", "ghost", ""), false},
		{"self loop", edge("extra", "extra", ""), false},
		{"into trigger", edge("extra", "start", ""), false},
		{"duplicate", existing[0], false},
		{"from output", edge("found", "extra", ""), false},
		{"second edge from search", edge("search", "extra", ""), false},
		{"third condition branch", edge("check", "extra", schema.HandleTrue), false},
		{"condition without handle", edge("check", "extra", ""), false},
		{"extra incoming edge", edge("extra", "search", ""), true},
		{"approval approved", edge("gate", "extra", ""), true},
		{"approval bad handle", edge("gate", "extra", "maybe"), false},
		{"free transform", edge("extra", "gate", ""), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidateConnection(tc.edge, existing, steps))
		})
	}
}

func TestCheckConnection_CycleAndOutcomes(t *testing.T) {
	steps := []schema.Step{
		step("start", schema.StepTypeTrigger, ""),
		step("a", schema.StepTypeTransform, `{"template":"a"}`),
		step("b", schema.StepTypeTransform, `{"template":"b"}`),
		step("gate", schema.StepTypeApproval, ""),
	}
	existing := []schema.Edge{edge("start", "a", ""), edge("a", "b", "")}

	err := CheckConnection(edge("b", "a", ""), existing, steps)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))

	existing = append(existing, edge("b", "gate", ""), edge("gate", "a", schema.HandleRejected))
	err = CheckConnection(edge("gate", "b", schema.HandleRejected), existing, steps)
	assert.Error(t, err, "second rejected edge")
}
