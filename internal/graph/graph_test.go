package graph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, typ schema.StepType, config string) schema.Step {
	s := schema.Step{ID: id, WorkflowID: "wf", Type: typ, Label: id, Position: schema.Position{X: 10, Y: 20}}
	if config != "" {
		s.Config = json.RawMessage(config)
	}
	return s
}

func edge(id, src, dst, handle string) schema.Edge {
	return schema.Edge{ID: id, WorkflowID: "wf", Source: src, Target: dst, SourceHandle: handle}
}

func branchingWorkflow() ([]schema.Step, []schema.Edge) {
	steps := []schema.Step{
		step("start", schema.StepTypeTrigger, ""),
		step("search", schema.StepTypeSearch, `{"query":"{{start.q}}"}`),
		step("check", schema.StepTypeCondition, `{"expression":"result.count > 0"}`),
		step("found", schema.StepTypeOutput, `{"value":"found"}`),
		step("notify", schema.StepTypeAction, `{"url":"https://example.com/hook","method":"put"}`),
		step("missing", schema.StepTypeOutput, `{"value":"not found"}`),
	}
	steps[3].Metadata = map[string]any{"color": "green"}
	edges := []schema.Edge{
		edge("e1", "start", "search", ""),
		edge("e2", "search", "check", ""),
		edge("e3", "check", "notify", schema.HandleTrue),
		edge("e4", "notify", "found", ""),
		edge("e5", "check", "missing", schema.HandleFalse),
	}
	edges[2].Label = "yes"
	edges[2].Animated = true
	return steps, edges
}

func TestStepsToGraph_RoundTrip(t *testing.T) {
	steps, edges := branchingWorkflow()

	g, err := StepsToGraph(steps, edges)
	require.NoError(t, err)

	gotSteps, gotEdges := GraphToSteps(g)
	assert.Equal(t, steps, gotSteps)
	assert.Equal(t, edges, gotEdges)

	again, err := StepsToGraph(gotSteps, gotEdges)
	require.NoError(t, err)
	for _, n := range g.Nodes() {
		assert.Equal(t, g.Outgoing(n.ID()), again.Outgoing(n.ID()))
	}
}

func TestStepsToGraph_Adjacency(t *testing.T) {
	steps, edges := branchingWorkflow()
	g, err := StepsToGraph(steps, edges)
	require.NoError(t, err)

	assert.Equal(t, "start", g.Entry())

	next, ok := g.Next("check", schema.HandleTrue)
	require.True(t, ok)
	assert.Equal(t, "notify", next)

	next, ok = g.Next("check", schema.HandleFalse)
	require.True(t, ok)
	assert.Equal(t, "missing", next)

	_, ok = g.Next("found", "")
	assert.False(t, ok)

	assert.Len(t, g.Incoming("found"), 1)
	assert.Equal(t, []string{"notify", "missing"}, g.Successors("check"))
}

func TestStepsToGraph_DecodesTypedNodes(t *testing.T) {
	steps, edges := branchingWorkflow()
	g, err := StepsToGraph(steps, edges)
	require.NoError(t, err)

	n, _ := g.Node("search")
	search, ok := n.(*SearchNode)
	require.True(t, ok)
	assert.Equal(t, DefaultSearchLimit, search.Config.Limit)

	n, _ = g.Node("notify")
	action, ok := n.(*ActionNode)
	require.True(t, ok)
	assert.Equal(t, "PUT", action.Config.Method)
	assert.Equal(t, schema.ActionKindHTTP, action.Config.Kind)

	n, _ = g.Node("check")
	cond := n.(*ConditionNode)
	assert.Equal(t, schema.LanguageCEL, cond.Config.Language)
}

func TestStepsToGraph_MalformedConfigFailsClosed(t *testing.T) {
	cases := map[string]schema.Step{
		"action without url":    step("a", schema.StepTypeAction, `{"method":"POST"}`),
		"action bad method":     step("a", schema.StepTypeAction, `{"url":"http://x","method":"TRACE"}`),
		"llm without prompt":    step("a", schema.StepTypeAction, `{"kind":"llm"}`),
		"unknown action kind":   step("a", schema.StepTypeAction, `{"kind":"ftp","url":"x"}`),
		"search without query":  step("a", schema.StepTypeSearch, `{}`),
		"condition no expr":     step("a", schema.StepTypeCondition, `{"language":"cel"}`),
		"condition bad lang":    step("a", schema.StepTypeCondition, `{"expression":"x","language":"lua"}`),
		"transform no template": step("a", schema.StepTypeTransform, `{"mode":"template"}`),
		"transform bad mode":    step("a", schema.StepTypeTransform, `{"mode":"xslt","expression":"."}`),
		"approval bad timeout":  step("a", schema.StepTypeApproval, `{"timeout":"soon"}`),
		"approval zero timeout": step("a", schema.StepTypeApproval, `{"timeout":"0s"}`),
		"not json":              step("a", schema.StepTypeOutput, `{"value":`),
		"wrong field type":      step("a", schema.StepTypeSearch, `{"query":42}`),
		"unknown type":          step("a", "loop", `{}`),
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := StepsToGraph([]schema.Step{s}, nil)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
			fe := err.(*schema.FlowError)
			assert.Equal(t, "a", fe.StepID)
		})
	}
}

func TestStepsToGraph_StructuralErrors(t *testing.T) {
	_, err := StepsToGraph([]schema.Step{step("a", schema.StepTypeTrigger, ""), step("a", schema.StepTypeTrigger, "")}, nil)
	assert.Error(t, err)

	_, err = StepsToGraph([]schema.Step{step("a", schema.StepTypeTrigger, "")}, []schema.Edge{edge("e", "a", "ghost", "")})
	assert.Error(t, err)

	_, err = StepsToGraph([]schema.Step{step("", schema.StepTypeTrigger, "")}, nil)
	assert.Error(t, err)

	_, err = FromDefinition(nil)
	assert.Error(t, err)
}

func TestDecodeNode_ApprovalTimeout(t *testing.T) {
	n, err := DecodeNode(step("gate", schema.StepTypeApproval, `{"message":"ok?"}`))
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultApprovalTimeout, n.(*ApprovalNode).Timeout)

	n, err = DecodeNode(step("gate", schema.StepTypeApproval, `{"timeout":"1h"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, n.(*ApprovalNode).Timeout)
}

func TestGraph_SkippedBranch(t *testing.T) {
	steps, edges := branchingWorkflow()
	g, err := StepsToGraph(steps, edges)
	require.NoError(t, err)

	assert.Equal(t, []string{"found", "notify"}, g.SkippedBranch("missing", "notify"))
	assert.Equal(t, []string{"missing"}, g.SkippedBranch("notify", "missing"))
	assert.Nil(t, g.SkippedBranch("notify", ""))
}

func TestGraph_SkippedBranchExcludesJoin(t *testing.T) {
	steps := []schema.Step{
		step("start", schema.StepTypeTrigger, ""),
		step("check", schema.StepTypeCondition, `{"expression":"true"}`),
		step("a", schema.StepTypeTransform, `{"template":"a"}`),
		step("b", schema.StepTypeTransform, `{"template":"b"}`),
		step("done", schema.StepTypeOutput, ""),
	}
	edges := []schema.Edge{
		edge("e1", "start", "check", ""),
		edge("e2", "check", "a", schema.HandleTrue),
		edge("e3", "check", "b", schema.HandleFalse),
		edge("e4", "a", "done", ""),
		edge("e5", "b", "done", ""),
	}
	g, err := StepsToGraph(steps, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, g.SkippedBranch("a", "b"))
}
