package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/coordinator/internal/task"
)

type fakeProvider struct {
	response string
	err      error
}

func (f fakeProvider) ExecuteWithSystem(_ context.Context, _, _ string) (string, error) {
	return f.response, f.err
}

func TestPlanParsesFencedJSON(t *testing.T) {
	p := NewPlanner(fakeProvider{response: "```json\n" + `{"plan":[{"capability":"research","subtask":"find protocols","reason":"start"},{"capability":"writing","subtask":"write summary","reason":"finish"}]}` + "\n```"}, nil)

	steps, err := p.Plan(context.Background(), "Summarize top 3 DeFi protocols.")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "research", steps[0].Capability)
	assert.Equal(t, "writing", steps[1].Capability)
}

func TestPlanDropsUnrecognizedCapabilities(t *testing.T) {
	p := NewPlanner(fakeProvider{response: `{"plan":[{"capability":"not_a_real_tag","subtask":"x"},{"capability":"writing","subtask":"write"}]}`}, nil)

	steps, err := p.Plan(context.Background(), "Do something.")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "writing", steps[0].Capability)
}

func TestPlanPropagatesProviderError(t *testing.T) {
	p := NewPlanner(fakeProvider{err: assert.AnError}, nil)
	_, err := p.Plan(context.Background(), "Do something.")
	assert.Error(t, err)
}

func TestAggregateSkipsSkippedOutcomes(t *testing.T) {
	var seenPrompt string
	provider := promptCapturingProvider{capture: &seenPrompt, response: "final answer"}
	a := NewAggregator(provider, nil)

	out, err := a.Aggregate(context.Background(), "Do something.", []task.SubtaskOutcome{
		{Capability: "research", Output: "findings", Skipped: false},
		{Capability: "market_data", Output: "should not appear", Skipped: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "final answer", out)
	assert.Contains(t, seenPrompt, "findings")
	assert.NotContains(t, seenPrompt, "should not appear")
}

type promptCapturingProvider struct {
	capture  *string
	response string
}

func (p promptCapturingProvider) ExecuteWithSystem(_ context.Context, prompt, _ string) (string, error) {
	*p.capture = prompt
	return p.response, nil
}
