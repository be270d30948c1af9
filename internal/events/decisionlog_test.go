package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecisionLogIgnoresNonDecisionEvents(t *testing.T) {
	d := NewDecisionLog(4)
	d.Publish(New(TaskComplete, nil))
	assert.Empty(t, d.Recent())
}

func TestDecisionLogWrapsAtCapacity(t *testing.T) {
	d := NewDecisionLog(2)
	d.Publish(New(DecisionDiscovery, map[string]interface{}{"n": 1}))
	d.Publish(New(DecisionDiscovery, map[string]interface{}{"n": 2}))
	d.Publish(New(DecisionDiscovery, map[string]interface{}{"n": 3}))

	recent := d.Recent()
	require := assert.New(t)
	require.Len(recent, 2)
	require.Equal(2, recent[0].Fields["n"])
	require.Equal(3, recent[1].Fields["n"])
}

func TestMultiFansOutToAllSinks(t *testing.T) {
	a := NewRecorder()
	b := NewRecorder()
	sink := Multi(a, b)
	sink.Publish(New(TaskComplete, nil))

	assert.Equal(t, 1, a.CountOfType(TaskComplete))
	assert.Equal(t, 1, b.CountOfType(TaskComplete))
}
