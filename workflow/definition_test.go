package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/core"
)

const rollupYAML = `
id: nightly-rollup
name: Nightly rollup
creator: scheduler
priority: high
steps:
  - id: extract
    target: worker
    operation: extract_records
    params:
      source: events
  - id: aggregate
    target: worker
    operation: aggregate_records
    depends_on: [extract]
  - id: report
    target: orchestrator
    operation: publish_report
    depends_on: [aggregate]
`

func TestParseDefinition(t *testing.T) {
	wf, err := ParseDefinition([]byte(rollupYAML))
	require.NoError(t, err)

	assert.Equal(t, "nightly-rollup", wf.ID)
	assert.Equal(t, "Nightly rollup", wf.Name)
	assert.Equal(t, "scheduler", wf.Creator)
	assert.Equal(t, core.PriorityHigh, wf.Priority)
	require.Len(t, wf.Steps, 3)

	agg := wf.Step("aggregate")
	require.NotNil(t, agg)
	assert.Equal(t, core.KindWorker, agg.Target)
	assert.Equal(t, []string{"extract"}, agg.DependsOn)

	rep := wf.Step("report")
	require.NotNil(t, rep)
	assert.Equal(t, core.KindOrchestrator, rep.Target)

	extract := wf.Step("extract")
	require.NotNil(t, extract)
	assert.Equal(t, "events", extract.Params["source"])
}

func TestParseDefinitionInvalidYAML(t *testing.T) {
	_, err := ParseDefinition([]byte("steps: ["))
	assert.Error(t, err)
}

func TestParseDefinitionRejectsBadGraph(t *testing.T) {
	const cyclic = `
id: broken
name: Broken
steps:
  - id: a
    target: worker
    operation: one
    depends_on: [b]
  - id: b
    target: worker
    operation: two
    depends_on: [a]
`
	_, err := ParseDefinition([]byte(cyclic))
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestParseDefinitionDefaultPriority(t *testing.T) {
	const minimal = `
name: minimal
steps:
  - id: only
    target: worker
    operation: noop
`
	wf, err := ParseDefinition([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, core.PriorityNormal, wf.Priority)
	assert.NotEmpty(t, wf.ID, "missing id is generated")
}
