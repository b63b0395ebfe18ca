package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestRenderMermaid(t *testing.T) {
	output := RenderMermaid(Build(triagePlan(t), "Triage", nil))

	assert.True(t, strings.HasPrefix(output, "graph TD\n"))
	assert.Contains(t, output, "%% Triage")
	assert.Contains(t, output, `s1{{"Classify (prompt classify)"}}`)
	assert.Contains(t, output, `s2{"Urgent?"}`)
	assert.Contains(t, output, `s5["Log (log)"]`)
	assert.Contains(t, output, `__start__(("Trigger"))`)

	assert.Contains(t, output, `subgraph s2_true["s2: true"]`)
	assert.Contains(t, output, `subgraph s2_false["s2: false"]`)
	assert.Contains(t, output, "s2 -->|true| s3")
	assert.Contains(t, output, "s2 -->|false| s4")
	assert.Contains(t, output, "s5 --> __end__")
	assert.Contains(t, output, "classDef success")
	assert.NotContains(t, output, "class s1 ")
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	root := int64(1)
	logs := []*schema.ExecutionLog{
		{ID: 1},
		{ID: 2, StepID: "s1", ParentID: &root, Status: schema.LogStatusSuccess},
		{ID: 3, StepID: "s4", ParentID: &root, Status: schema.LogStatusFailed},
	}
	output := RenderMermaid(Build(triagePlan(t), "Triage", logs))
	assert.Contains(t, output, "class s1 success")
	assert.Contains(t, output, "class s4 failed")
	assert.NotContains(t, output, "class s3")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "step_1_a", mermaidSafeID("step-1.a"))
}
