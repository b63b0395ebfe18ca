package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestRenderASCII(t *testing.T) {
	root := int64(1)
	logs := []*schema.ExecutionLog{
		{ID: 1},
		{ID: 2, StepID: "s1", ParentID: &root, Status: schema.LogStatusFailed},
		{ID: 3, StepID: "s1", ParentID: &root, Status: schema.LogStatusSuccess, DurationMs: 12},
	}
	out := RenderASCII(Build(triagePlan(t), "Triage", logs))

	want := "=== Triage ===\n" +
		"├─ (trigger)\n" +
		"├─ [AI] s1: Classify (prompt classify) [OK] x2 12ms\n" +
		"├─ [IF] s2: Urgent?\n" +
		"│  ├─ true\n" +
		"│  │  └─ [DO] s3: Page (page)\n" +
		"│  └─ false\n" +
		"│     └─ [DO] s4: Archive (archive) +5m0s\n" +
		"├─ [DO] s5: Log (log)\n" +
		"└─ (end)\n"
	assert.Equal(t, want, out)
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[SKIP]", statusTag("skipped"))
	assert.Equal(t, "", statusTag("unknown"))
}
