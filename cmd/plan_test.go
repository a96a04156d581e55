package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/callpipe/internal/planner"
)

func TestFormatPlan(t *testing.T) {
	var buf bytes.Buffer
	formatPlan(&buf, planner.New(nil).Plan(planner.TagServiceQuote))

	output := buf.String()
	assert.Contains(t, output, "PHASE")
	assert.Contains(t, output, "foundation")
	assert.Contains(t, output, "parallel")
	assert.Contains(t, output, "pricing_extraction")
	assert.Contains(t, output, "critical")
	assert.Contains(t, output, "post_processing")

	// header, separator, 2 foundation, 3 extraction, 2 post
	lines := strings.Split(strings.TrimSpace(output), "\n")
	assert.Len(t, lines, 9)
}

func TestFormatPlan_EmptyExtractionAndOverrides(t *testing.T) {
	plan := planner.New(planner.Table{
		"warranty_claim": {{Name: "issue_extraction", Timeout: 45 * time.Second}},
	})

	var buf bytes.Buffer
	formatPlan(&buf, plan.Plan("warranty_claim"))
	assert.Contains(t, buf.String(), "inherit")
	assert.Contains(t, buf.String(), "45s")

	buf.Reset()
	formatPlan(&buf, plan.Plan("wrong_number"))
	assert.Regexp(t, `extraction\s+sequential\s+-`, buf.String())
}
