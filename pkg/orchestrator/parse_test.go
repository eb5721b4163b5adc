package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bugfixd/pkg/llm"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"fenced no language", "```\n{\"a\":1}\n```", `{"a":1}`, false},
		{"surrounding prose", `Here is the result: {"a":1} hope it helps`, `{"a":1}`, false},
		{"no object", "sorry, I cannot do that", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePlan(t *testing.T) {
	content := `{"root_cause":"division by zero","security_risk":true,"fix_approach":"guard the divisor","affected_files":["calc.py"],"test_scenarios":["divide by zero"]}`
	plan := parsePlan(content)
	assert.Contains(t, plan, "Root Cause: division by zero")
	assert.Contains(t, plan, "Security Risk: Yes")
	assert.Contains(t, plan, "Fix Approach: guard the divisor")
	assert.Contains(t, plan, "calc.py")
}

func TestParsePlanFallsBackToRawText(t *testing.T) {
	plan := parsePlan("The bug is a missing nil check in the handler.")
	assert.Equal(t, "The bug is a missing nil check in the handler.", plan)
}

func TestParsePatch(t *testing.T) {
	content := `{"filename":"calc.py","code":"def divide(a, b):\n    if b == 0:\n        raise ValueError\n    return a / b\n","dependencies":{"requirements.txt":"pytest\n"},"explanation":"guard the divisor"}`
	patch, err := parsePatch(content, "python")
	require.NoError(t, err)
	assert.Equal(t, "calc.py", patch.Filename)
	assert.Contains(t, patch.Code, "if b == 0:")
	assert.Equal(t, "pytest\n", patch.Dependencies["requirements.txt"])
}

func TestParsePatchDefaultsFilename(t *testing.T) {
	patch, err := parsePatch(`{"code":"x = 1"}`, "python")
	require.NoError(t, err)
	assert.Equal(t, "fix.python", patch.Filename)
}

func TestParsePatchRejectsUnusableOutput(t *testing.T) {
	_, err := parsePatch("I would fix it by adding a check.", "python")
	require.Error(t, err)
	assert.True(t, llm.Is(err, llm.ErrorTypeBadOutput))

	_, err = parsePatch(`{"filename":"a.py","code":""}`, "python")
	require.Error(t, err)
	assert.True(t, llm.Is(err, llm.ErrorTypeBadOutput))
}

func TestParseReviewApproved(t *testing.T) {
	review := parseReview(`{"status":"approved","security_issues":[],"quality_issues":[],"suggestions":["add a test"],"risk_level":"low"}`)
	assert.True(t, review.Approved)
	assert.False(t, review.NeedsHumanReview)
	assert.Contains(t, review.Comments, "add a test")
}

func TestParseReviewHighRiskNeedsHuman(t *testing.T) {
	review := parseReview(`{"status":"approved","security_issues":["sql injection"],"risk_level":"high"}`)
	assert.True(t, review.Approved)
	assert.True(t, review.NeedsHumanReview)
	assert.Equal(t, []string{"sql injection"}, review.SecurityIssues)
}

func TestParseReviewUnparseableIsRejection(t *testing.T) {
	review := parseReview("looks bad, please rework")
	assert.False(t, review.Approved)
	assert.Equal(t, "looks bad, please rework", review.Comments)
}
