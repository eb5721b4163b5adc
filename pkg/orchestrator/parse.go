package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"bugfixd/pkg/llm"
	"bugfixd/pkg/task"
)

// planResponse is the planner's expected JSON shape.
type planResponse struct {
	RootCause     string   `json:"root_cause"`
	SecurityRisk  bool     `json:"security_risk"`
	FixApproach   string   `json:"fix_approach"`
	AffectedFiles []string `json:"affected_files"`
	TestScenarios []string `json:"test_scenarios"`
}

// patchResponse is the coder's expected JSON shape.
type patchResponse struct {
	Filename     string            `json:"filename"`
	Code         string            `json:"code"`
	Dependencies map[string]string `json:"dependencies"`
	Explanation  string            `json:"explanation"`
}

// reviewResponse is the reviewer's expected JSON shape.
type reviewResponse struct {
	Status         string   `json:"status"`
	SecurityIssues []string `json:"security_issues"`
	QualityIssues  []string `json:"quality_issues"`
	Suggestions    []string `json:"suggestions"`
	RiskLevel      string   `json:"risk_level"`
}

// extractJSON pulls the JSON object out of a completion that may wrap it
// in markdown fences or surrounding prose.
func extractJSON(content string) (string, error) {
	trimmed := strings.TrimSpace(content)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return trimmed[start : end+1], nil
}

// parsePlan turns the planner's response into plan text for the coder.
// An unparseable response falls back to the raw text rather than failing
// the task; the plan is advisory input, not a strict contract.
func parsePlan(content string) string {
	raw, err := extractJSON(content)
	if err != nil {
		return strings.TrimSpace(content)
	}
	var plan planResponse
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return strings.TrimSpace(content)
	}

	securityRisk := "No"
	if plan.SecurityRisk {
		securityRisk = "Yes"
	}
	return fmt.Sprintf(`Root Cause: %s
Security Risk: %s
Fix Approach: %s
Affected Files: %s
Test Scenarios: %s`,
		orUnknown(plan.RootCause),
		securityRisk,
		orDefault(plan.FixApproach, "Standard debugging"),
		strings.Join(plan.AffectedFiles, ", "),
		strings.Join(plan.TestScenarios, ", "))
}

// parsePatch turns the coder's response into a Patch. The patch body is
// load-bearing, so an unparseable response is an error the caller may
// retry within the phase.
func parsePatch(content, language string) (*task.Patch, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, llm.NewErrorWithCause(llm.ErrorTypeBadOutput, err, "patch response is not JSON")
	}
	var patch patchResponse
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return nil, llm.NewErrorWithCause(llm.ErrorTypeBadOutput, err, "failed to decode patch response")
	}
	if strings.TrimSpace(patch.Code) == "" {
		return nil, llm.NewError(llm.ErrorTypeBadOutput, "patch response has no code")
	}

	filename := patch.Filename
	if filename == "" {
		filename = "fix." + language
	}
	return &task.Patch{
		Filename:     filename,
		Code:         patch.Code,
		Explanation:  patch.Explanation,
		Dependencies: patch.Dependencies,
	}, nil
}

// parseReview turns the reviewer's response into a Review. An
// unparseable review counts as a rejection with the raw text as
// comments, the conservative reading.
func parseReview(content string) *task.Review {
	raw, err := extractJSON(content)
	if err != nil {
		return &task.Review{Approved: false, Comments: strings.TrimSpace(content)}
	}
	var review reviewResponse
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		return &task.Review{Approved: false, Comments: strings.TrimSpace(content)}
	}

	comments := fmt.Sprintf(`Status: %s
Risk Level: %s
Security Issues: %s
Quality Issues: %s
Suggestions: %s`,
		orDefault(review.Status, "rejected"),
		orUnknown(review.RiskLevel),
		orNone(strings.Join(review.SecurityIssues, ", ")),
		orNone(strings.Join(review.QualityIssues, ", ")),
		orNone(strings.Join(review.Suggestions, ", ")))

	return &task.Review{
		Approved:         review.Status == "approved",
		Comments:         comments,
		RiskLevel:        review.RiskLevel,
		NeedsHumanReview: review.RiskLevel == "high" || len(review.SecurityIssues) > 0,
		SecurityIssues:   review.SecurityIssues,
	}
}

func orUnknown(s string) string {
	return orDefault(s, "Unknown")
}

func orNone(s string) string {
	return orDefault(s, "None")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
