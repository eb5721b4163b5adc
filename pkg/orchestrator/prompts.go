package orchestrator

import (
	"fmt"
	"strings"

	"bugfixd/pkg/task"
)

const (
	plannerSystem  = "You are an expert bug analyzer."
	coderSystem    = "You are an expert programmer who writes clean, secure code."
	reviewerSystem = "You are a meticulous code reviewer focused on security and quality."
)

// planPrompt asks for a structured analysis of the bug report.
func planPrompt(t *task.Task) string {
	testCommand := t.TestCommand
	if testCommand == "" {
		testCommand = "Not specified"
	}
	return fmt.Sprintf(`You are a senior software engineer analyzing a bug report.

Bug Description:
%s

Repository: %s
Branch: %s
Language: %s
Test Command: %s

Please analyze this bug and provide:
1. Root cause analysis
2. Potential security implications
3. Suggested fix approach
4. Files that likely need modification
5. Test scenarios to validate the fix

Format your response as a JSON object with these keys:
- root_cause: string
- security_risk: boolean
- fix_approach: string
- affected_files: list of strings
- test_scenarios: list of strings`,
		t.IssueDescription, t.RepositoryURL, t.Branch, t.Language, testCommand)
}

// codePrompt asks for a patch. On a retried attempt the retry context
// carries the previous patch, the test output tail, and the reviewer
// comments of the immediately preceding attempt only.
func codePrompt(t *task.Task, plan string, retry *task.RetryContext) string {
	if plan == "" {
		plan = "No analysis available"
	}

	var context strings.Builder
	if retry != nil {
		if retry.PreviousPatch != "" {
			context.WriteString(fmt.Sprintf("\nPrevious attempt's patch:\n```%s\n%s\n```\n", t.Language, retry.PreviousPatch))
		}
		if retry.TestOutputTail != "" {
			context.WriteString(fmt.Sprintf("\nPrevious attempt failed with test output:\n%s\n", retry.TestOutputTail))
		}
		if retry.ReviewComments != "" {
			context.WriteString(fmt.Sprintf("\nReviewer feedback:\n%s\n", retry.ReviewComments))
		}
	}

	return fmt.Sprintf(`You are an expert programmer fixing a bug.

Bug Analysis:
%s
%s
Language: %s
Repository: %s

Generate a complete, working code patch to fix this bug.
The code should be production-ready and include:
1. The fix implementation
2. Error handling
3. Comments explaining the fix

Format your response as a JSON object with:
- filename: string (main file to patch)
- code: string (complete fixed code)
- dependencies: object (e.g., {"requirements.txt": "package==version"})
- explanation: string (what was fixed and why)`,
		plan, context.String(), t.Language, t.RepositoryURL)
}

// reviewPrompt asks for a structured verdict on the patch.
func reviewPrompt(t *task.Task, patch *task.Patch) string {
	explanation := patch.Explanation
	if explanation == "" {
		explanation = "None provided"
	}
	return fmt.Sprintf(`You are a senior code reviewer performing a security and quality review.

Original Bug:
%s

Proposed Fix:
`+"```%s\n%s\n```"+`

Explanation: %s

Review this code for:
1. Correctness: Does it fix the bug?
2. Security: Any vulnerabilities introduced?
3. Performance: Any performance issues?
4. Best Practices: Does it follow language conventions?
5. Edge Cases: Are edge cases handled?

Provide your review as a JSON object with:
- status: "approved" or "rejected"
- security_issues: list of security concerns
- quality_issues: list of quality concerns
- suggestions: list of improvement suggestions
- risk_level: "low", "medium", or "high"`,
		t.IssueDescription, t.Language, patch.Code, explanation)
}
