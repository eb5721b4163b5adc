package task

import (
	"fmt"
	"net/url"
	"strings"
)

// SubmitRequest is the input contract for task submission.
type SubmitRequest struct {
	RepositoryURL    string `json:"repository_url"`
	Branch           string `json:"branch,omitempty"`
	IssueDescription string `json:"issue_description"`
	TestCommand      string `json:"test_command,omitempty"`
	Language         string `json:"language,omitempty"`
}

// ValidationError rejects a malformed submission before a task is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s %s", e.Field, e.Reason)
}

// supportedLanguages mirrors the sandbox image table. An empty language
// is allowed and defaults to python at task creation.
//
//nolint:gochecknoglobals // Static validation table
var supportedLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"typescript": true,
	"java":       true,
	"go":         true,
	"rust":       true,
	"ruby":       true,
	"php":        true,
}

// Validate checks a submission and returns a ValidationError on the first
// problem found. A valid request is safe to turn into a Task.
func (r *SubmitRequest) Validate() error {
	if strings.TrimSpace(r.RepositoryURL) == "" {
		return &ValidationError{Field: "repository_url", Reason: "must not be empty"}
	}
	u, err := url.Parse(r.RepositoryURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Field: "repository_url", Reason: "must be a valid URL"}
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh":
	default:
		return &ValidationError{Field: "repository_url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if strings.TrimSpace(r.IssueDescription) == "" {
		return &ValidationError{Field: "issue_description", Reason: "must not be empty"}
	}
	if len(r.IssueDescription) > 64*1024 {
		return &ValidationError{Field: "issue_description", Reason: "exceeds 64KiB"}
	}
	if r.Language != "" && !supportedLanguages[strings.ToLower(r.Language)] {
		return &ValidationError{Field: "language", Reason: fmt.Sprintf("unsupported language %q", r.Language)}
	}
	if strings.ContainsRune(r.Branch, '\n') {
		return &ValidationError{Field: "branch", Reason: "must be a single line"}
	}
	return nil
}
