package task

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusPlanning, true},
		{StatusPlanning, StatusCoding, true},
		{StatusCoding, StatusReviewing, true},
		{StatusReviewing, StatusTesting, true},
		{StatusReviewing, StatusCoding, true},
		{StatusTesting, StatusCoding, true},
		{StatusTesting, StatusSuccess, true},
		{StatusPending, StatusCoding, false},
		{StatusCoding, StatusTesting, false},
		{StatusSuccess, StatusPending, false},
		{StatusFailed, StatusPlanning, false},
		{StatusCancelled, StatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	// Every status may fail or be cancelled until it is terminal.
	for _, s := range []Status{StatusPending, StatusPlanning, StatusCoding, StatusReviewing, StatusTesting} {
		assert.True(t, CanTransition(s, StatusFailed), "%s -> failed", s)
		assert.True(t, CanTransition(s, StatusCancelled), "%s -> cancelled", s)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusTesting.IsTerminal())
}

func TestNewAppliesDefaults(t *testing.T) {
	tk := New(SubmitRequest{
		RepositoryURL:    "https://example.com/repo.git",
		IssueDescription: "crash on empty input",
	})
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, "main", tk.Branch)
	assert.Equal(t, "python", tk.Language)
	assert.Equal(t, DefaultMaxAttempts, tk.MaxAttempts)
	assert.Empty(t, tk.Attempts)
	assert.Nil(t, tk.CompletedAt)
}

func TestCurrentAttempt(t *testing.T) {
	tk := New(SubmitRequest{RepositoryURL: "https://example.com/r.git", IssueDescription: "x"})
	assert.Nil(t, tk.CurrentAttempt())

	tk.Attempts = append(tk.Attempts, Attempt{Index: 0}, Attempt{Index: 1})
	got := tk.CurrentAttempt()
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Index)

	// The pointer aliases the slice element so phase handlers can
	// mutate it in place.
	got.ReviewRejections = 2
	assert.Equal(t, 2, tk.Attempts[1].ReviewRejections)
}

func TestAttemptsExhausted(t *testing.T) {
	tk := New(SubmitRequest{RepositoryURL: "https://example.com/r.git", IssueDescription: "x"})
	assert.False(t, tk.AttemptsExhausted())
	tk.Attempts = make([]Attempt, DefaultMaxAttempts)
	assert.True(t, tk.AttemptsExhausted())
}

func TestValidate(t *testing.T) {
	valid := SubmitRequest{
		RepositoryURL:    "https://example.com/repo.git",
		IssueDescription: "crash on empty input",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		mut   func(*SubmitRequest)
		field string
	}{
		{"empty repo", func(r *SubmitRequest) { r.RepositoryURL = " " }, "repository_url"},
		{"not a url", func(r *SubmitRequest) { r.RepositoryURL = "not a url" }, "repository_url"},
		{"file scheme", func(r *SubmitRequest) { r.RepositoryURL = "file:///etc/passwd" }, "repository_url"},
		{"empty description", func(r *SubmitRequest) { r.IssueDescription = "" }, "issue_description"},
		{"oversized description", func(r *SubmitRequest) { r.IssueDescription = strings.Repeat("a", 64*1024+1) }, "issue_description"},
		{"unknown language", func(r *SubmitRequest) { r.Language = "brainfuck" }, "language"},
		{"multiline branch", func(r *SubmitRequest) { r.Branch = "main\nevil" }, "branch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mut(&req)
			err := req.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
