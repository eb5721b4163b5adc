// Package task defines the bug-fix task data model and its status transition table.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusCoding    Status = "coding"
	StatusReviewing Status = "reviewing"
	StatusTesting   Status = "testing"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ValidStatuses returns all valid task statuses.
func ValidStatuses() []Status {
	return []Status{
		StatusPending,
		StatusPlanning,
		StatusCoding,
		StatusReviewing,
		StatusTesting,
		StatusSuccess,
		StatusFailed,
		StatusCancelled,
	}
}

// IsValid checks if a status string is a known status.
func (s Status) IsValid() bool {
	for _, valid := range ValidStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a task in this status can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

func (s Status) String() string {
	return string(s)
}

// validTransitions is the authoritative transition table. Any transition
// not listed here is rejected by the store and the orchestrator.
//
//nolint:gochecknoglobals // Static transition table
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusPlanning, StatusFailed, StatusCancelled},
	StatusPlanning:  {StatusCoding, StatusFailed, StatusCancelled},
	StatusCoding:    {StatusReviewing, StatusFailed, StatusCancelled},
	StatusReviewing: {StatusCoding, StatusTesting, StatusFailed, StatusCancelled},
	StatusTesting:   {StatusCoding, StatusSuccess, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureTag distinguishes why a task reached a terminal FAILED status.
type FailureTag string

const (
	// FailureNone is the zero value for tasks that did not fail.
	FailureNone FailureTag = ""
	// FailureLogic means the retry budget was exhausted by real test failures.
	FailureLogic FailureTag = "logic"
	// FailureInfra means the system could not run the task; no attempt budget consumed.
	FailureInfra FailureTag = "infrastructure"
)

// Defaults for retry budgets.
const (
	DefaultMaxAttempts      = 3
	DefaultReviewRetryLimit = 2
)

// Task is one bug-fix request and its full attempt history.
//
//nolint:govet // struct alignment optimization not critical for this type
type Task struct {
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ID              string     `json:"id"`
	RepositoryURL   string     `json:"repository_url"`
	Branch          string     `json:"branch"`
	IssueDescription string    `json:"issue_description"`
	TestCommand     string     `json:"test_command,omitempty"`
	Language        string     `json:"language"`
	Status          Status     `json:"status"`
	FailureTag      FailureTag `json:"failure_tag,omitempty"`
	ResultSummary   string     `json:"result_summary,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	MaxAttempts     int        `json:"max_attempts"`
	Attempts        []Attempt  `json:"attempts"`
}

// CurrentAttempt returns the most recent attempt, or nil if none exist.
func (t *Task) CurrentAttempt() *Attempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	return &t.Attempts[len(t.Attempts)-1]
}

// AttemptsExhausted reports whether a further test failure may not loop back.
func (t *Task) AttemptsExhausted() bool {
	return len(t.Attempts) >= t.MaxAttempts
}

// Patch is a proposed code change produced during the Code phase.
type Patch struct {
	Filename     string            `json:"filename"`
	Code         string            `json:"code"`
	Explanation  string            `json:"explanation"`
	Dependencies map[string]string `json:"dependencies,omitempty"` // dep filename -> content
}

// Review is the outcome of the Review phase for one patch.
type Review struct {
	Approved         bool     `json:"approved"`
	Comments         string   `json:"comments"`
	RiskLevel        string   `json:"risk_level,omitempty"` // "low", "medium", "high"
	NeedsHumanReview bool     `json:"needs_human_review"`
	SecurityIssues   []string `json:"security_issues,omitempty"`
}

// TestResult is what the sandbox reported for one run of the test command.
type TestResult struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// GenerationCall records one call to the generation capability within an attempt.
type GenerationCall struct {
	Timestamp        time.Time `json:"timestamp"`
	Role             string    `json:"role"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
}

// RetryContext is the bounded context carried from the immediately
// preceding attempt into a retried Code phase. It never accumulates
// the full history of all prior attempts.
type RetryContext struct {
	PreviousPatch  string `json:"previous_patch,omitempty"`
	TestOutputTail string `json:"test_output_tail,omitempty"`
	ReviewComments string `json:"review_comments,omitempty"`
}

// Attempt is one pass through Plan -> Code -> Review -> Test.
// Fields are populated strictly in phase order: a later field is never
// set while an earlier one is absent.
//
//nolint:govet // struct alignment optimization not critical for this type
type Attempt struct {
	Index            int              `json:"index"`
	Plan             string           `json:"plan,omitempty"`
	Patch            *Patch           `json:"patch,omitempty"`
	Review           *Review          `json:"review,omitempty"`
	ReviewRejections int              `json:"review_rejections"`
	TestResult       *TestResult      `json:"test_result,omitempty"`
	Retry            *RetryContext    `json:"retry,omitempty"`
	GenerationCalls  []GenerationCall `json:"generation_calls,omitempty"`
	TokensUsed       int64            `json:"tokens_used"`
	CostUSD          float64          `json:"cost_usd"`
}

// GenerateID returns a new unique task id.
func GenerateID() string {
	return uuid.New().String()
}

// New creates a freshly submitted task in PENDING with an empty attempt list.
func New(req SubmitRequest) *Task {
	branch := req.Branch
	if branch == "" {
		branch = "main"
	}
	language := req.Language
	if language == "" {
		language = "python"
	}
	return &Task{
		ID:               GenerateID(),
		RepositoryURL:    req.RepositoryURL,
		Branch:           branch,
		IssueDescription: req.IssueDescription,
		TestCommand:      req.TestCommand,
		Language:         language,
		Status:           StatusPending,
		MaxAttempts:      DefaultMaxAttempts,
		CreatedAt:        time.Now().UTC(),
	}
}

// Summary is the compact task view returned by list queries.
//
//nolint:govet // struct alignment optimization not critical for this type
type Summary struct {
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	FailureTag   FailureTag `json:"failure_tag,omitempty"`
	AttemptCount int        `json:"attempt_count"`
}

// Filter represents criteria for querying tasks.
type Filter struct {
	Status   *Status  `json:"status,omitempty"`
	Statuses []Status `json:"statuses,omitempty"` // For IN queries
	Limit    int      `json:"limit,omitempty"`
}
