package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bugfixd/pkg/llm"
	"bugfixd/pkg/store"
	"bugfixd/pkg/task"
)

const (
	planJSON    = `{"root_cause":"division by zero","security_risk":false,"fix_approach":"guard the divisor","affected_files":["calc.py"],"test_scenarios":["divide by zero"]}`
	codeJSON    = `{"filename":"calc.py","code":"def divide(a, b):\n    if b == 0:\n        raise ValueError\n    return a / b\n","dependencies":{},"explanation":"added a zero guard"}`
	approveJSON = `{"status":"approved","security_issues":[],"quality_issues":[],"suggestions":[],"risk_level":"low"}`
	rejectJSON  = `{"status":"rejected","security_issues":[],"quality_issues":["missing edge case"],"suggestions":["handle negative input"],"risk_level":"medium"}`
)

// fakeEngine is a scripted sandbox engine. Results are consumed per run;
// the last one repeats.
type fakeEngine struct {
	mu         sync.Mutex
	results    []*task.TestResult
	errs       []error
	available  bool
	blockOnCtx bool
	calls      int
}

func (f *fakeEngine) Available() bool { return f.available }

func (f *fakeEngine) RunTests(ctx context.Context, _ *task.Task, _ *task.Attempt) (*task.TestResult, error) {
	if f.blockOnCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if len(f.results) == 0 {
		return nil, context.Canceled
	}
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	r := *f.results[i]
	return &r, nil
}

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func passResult() *task.TestResult {
	return &task.TestResult{Success: true, ExitCode: 0, Stdout: "all tests passed", Duration: time.Second}
}

func failResult() *task.TestResult {
	return &task.TestResult{Success: false, ExitCode: 1, Stderr: "AssertionError: expected 2, got 3", Duration: time.Second}
}

func newTestStore(t *testing.T) store.TaskStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func submitTask(t *testing.T, s store.TaskStore) *task.Task {
	t.Helper()
	tk := task.New(task.SubmitRequest{
		RepositoryURL:    "https://example.com/repo.git",
		IssueDescription: "divide crashes on zero divisor",
		TestCommand:      "pytest -x",
	})
	require.NoError(t, s.Create(context.Background(), tk))
	return tk
}

func resp(content string) llm.CompletionResponse {
	return llm.CompletionResponse{Content: content, PromptTokens: 100, CompletionTokens: 50}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CancelPollInterval = 20 * time.Millisecond
	return cfg
}

func TestRunSingleAttemptSuccess(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: true, results: []*task.TestResult{passResult()}}
	mock := llm.NewMockClient(resp(planJSON), resp(codeJSON), resp(approveJSON))

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	assert.Equal(t, task.FailureNone, got.FailureTag)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Attempts, 1)

	attempt := got.Attempts[0]
	assert.Contains(t, attempt.Plan, "Root Cause: division by zero")
	require.NotNil(t, attempt.Patch)
	assert.Equal(t, "calc.py", attempt.Patch.Filename)
	require.NotNil(t, attempt.Review)
	assert.True(t, attempt.Review.Approved)
	require.NotNil(t, attempt.TestResult)
	assert.True(t, attempt.TestResult.Success)
	assert.Equal(t, 1, engine.runCount())

	// planner + coder + reviewer, logged on the attempt
	assert.Len(t, attempt.GenerationCalls, 3)
	assert.Equal(t, int64(450), attempt.TokensUsed)
}

func TestRunExhaustsAttemptsOnTestFailures(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: true, results: []*task.TestResult{failResult()}}
	mock := llm.NewMockClient(
		resp(planJSON),
		resp(codeJSON), resp(approveJSON),
		resp(codeJSON), resp(approveJSON),
		resp(codeJSON), resp(approveJSON),
	)

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailureLogic, got.FailureTag)
	require.NotNil(t, got.CompletedAt)
	assert.Len(t, got.Attempts, task.DefaultMaxAttempts)
	assert.Equal(t, task.DefaultMaxAttempts, engine.runCount())

	// Every attempt carries its own failed verdict.
	for _, a := range got.Attempts {
		require.NotNil(t, a.TestResult, "attempt %d", a.Index)
		assert.False(t, a.TestResult.Success, "attempt %d", a.Index)
	}

	// Retried attempts carry bounded context from their predecessor only.
	require.NotNil(t, got.Attempts[1].Retry)
	assert.Contains(t, got.Attempts[1].Retry.PreviousPatch, "if b == 0:")
	assert.Contains(t, got.Attempts[1].Retry.TestOutputTail, "AssertionError")
	// The plan is produced once; later attempts do not re-plan.
	assert.NotEmpty(t, got.Attempts[0].Plan)
	assert.Empty(t, got.Attempts[1].Plan)

	// The retried coder prompt carries the prior patch and the bounded
	// test output tail.
	calls := mock.Calls()
	require.Len(t, calls, 7)
	secondCodePrompt := calls[3].Prompt
	assert.Contains(t, secondCodePrompt, "if b == 0:")
	assert.Contains(t, secondCodePrompt, "AssertionError")
}

func TestRunTimedOutCountsAsFailure(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	timedOut := &task.TestResult{Success: false, ExitCode: -1, TimedOut: true}
	engine := &fakeEngine{available: true, results: []*task.TestResult{timedOut}}
	mock := llm.NewMockClient(
		resp(planJSON),
		resp(codeJSON), resp(approveJSON),
		resp(codeJSON), resp(approveJSON),
		resp(codeJSON), resp(approveJSON),
	)

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailureLogic, got.FailureTag)
	assert.Contains(t, got.ResultSummary, "timed out")
}

func TestRunUnavailableSandboxFailsInfraWithoutAttempts(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: false}
	mock := llm.NewMockClient(resp(planJSON))

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailureInfra, got.FailureTag)
	assert.Empty(t, got.Attempts)
	// No generation call is made for a task that can never be validated.
	assert.Zero(t, mock.CallCount())
}

func TestRunPlannerFailureIsInfraTagged(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: true}
	mock := llm.NewMockClientWithErrors(
		[]llm.CompletionResponse{{}},
		[]error{llm.NewError(llm.ErrorTypeAuth, "bad key")},
	)

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailureInfra, got.FailureTag)
	assert.Empty(t, got.Attempts)
}

func TestRunSandboxInfraErrorDoesNotConsumeBudget(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{
		available: true,
		errs:      []error{llm.NewError(llm.ErrorTypeUnknown, "daemon went away")},
	}
	mock := llm.NewMockClient(resp(planJSON), resp(codeJSON), resp(approveJSON))

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailureInfra, got.FailureTag)
	// The attempt record exists but the budget was not treated as spent
	// across retries; infra failure terminates directly.
	assert.Len(t, got.Attempts, 1)
}

func TestRunReviewRejectionLoopsBackWithinAttempt(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: true, results: []*task.TestResult{passResult()}}
	mock := llm.NewMockClient(
		resp(planJSON),
		resp(codeJSON), resp(rejectJSON),
		resp(codeJSON), resp(approveJSON),
	)

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	// Rejection re-coded the same attempt; no new attempt, no sandbox
	// run for the rejected patch.
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, 1, got.Attempts[0].ReviewRejections)
	assert.Equal(t, 1, engine.runCount())
}

func TestRunReviewBudgetSpentConsumesAttempt(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: true, results: []*task.TestResult{passResult()}}
	// Three rejections spend the review budget of attempt 0; the fourth
	// patch (attempt 1) is approved and passes.
	mock := llm.NewMockClient(
		resp(planJSON),
		resp(codeJSON), resp(rejectJSON),
		resp(codeJSON), resp(rejectJSON),
		resp(codeJSON), resp(rejectJSON),
		resp(codeJSON), resp(approveJSON),
	)

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, task.DefaultReviewRetryLimit, got.Attempts[0].ReviewRejections)
	require.NotNil(t, got.Attempts[1].Retry)
	assert.Contains(t, got.Attempts[1].Retry.ReviewComments, "missing edge case")
}

func TestRunReviewBudgetSpentOnFinalAttemptFailsLogic(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	tk.MaxAttempts = task.DefaultMaxAttempts
	engine := &fakeEngine{available: true, results: []*task.TestResult{failResult()}}
	// Attempts 0 and 1 fail testing; attempt 2 burns its review budget.
	mock := llm.NewMockClient(
		resp(planJSON),
		resp(codeJSON), resp(approveJSON),
		resp(codeJSON), resp(approveJSON),
		resp(codeJSON), resp(rejectJSON),
		resp(codeJSON), resp(rejectJSON),
		resp(codeJSON), resp(rejectJSON),
	)

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailureLogic, got.FailureTag)
	assert.Len(t, got.Attempts, task.DefaultMaxAttempts)
	assert.Contains(t, got.ResultSummary, "rejected by review")
}

func TestRunUnusableCoderOutputIsReaskedThenInfra(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: true}
	prose := resp("I think the fix involves a nil check somewhere.")
	mock := llm.NewMockClient(resp(planJSON), prose, prose, prose)

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailureInfra, got.FailureTag)
	// plan + initial ask + two re-asks
	assert.Equal(t, 4, mock.CallCount())
}

func TestRunCancelledBeforeClaim(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	require.NoError(t, s.RequestCancel(context.Background(), tk.ID))
	engine := &fakeEngine{available: true}
	mock := llm.NewMockClient(resp(planJSON))

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Zero(t, mock.CallCount())
}

func TestRunCancelMidTestingKillsSandbox(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: true, blockOnCtx: true}
	mock := llm.NewMockClient(resp(planJSON), resp(codeJSON), resp(approveJSON))

	o := New(s, engine, mock, nil, testConfig())

	go func() {
		// Let the task reach TESTING, then request cancellation.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			got, err := s.Get(context.Background(), tk.ID)
			if err == nil && got.Status == task.StatusTesting {
				_ = s.RequestCancel(context.Background(), tk.ID)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestRunTerminalTaskIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: true, results: []*task.TestResult{passResult()}}
	mock := llm.NewMockClient(resp(planJSON), resp(codeJSON), resp(approveJSON))

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	before, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)

	// A duplicate delivery of the same task is a no-op.
	require.NoError(t, o.Run(context.Background(), tk.ID))

	after, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, len(before.Attempts), len(after.Attempts))
	assert.Equal(t, 1, engine.runCount())
}

func TestRunResumesFromPersistedState(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)

	// Simulate a worker that crashed right after persisting the plan.
	tk.Status = task.StatusPlanning
	require.NoError(t, s.CompareAndSet(context.Background(), tk.ID, task.StatusPending, tk))
	require.NoError(t, s.AppendAttempt(context.Background(), tk.ID, task.StatusPlanning, task.StatusCoding,
		task.Attempt{Index: 0, Plan: "Root Cause: missing zero guard"}))

	engine := &fakeEngine{available: true, results: []*task.TestResult{passResult()}}
	// The resuming worker never re-plans: only coder and reviewer calls.
	mock := llm.NewMockClient(resp(codeJSON), resp(approveJSON))

	o := New(s, engine, mock, nil, testConfig())
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, "Root Cause: missing zero guard", got.Attempts[0].Plan)
	assert.Equal(t, 2, mock.CallCount())
}

// conflictStore simulates another instance winning the claim race.
type conflictStore struct {
	store.TaskStore
}

func (c *conflictStore) CompareAndSet(_ context.Context, _ string, _ task.Status, _ *task.Task) error {
	return store.ErrConflict
}

func TestRunYieldsOnClaimConflict(t *testing.T) {
	s := newTestStore(t)
	tk := submitTask(t, s)
	engine := &fakeEngine{available: true}
	mock := llm.NewMockClient(resp(planJSON))

	o := New(&conflictStore{TaskStore: s}, engine, mock, nil, testConfig())
	// Losing the race is a silent yield, not an error.
	require.NoError(t, o.Run(context.Background(), tk.ID))

	got, err := s.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}
