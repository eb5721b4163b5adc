// Package orchestrator drives a single task through the bounded
// Plan -> Code -> Review -> Test state machine. Every transition is
// persisted through the store's compare-and-set contract before the next
// phase begins, so a crashed worker leaves the task resumable at its
// last persisted state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bugfixd/pkg/llm"
	"bugfixd/pkg/logx"
	"bugfixd/pkg/metrics"
	"bugfixd/pkg/sandbox"
	"bugfixd/pkg/store"
	"bugfixd/pkg/task"
)

// Engine is the sandbox contract consumed by the orchestrator.
type Engine interface {
	// RunTests validates one attempt's patch. Errors are infrastructure
	// problems; a failing test suite is a TestResult with Success=false.
	RunTests(ctx context.Context, t *task.Task, attempt *task.Attempt) (*task.TestResult, error)

	// Available reports whether sandboxes can be provisioned right now.
	Available() bool
}

// Config tunes the per-task state machine.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Config struct {
	// ReviewRetryLimit is the per-attempt budget of reviewer rejections
	// that loop back to coding without consuming a fix attempt.
	ReviewRetryLimit int

	// RetryTailTokens bounds the test-output tail carried into a
	// retried coding prompt.
	RetryTailTokens int

	// ParseRetries bounds re-asks when the coder returns output that
	// cannot be decoded into a patch.
	ParseRetries int

	// CancelPollInterval is how often an in-flight sandbox run checks
	// for a cancellation request.
	CancelPollInterval time.Duration

	// CostPer1KTokens is the blended USD cost estimate used for
	// per-attempt accounting.
	CostPer1KTokens float64
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		ReviewRetryLimit:   task.DefaultReviewRetryLimit,
		RetryTailTokens:    1000,
		ParseRetries:       2,
		CancelPollInterval: time.Second,
		CostPer1KTokens:    0.002,
	}
}

// Orchestrator advances one task at a time. It holds no authoritative
// task state across suspension points; the store does.
type Orchestrator struct {
	store    store.TaskStore
	engine   Engine
	client   llm.Client
	tokens   *llm.TokenCounter
	recorder *metrics.Recorder
	logger   *logx.Logger
	cfg      Config
}

// New creates an orchestrator. recorder may be nil.
func New(taskStore store.TaskStore, engine Engine, client llm.Client, recorder *metrics.Recorder, cfg Config) *Orchestrator {
	if cfg.ReviewRetryLimit <= 0 {
		cfg.ReviewRetryLimit = task.DefaultReviewRetryLimit
	}
	if cfg.RetryTailTokens <= 0 {
		cfg.RetryTailTokens = DefaultConfig().RetryTailTokens
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = DefaultConfig().CancelPollInterval
	}

	// Counting falls back to a character estimate without a codec.
	tokens, err := llm.NewTokenCounter()
	if err != nil {
		tokens = nil
	}

	return &Orchestrator{
		store:    taskStore,
		engine:   engine,
		client:   client,
		tokens:   tokens,
		recorder: recorder,
		logger:   logx.NewLogger("orchestrator"),
		cfg:      cfg,
	}
}

// Run drives the task until it reaches a terminal status, this instance
// loses a claim race, or an unrecoverable error occurs. Losing a race is
// not an error: another instance owns the task now.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, err := o.store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return nil
		}
		if t.CancelRequested {
			return o.yieldOnConflict(o.cancel(ctx, t), taskID)
		}

		var stepErr error
		switch t.Status {
		case task.StatusPending:
			stepErr = o.claim(ctx, t)
		case task.StatusPlanning:
			stepErr = o.runPlanning(ctx, t)
		case task.StatusCoding:
			stepErr = o.runCoding(ctx, t)
		case task.StatusReviewing:
			stepErr = o.runReviewing(ctx, t)
		case task.StatusTesting:
			stepErr = o.runTesting(ctx, t)
		default:
			return fmt.Errorf("task %s has unexpected status %s", taskID, t.Status)
		}

		if errors.Is(stepErr, store.ErrConflict) {
			o.logger.Debug("Lost claim race for task %s, yielding", taskID)
			return nil
		}
		if stepErr != nil {
			return stepErr
		}
	}
}

// yieldOnConflict treats a compare-and-set mismatch as a lost race, not
// an error: another instance owns the task.
func (o *Orchestrator) yieldOnConflict(err error, taskID string) error {
	if errors.Is(err, store.ErrConflict) {
		o.logger.Debug("Lost claim race for task %s, yielding", taskID)
		return nil
	}
	return err
}

// claim moves a pending task into PLANNING, first probing the sandbox
// runtime so an unusable environment fails fast without consuming any
// attempt budget or generation calls.
func (o *Orchestrator) claim(ctx context.Context, t *task.Task) error {
	if !o.engine.Available() {
		return o.failInfra(ctx, t, "sandbox runtime unavailable")
	}
	t.Status = task.StatusPlanning
	return o.store.CompareAndSet(ctx, t.ID, task.StatusPending, t)
}

// runPlanning produces the plan and creates attempt 0 in the same
// persisted transition that moves the task to CODING.
func (o *Orchestrator) runPlanning(ctx context.Context, t *task.Task) error {
	resp, err := o.complete(ctx, t, llm.RolePlanner, llm.CompletionRequest{
		System:      plannerSystem,
		Prompt:      planPrompt(t),
		Temperature: llm.TemperatureDefault,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failInfra(ctx, t, fmt.Sprintf("plan generation failed: %v", err))
	}

	attempt := task.Attempt{
		Index: len(t.Attempts),
		Plan:  parsePlan(resp.Content),
	}
	o.recordCall(&attempt, llm.RolePlanner, resp)

	if err := o.store.AppendAttempt(ctx, t.ID, task.StatusPlanning, task.StatusCoding, attempt); err != nil {
		return err
	}
	o.observeAttempt()
	return nil
}

// runCoding generates the patch for the current attempt. Unparseable
// coder output is re-asked a bounded number of times before escalating
// as an infrastructure failure.
func (o *Orchestrator) runCoding(ctx context.Context, t *task.Task) error {
	attempt := t.CurrentAttempt()
	if attempt == nil {
		return fmt.Errorf("task %s is coding with no attempt", t.ID)
	}

	// The plan is produced once per task, on the first attempt.
	plan := t.Attempts[0].Plan
	prompt := codePrompt(t, plan, attempt.Retry)

	var patch *task.Patch
	for tries := 0; ; tries++ {
		resp, err := o.complete(ctx, t, llm.RoleCoder, llm.CompletionRequest{
			System:      coderSystem,
			Prompt:      prompt,
			Temperature: llm.TemperatureDeterministic,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.failInfra(ctx, t, fmt.Sprintf("code generation failed: %v", err))
		}
		o.recordCall(attempt, llm.RoleCoder, resp)

		patch, err = parsePatch(resp.Content, t.Language)
		if err == nil {
			break
		}
		if tries >= o.cfg.ParseRetries {
			return o.failInfra(ctx, t, fmt.Sprintf("code generation produced unusable output: %v", err))
		}
		o.logger.Warn("Task %s attempt %d: unusable patch output, re-asking: %v", t.ID, attempt.Index, err)
	}

	// A fresh patch invalidates any prior review or test verdict.
	attempt.Patch = patch
	attempt.Review = nil
	attempt.TestResult = nil

	t.Status = task.StatusReviewing
	return o.store.CompareAndSet(ctx, t.ID, task.StatusCoding, t)
}

// runReviewing asks the reviewer for a verdict on the current patch.
// Rejections loop back to coding within the same attempt until the
// review-retry budget is spent; a spent budget counts as an attempt
// failure.
func (o *Orchestrator) runReviewing(ctx context.Context, t *task.Task) error {
	attempt := t.CurrentAttempt()
	if attempt == nil || attempt.Patch == nil {
		return fmt.Errorf("task %s is reviewing with no patch", t.ID)
	}

	// A persisted rejection at the budget limit means a crash interrupted
	// the loop-back; resume it instead of re-reviewing.
	if attempt.Review != nil && !attempt.Review.Approved && attempt.ReviewRejections >= o.cfg.ReviewRetryLimit {
		return o.reviewBudgetSpent(ctx, t, attempt)
	}

	resp, err := o.complete(ctx, t, llm.RoleReviewer, llm.CompletionRequest{
		System:      reviewerSystem,
		Prompt:      reviewPrompt(t, attempt.Patch),
		Temperature: llm.TemperatureDefault,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failInfra(ctx, t, fmt.Sprintf("review generation failed: %v", err))
	}
	o.recordCall(attempt, llm.RoleReviewer, resp)

	review := parseReview(resp.Content)
	attempt.Review = review

	if review.Approved {
		t.Status = task.StatusTesting
		return o.store.CompareAndSet(ctx, t.ID, task.StatusReviewing, t)
	}

	if attempt.ReviewRejections < o.cfg.ReviewRetryLimit {
		attempt.ReviewRejections++
		retry := &task.RetryContext{
			PreviousPatch:  attempt.Patch.Code,
			ReviewComments: review.Comments,
		}
		if attempt.Retry != nil {
			retry.TestOutputTail = attempt.Retry.TestOutputTail
		}
		attempt.Retry = retry

		o.logger.Info("Task %s attempt %d: review rejected (%d/%d), re-coding",
			t.ID, attempt.Index, attempt.ReviewRejections, o.cfg.ReviewRetryLimit)
		t.Status = task.StatusCoding
		return o.store.CompareAndSet(ctx, t.ID, task.StatusReviewing, t)
	}

	// Persist the final rejection before resolving it, so a crash here
	// resumes at the guard above without another review call.
	if err := o.store.CompareAndSet(ctx, t.ID, task.StatusReviewing, t); err != nil {
		return err
	}
	return o.reviewBudgetSpent(ctx, t, attempt)
}

// reviewBudgetSpent resolves an attempt whose review rejections are
// exhausted: it consumes the attempt budget exactly like a test failure.
func (o *Orchestrator) reviewBudgetSpent(ctx context.Context, t *task.Task, attempt *task.Attempt) error {
	if t.AttemptsExhausted() {
		return o.failLogic(ctx, t, fmt.Sprintf(
			"fix rejected by review on final attempt %d", attempt.Index))
	}

	next := task.Attempt{
		Index: len(t.Attempts),
		Retry: &task.RetryContext{
			PreviousPatch:  attempt.Patch.Code,
			ReviewComments: attempt.Review.Comments,
		},
	}
	if err := o.store.AppendAttempt(ctx, t.ID, task.StatusReviewing, task.StatusCoding, next); err != nil {
		return err
	}
	o.observeAttempt()
	return nil
}

// runTesting validates the approved patch in the sandbox and applies the
// loop-back policy. The sandbox run is skipped when a persisted result
// already exists (crash-resume after the run but before its resolution).
func (o *Orchestrator) runTesting(ctx context.Context, t *task.Task) error {
	attempt := t.CurrentAttempt()
	if attempt == nil || attempt.Patch == nil {
		return fmt.Errorf("task %s is testing with no patch", t.ID)
	}

	if attempt.TestResult == nil {
		result, err := o.runSandbox(ctx, t, attempt)
		if err != nil {
			// The forced kill on cancellation surfaces as a run error.
			if fresh, gerr := o.store.Get(ctx, t.ID); gerr == nil && fresh.CancelRequested {
				return o.cancel(ctx, fresh)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.failInfra(ctx, t, fmt.Sprintf("sandbox execution failed: %v", err))
		}
		attempt.TestResult = result
	}

	result := attempt.TestResult
	if result.Success {
		t.Status = task.StatusSuccess
		t.ResultSummary = fmt.Sprintf("fix validated on attempt %d", attempt.Index)
		store.SetCompletedNow(t)
		if err := o.store.CompareAndSet(ctx, t.ID, task.StatusTesting, t); err != nil {
			return err
		}
		o.observeTerminal(t)
		return nil
	}

	if t.AttemptsExhausted() {
		reason := fmt.Sprintf("tests failed on all %d attempts; last exit code %d", len(t.Attempts), result.ExitCode)
		if result.TimedOut {
			reason = fmt.Sprintf("tests failed on all %d attempts; last run timed out", len(t.Attempts))
		}
		return o.failLogic(ctx, t, reason)
	}

	// Persist the verdict, then append the next attempt atomically with
	// its transition. A crash in between resumes here with the persisted
	// result and goes straight to the append.
	if err := o.store.CompareAndSet(ctx, t.ID, task.StatusTesting, t); err != nil {
		return err
	}

	retry := &task.RetryContext{
		PreviousPatch:  attempt.Patch.Code,
		TestOutputTail: o.boundedTail(result.Stdout + "\n" + result.Stderr),
	}
	if attempt.Review != nil {
		retry.ReviewComments = attempt.Review.Comments
	}
	next := task.Attempt{
		Index: len(t.Attempts),
		Retry: retry,
	}

	o.logger.Info("Task %s attempt %d failed testing (exit %d, timed_out=%t), starting attempt %d",
		t.ID, attempt.Index, result.ExitCode, result.TimedOut, next.Index)
	if err := o.store.AppendAttempt(ctx, t.ID, task.StatusTesting, task.StatusCoding, next); err != nil {
		return err
	}
	o.observeAttempt()
	return nil
}

// runSandbox executes the test run while watching for a cancellation
// request, which force-terminates the container via context cancel.
func (o *Orchestrator) runSandbox(ctx context.Context, t *task.Task, attempt *task.Attempt) (*task.TestResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := o.watchCancel(runCtx, cancel, t.ID)
	defer stop()

	result, err := o.engine.RunTests(runCtx, t, attempt)
	if err != nil {
		return nil, err
	}

	if o.recorder != nil {
		outcome := "fail"
		switch {
		case result.TimedOut:
			outcome = "timeout"
		case result.Success:
			outcome = "pass"
		}
		o.recorder.ObserveSandboxRun(outcome, result.Duration)
	}
	return result, nil
}

// watchCancel polls the store for a cancellation request while a sandbox
// run is in flight and cancels the run context when one appears.
func (o *Orchestrator) watchCancel(ctx context.Context, cancel context.CancelFunc, taskID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t, err := o.store.Get(ctx, taskID)
				if err == nil && t.CancelRequested {
					o.logger.Info("Cancellation requested for task %s, killing sandbox run", taskID)
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// cancel transitions a non-terminal task to CANCELLED.
func (o *Orchestrator) cancel(ctx context.Context, t *task.Task) error {
	expected := t.Status
	t.Status = task.StatusCancelled
	t.ResultSummary = "cancelled by request"
	store.SetCompletedNow(t)
	if err := o.store.CompareAndSet(ctx, t.ID, expected, t); err != nil {
		return err
	}
	o.observeTerminal(t)
	return nil
}

// failInfra terminates the task with an infrastructure tag. Infra
// failures never consume the fix-attempt budget.
func (o *Orchestrator) failInfra(ctx context.Context, t *task.Task, reason string) error {
	return o.fail(ctx, t, task.FailureInfra, reason)
}

// failLogic terminates the task after its fix-attempt budget is spent.
func (o *Orchestrator) failLogic(ctx context.Context, t *task.Task, reason string) error {
	return o.fail(ctx, t, task.FailureLogic, reason)
}

func (o *Orchestrator) fail(ctx context.Context, t *task.Task, tag task.FailureTag, reason string) error {
	expected := t.Status
	t.Status = task.StatusFailed
	t.FailureTag = tag
	t.ResultSummary = reason
	store.SetCompletedNow(t)
	o.logger.Error("Task %s failed (%s): %s", t.ID, tag, reason)
	if err := o.store.CompareAndSet(ctx, t.ID, expected, t); err != nil {
		return err
	}
	o.observeTerminal(t)
	return nil
}

// complete runs one generation call and records its usage.
func (o *Orchestrator) complete(ctx context.Context, t *task.Task, role llm.Role, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	resp, err := o.client.Complete(ctx, req)
	if o.recorder != nil {
		o.recorder.ObserveLLMRequest(o.client.ModelName(), t.ID, string(role),
			resp.PromptTokens, resp.CompletionTokens, o.costOf(resp), err == nil)
	}
	return resp, err
}

// recordCall appends a generation-call record to the attempt's log.
func (o *Orchestrator) recordCall(attempt *task.Attempt, role llm.Role, resp llm.CompletionResponse) {
	attempt.GenerationCalls = append(attempt.GenerationCalls, task.GenerationCall{
		Timestamp:        time.Now().UTC(),
		Role:             string(role),
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	})
	attempt.TokensUsed += int64(resp.PromptTokens + resp.CompletionTokens)
	attempt.CostUSD += o.costOf(resp)
}

func (o *Orchestrator) costOf(resp llm.CompletionResponse) float64 {
	return float64(resp.PromptTokens+resp.CompletionTokens) / 1000 * o.cfg.CostPer1KTokens
}

// boundedTail trims combined test output to the configured token budget,
// keeping the end where failure diagnostics live.
func (o *Orchestrator) boundedTail(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	return o.tokens.TruncateToTokenLimit(output, o.cfg.RetryTailTokens)
}

func (o *Orchestrator) observeAttempt() {
	if o.recorder != nil {
		o.recorder.ObserveAttempt()
	}
}

func (o *Orchestrator) observeTerminal(t *task.Task) {
	if o.recorder != nil {
		o.recorder.ObserveTaskTerminal(string(t.Status), string(t.FailureTag))
	}
}

// NewEngineAdapter narrows a sandbox engine to the orchestrator's
// contract. Kept as a function so callers do not import pkg/sandbox just
// for the type assertion.
func NewEngineAdapter(engine *sandbox.Engine) Engine {
	return engine
}
