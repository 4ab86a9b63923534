package jobs

import (
	"context"
	"fmt"

	"github.com/lucidcoder/lucidcoder/internal/branch"
)

// TestRunner runs a project's test command as a job and reports the outcome
// to the branch workflow.
type TestRunner struct {
	runner   *Runner
	resolver *CommandResolver
}

// NewTestRunner creates a TestRunner.
func NewTestRunner(runner *Runner, resolver *CommandResolver) *TestRunner {
	return &TestRunner{runner: runner, resolver: resolver}
}

// RunTests starts the test job and waits for it. A cancelled job is an error
// so that no test result gets recorded for it.
func (t *TestRunner) RunTests(ctx context.Context, projectID, dir string) (*branch.TestOutcome, error) {
	req, err := t.resolver.Resolve(ctx, projectID, TypeTest)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		req.Cwd = dir
	}
	job, err := t.runner.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	job, err = t.runner.Wait(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusCancelled {
		return nil, fmt.Errorf("test job %s was cancelled", job.ID)
	}

	passed := job.Status == StatusSucceeded
	s := ParseSummary(job.Output())
	if !passed && s.Failed == 0 {
		s.Failed = 1
		s.Total = s.Passed + s.Failed + s.Skipped
	}
	return &branch.TestOutcome{
		Passed: passed,
		Summary: branch.TestSummary{
			Total:   s.Total,
			Passed:  s.Passed,
			Failed:  s.Failed,
			Skipped: s.Skipped,
		},
		JobID: job.ID,
	}, nil
}
