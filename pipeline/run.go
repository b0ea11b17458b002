package pipeline

import "context"

// funcJob adapts a plain function to the Job interface so a caller can
// route one piece of work through a stage's worker pool and block for
// its result, instead of hand-writing a Job type at every call site.
type funcJob struct {
	fn   func(ctx context.Context) error
	done chan error
}

func (j *funcJob) Execute(ctx context.Context, c *Coordinator) error {
	err := j.fn(ctx)
	j.done <- err
	return err
}

// RunStage submits fn as a job on stage and blocks until it has run, the
// queue rejects it, or ctx is cancelled first. Unlike Submit, the caller
// gets fn's own return value back rather than just the enqueue outcome.
func (c *Coordinator) RunStage(ctx context.Context, stage Stage, category Category, sessionID string, fn func(ctx context.Context) error) error {
	job := &funcJob{fn: fn, done: make(chan error, 1)}
	if err := c.Submit(stage, job); err != nil {
		return err
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn through coordinator's stage worker pool, or calls it
// directly when coordinator is nil. Components that may run with or
// without a pipeline behind them (unit tests, a bare-bones embedding)
// use this instead of guarding every call site with a nil check.
func Run(coordinator *Coordinator, ctx context.Context, stage Stage, category Category, sessionID string, fn func(ctx context.Context) error) error {
	if coordinator == nil {
		return fn(ctx)
	}
	return coordinator.RunStage(ctx, stage, category, sessionID, fn)
}
