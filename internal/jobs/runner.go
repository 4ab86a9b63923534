package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/store"
)

const (
	defaultTimeout  = 10 * time.Minute
	defaultMaxLines = 2000
	maxLineBytes    = 1 << 20
)

// Notifier receives job change events.
type Notifier interface {
	Notify(projectID, eventType string, payload any)
}

// Recorder observes job lifecycles.
type Recorder interface {
	JobStarted()
	JobFinished(jobType, status string, seconds float64)
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds each job's run time.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxLogLines caps how many output lines a job keeps. Older lines are dropped.
func WithMaxLogLines(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxLines = n
		}
	}
}

// WithNotifier sets the change event sink.
func WithNotifier(n Notifier) Option { return func(r *Runner) { r.notifier = n } }

// WithRecorder sets the metrics sink.
func WithRecorder(rec Recorder) Option { return func(r *Runner) { r.recorder = rec } }

type handle struct {
	mu        sync.Mutex
	job       *Job
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func (h *handle) snapshot() *Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.clone()
}

// Runner spawns and tracks jobs. Live jobs are held in memory and every state
// change is persisted so history survives restarts.
type Runner struct {
	ds       *store.Store
	logger   zerolog.Logger
	timeout  time.Duration
	maxLines int
	notifier Notifier
	recorder Recorder

	jobs sync.Map // id -> *handle
	wg   sync.WaitGroup
}

// NewRunner creates a job runner backed by ds.
func NewRunner(ds *store.Store, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		ds:       ds,
		logger:   logger.With().Str("component", "jobs.runner").Logger(),
		timeout:  defaultTimeout,
		maxLines: defaultMaxLines,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recover marks jobs left running by a previous process as failed.
func (r *Runner) Recover() error {
	n, err := r.ds.MarkInterruptedJobs()
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Warn().Int64("count", n).Msg("marked interrupted jobs as failed")
	}
	return nil
}

// Start launches a job and returns immediately. The job is not bound to ctx;
// use Cancel to stop it.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*Job, error) {
	if !req.Type.Valid() {
		return nil, perrors.Invalid("unknown job type %q", req.Type)
	}
	if req.Command == "" {
		return nil, perrors.Invalid("command is required")
	}
	if info, err := os.Stat(req.Cwd); err != nil || !info.IsDir() {
		return nil, perrors.Invalid("working directory %q does not exist", req.Cwd)
	}

	job := &Job{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		Type:      req.Type,
		Command:   req.Command,
		Args:      append([]string{}, req.Args...),
		Cwd:       req.Cwd,
		Status:    StatusPending,
		Logs:      []LogLine{},
		CreatedAt: time.Now().UTC(),
	}
	runCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
	h := &handle{job: job, cancel: cancel, done: make(chan struct{})}
	if err := r.persist(job); err != nil {
		cancel()
		return nil, err
	}
	r.jobs.Store(job.ID, h)

	r.logger.Info().
		Str("job_id", job.ID).
		Str("project_id", job.ProjectID).
		Str("type", string(job.Type)).
		Str("command", job.Command).
		Msg("job started")

	r.wg.Add(1)
	go r.run(runCtx, h)
	return job.clone(), nil
}

func (r *Runner) run(ctx context.Context, h *handle) {
	defer r.wg.Done()
	defer r.jobs.Delete(h.job.ID)
	defer close(h.done)
	defer h.cancel()

	h.mu.Lock()
	job := h.job
	cmd := exec.CommandContext(ctx, job.Command, job.Args...)
	cmd.Dir = job.Cwd
	cmd.WaitDelay = 5 * time.Second
	h.mu.Unlock()

	stdout := &lineWriter{h: h, stream: "stdout", max: r.maxLines}
	stderr := &lineWriter{h: h, stream: "stderr", max: r.maxLines}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := r.execute(h, cmd)
	stdout.flush()
	stderr.flush()
	r.finish(ctx, h, cmd, err)
}

func (r *Runner) execute(h *handle, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	now := time.Now().UTC()
	h.mu.Lock()
	h.job.Status = StatusRunning
	h.job.StartedAt = &now
	snap := h.job.clone()
	h.mu.Unlock()
	if r.recorder != nil {
		r.recorder.JobStarted()
	}
	r.save(snap)
	return cmd.Wait()
}

// lineWriter splits process output into log lines on the job.
type lineWriter struct {
	h      *handle
	stream string
	max    int
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.append(strings.TrimRight(line, "\r\n"))
	}
	if w.buf.Len() > maxLineBytes {
		w.append(w.buf.String())
		w.buf.Reset()
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.append(strings.TrimRight(w.buf.String(), "\r"))
		w.buf.Reset()
	}
}

func (w *lineWriter) append(msg string) {
	line := LogLine{Stream: w.stream, Message: msg, Timestamp: time.Now().UTC()}
	w.h.mu.Lock()
	defer w.h.mu.Unlock()
	w.h.job.Logs = append(w.h.job.Logs, line)
	if over := len(w.h.job.Logs) - w.max; over > 0 {
		w.h.job.Logs = append(w.h.job.Logs[:0:0], w.h.job.Logs[over:]...)
	}
}

func (r *Runner) finish(ctx context.Context, h *handle, cmd *exec.Cmd, runErr error) {
	now := time.Now().UTC()
	h.mu.Lock()
	job := h.job
	started := job.StartedAt != nil
	job.CompletedAt = &now
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		job.ExitCode = &code
	}
	switch {
	case h.cancelled:
		job.Status = StatusCancelled
		job.Error = "cancelled"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		job.Status = StatusFailed
		job.Error = fmt.Sprintf("timed out after %s", r.timeout)
	case runErr != nil:
		job.Status = StatusFailed
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			job.Error = runErr.Error()
		}
	default:
		job.Status = StatusSucceeded
	}
	snap := job.clone()
	h.mu.Unlock()

	seconds := 0.0
	if started {
		seconds = now.Sub(*snap.StartedAt).Seconds()
		if r.recorder != nil {
			r.recorder.JobFinished(string(snap.Type), string(snap.Status), seconds)
		}
	}
	r.save(snap)

	evt := r.logger.Info()
	if snap.Status != StatusSucceeded {
		evt = r.logger.Warn()
	}
	evt.Str("job_id", snap.ID).
		Str("status", string(snap.Status)).
		Float64("seconds", seconds).
		Str("error", snap.Error).
		Msg("job finished")
}

// save persists and publishes a snapshot; persistence errors are logged.
func (r *Runner) save(job *Job) {
	if err := r.persist(job); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist job")
	}
	if r.notifier != nil {
		r.notifier.Notify(job.ProjectID, EventJobsUpdated, job)
	}
}

func (r *Runner) persist(job *Job) error {
	args, _ := json.Marshal(job.Args)
	logs, _ := json.Marshal(job.Logs)
	rec := &store.JobRecord{
		ID:        job.ID,
		ProjectID: job.ProjectID,
		Type:      string(job.Type),
		Command:   job.Command,
		Args:      string(args),
		Cwd:       job.Cwd,
		Status:    string(job.Status),
		ExitCode:  job.ExitCode,
		Logs:      string(logs),
		Error:     job.Error,
		CreatedAt: job.CreatedAt.UnixMilli(),
	}
	if job.StartedAt != nil {
		rec.StartedAt = job.StartedAt.UnixMilli()
	}
	if job.CompletedAt != nil {
		rec.CompletedAt = job.CompletedAt.UnixMilli()
	}
	return r.ds.SaveJob(rec)
}

func fromRecord(rec *store.JobRecord) *Job {
	job := &Job{
		ID:        rec.ID,
		ProjectID: rec.ProjectID,
		Type:      Type(rec.Type),
		Command:   rec.Command,
		Cwd:       rec.Cwd,
		Status:    Status(rec.Status),
		ExitCode:  rec.ExitCode,
		Error:     rec.Error,
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
	}
	_ = json.Unmarshal([]byte(rec.Args), &job.Args)
	if rec.Logs != "" {
		_ = json.Unmarshal([]byte(rec.Logs), &job.Logs)
	}
	if job.Logs == nil {
		job.Logs = []LogLine{}
	}
	if rec.StartedAt != 0 {
		t := time.UnixMilli(rec.StartedAt).UTC()
		job.StartedAt = &t
	}
	if rec.CompletedAt != 0 {
		t := time.UnixMilli(rec.CompletedAt).UTC()
		job.CompletedAt = &t
	}
	return job
}

func (r *Runner) handle(id string) (*handle, bool) {
	v, ok := r.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*handle), true
}

// Get returns a job snapshot.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	if h, ok := r.handle(id); ok {
		return h.snapshot(), nil
	}
	rec, err := r.ds.GetJob(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, perrors.NotFound("job %q not found", id)
	}
	return fromRecord(rec), nil
}

// List returns a project's jobs, newest first.
func (r *Runner) List(ctx context.Context, projectID string, limit int) ([]*Job, error) {
	recs, err := r.ds.ListJobs(projectID, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(recs))
	for _, rec := range recs {
		if h, ok := r.handle(rec.ID); ok {
			jobs = append(jobs, h.snapshot())
			continue
		}
		jobs = append(jobs, fromRecord(rec))
	}
	return jobs, nil
}

// Cancel terminates a running job. Cancelling a finished job returns it unchanged.
func (r *Runner) Cancel(ctx context.Context, id string) (*Job, error) {
	h, ok := r.handle(id)
	if !ok {
		return r.Get(ctx, id)
	}
	h.mu.Lock()
	if !h.job.Status.Final() {
		h.cancelled = true
		h.cancel()
	}
	h.mu.Unlock()

	r.logger.Info().Str("job_id", id).Msg("job cancel requested")
	return r.Wait(ctx, id)
}

// Wait blocks until the job finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, id string) (*Job, error) {
	h, ok := r.handle(id)
	if !ok {
		return r.Get(ctx, id)
	}
	select {
	case <-h.done:
		return h.snapshot(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for job %s", perrors.ErrTimeout, id)
	}
}

// Shutdown cancels every running job and waits for them to exit.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.jobs.Range(func(_, v any) bool {
		h := v.(*handle)
		h.mu.Lock()
		if !h.job.Status.Final() {
			h.cancelled = true
			h.cancel()
		}
		h.mu.Unlock()
		return true
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
