// Package engine orchestrates remote page tests: it submits them, tracks each job with one
// poll loop per timeline, and keeps the status store as the single view of progress.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagetest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/pagetest-orchestrator/internal/metrics"
	"github.com/JakeFAU/pagetest-orchestrator/internal/normalize"
	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
	"github.com/JakeFAU/pagetest-orchestrator/internal/poller"
	"github.com/JakeFAU/pagetest-orchestrator/internal/provider"
)

// Client is the provider surface the engine drives.
type Client interface {
	Submit(ctx context.Context, url string) (provider.Submission, error)
	FetchResult(ctx context.Context, jobID string) (provider.Outcome, error)
	FetchLighthouse(ctx context.Context, jobID string) (provider.Outcome, error)
	ResultPage(jobID string) string
}

// Gate caps the number of jobs tracked at once.
type Gate interface {
	Acquire() bool
	Release()
}

// Auditor produces a Lighthouse report for a URL on demand, with its own cooldown.
type Auditor interface {
	Audit(ctx context.Context, url string) (provider.Outcome, error)
	BlockedUntil() time.Time
}

// Cooldown exposes the shared blocked flag of the rate limiter. Poll loops hold their probes
// until it ends.
type Cooldown interface {
	BlockedUntil() time.Time
}

// Config tunes the engine.
type Config struct {
	Metrics    poller.Config
	Lighthouse poller.Config
	// LighthouseEnabled turns the second timeline on.
	LighthouseEnabled bool
	// Topic receives completion events when a publisher is configured.
	Topic string
	// ReportPrefix is the blob path prefix for archived Lighthouse reports.
	ReportPrefix string
}

// Deps are the collaborators of an Engine. Archive, Blobs, Publisher, Cooldown, Auditor and
// Recent are optional. With an Auditor the Lighthouse timeline audits the job URL instead of
// reading the provider's report.
type Deps struct {
	Client     Client
	Store      pagetest.StatusStore
	Gate       Gate
	Metrics    *normalize.Metrics
	Lighthouse *normalize.Lighthouse
	Archive    pagetest.ResultArchive
	Blobs      pagetest.BlobStore
	Publisher  pagetest.Publisher
	Cooldown   Cooldown
	Auditor    Auditor
	Recent     pagetest.RecentJobs
	Clock      pagetest.Clock
	IDs        pagetest.IDGenerator
	Logger     *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPollOptions passes options to both poll loops (tests inject clocks and sleeps here).
func WithPollOptions(opts ...poller.Option) Option {
	return func(e *Engine) { e.pollOpts = append(e.pollOpts, opts...) }
}

// Engine owns every in-flight job of the process.
type Engine struct {
	client     Client
	store      pagetest.StatusStore
	gate       Gate
	metrics    *normalize.Metrics
	lighthouse *normalize.Lighthouse
	archive    pagetest.ResultArchive
	blobs      pagetest.BlobStore
	publisher  pagetest.Publisher
	cooldown   Cooldown
	auditor    Auditor
	recent     pagetest.RecentJobs
	clock      pagetest.Clock
	ids        pagetest.IDGenerator
	logger     *zap.Logger
	cfg        Config

	pollOpts       []poller.Option
	metricsLoop    *poller.Loop
	lighthouseLoop *poller.Loop

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*tracked
}

// New creates an Engine.
func New(deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	if deps.Client == nil {
		return nil, errors.New("engine: provider client is required")
	}
	if deps.Store == nil {
		return nil, errors.New("engine: status store is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("engine: concurrency gate is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("engine: id generator is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	var err error
	if deps.Metrics == nil {
		if deps.Metrics, err = normalize.NewMetrics(); err != nil {
			return nil, fmt.Errorf("build metrics normalizer: %w", err)
		}
	}
	if deps.Lighthouse == nil {
		if deps.Lighthouse, err = normalize.NewLighthouse(); err != nil {
			return nil, fmt.Errorf("build lighthouse normalizer: %w", err)
		}
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = "lighthouse"
	}
	cfg.Metrics.Name = pagetest.TimelineMetrics
	cfg.Lighthouse.Name = pagetest.TimelineLighthouse
	if deps.Auditor != nil {
		// Audits run synchronously; nothing is being generated remotely in the meantime.
		cfg.Lighthouse.WarmUp = 0
	}

	e := &Engine{
		client:     deps.Client,
		store:      deps.Store,
		gate:       deps.Gate,
		metrics:    deps.Metrics,
		lighthouse: deps.Lighthouse,
		archive:    deps.Archive,
		blobs:      deps.Blobs,
		publisher:  deps.Publisher,
		cooldown:   deps.Cooldown,
		auditor:    deps.Auditor,
		recent:     deps.Recent,
		clock:      deps.Clock,
		ids:        deps.IDs,
		logger:     deps.Logger.Named("engine"),
		cfg:        cfg,
		jobs:       make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metricsLoop = poller.New(cfg.Metrics, e.loopOptions(e.cooldown)...)
	if e.auditor != nil {
		e.lighthouseLoop = poller.New(cfg.Lighthouse, e.loopOptions(e.auditor)...)
	} else {
		e.lighthouseLoop = poller.New(cfg.Lighthouse, e.loopOptions(e.cooldown)...)
	}
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	return e, nil
}

// loopOptions pauses a loop on the cooldown of whatever its probes call.
func (e *Engine) loopOptions(cooldown Cooldown) []poller.Option {
	opts := []poller.Option{poller.WithLogger(e.logger)}
	if cooldown != nil {
		opts = append(opts, poller.WithPause(cooldown.BlockedUntil))
	}
	return append(opts, e.pollOpts...)
}

// Limits returns the effective poll configuration of both timelines.
func (e *Engine) Limits() (metrics, lighthouse poller.Config) {
	return e.metricsLoop.Config(), e.lighthouseLoop.Config()
}

// BlockedUntil reports the end of the provider cooldown, zero when not blocked.
func (e *Engine) BlockedUntil() time.Time {
	if e.cooldown == nil {
		return time.Time{}
	}
	until := e.cooldown.BlockedUntil()
	if !until.After(e.clock.Now()) {
		return time.Time{}
	}
	return until
}

// Submit starts a test for target and tracks it in the background. The returned record is the
// freshly seeded pending entry, or the record of a recent test of the same URL that is still
// pending or complete.
func (e *Engine) Submit(ctx context.Context, target string) (pagetest.JobRecord, error) {
	if err := validateURL(target); err != nil {
		return pagetest.JobRecord{}, err
	}
	if rec, ok := e.reuse(ctx, target); ok {
		return rec, nil
	}
	job, err := e.submit(ctx, target)
	if err != nil {
		return pagetest.JobRecord{}, err
	}
	rec, err := e.seed(ctx, job)
	if err != nil {
		e.gate.Release()
		return pagetest.JobRecord{}, err
	}
	e.remember(ctx, job)
	e.start(job, job.SubmittedAt, bothTimelines)
	return rec, nil
}

// Run submits a test and blocks until both timelines are terminal or ctx is done. Canceling
// ctx stops tracking without failing the job.
func (e *Engine) Run(ctx context.Context, target string) (pagetest.JobRecord, error) {
	job, err := e.submit(ctx, target)
	if err != nil {
		return pagetest.JobRecord{}, err
	}
	if _, err := e.seed(ctx, job); err != nil {
		e.gate.Release()
		return pagetest.JobRecord{}, err
	}
	e.remember(ctx, job)
	t := e.start(job, job.SubmittedAt, bothTimelines)
	stop := context.AfterFunc(ctx, func() { t.cancel(context.Cause(ctx)) })
	defer stop()

	<-t.done
	rec, err := e.Record(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return pagetest.JobRecord{}, err
	}
	if ctx.Err() != nil {
		return rec, fmt.Errorf("wait for job %s: %w", job.ID, context.Cause(ctx))
	}
	return rec, nil
}

// Adopt starts tracking a job submitted elsewhere, or resumes one this process lost track of.
// Jobs unknown to the store are polled right away since their warm-up already passed.
func (e *Engine) Adopt(ctx context.Context, jobID string) (pagetest.JobRecord, error) {
	if jobID == "" {
		return pagetest.JobRecord{}, fmt.Errorf("%w: job id is required", pagetest.ErrInvalidInput)
	}
	if e.tracking(jobID) {
		return e.Record(ctx, jobID)
	}
	rec, ok, err := e.store.Get(ctx, jobID)
	if err != nil {
		return pagetest.JobRecord{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if ok && rec.Job.Status.Terminal() && rec.LighthouseStatus.Terminal() {
		return rec, nil
	}
	if !e.gate.Acquire() {
		return pagetest.JobRecord{}, pagetest.ErrBusy
	}

	now := e.clock.Now()
	since := now.Add(-max(e.cfg.Metrics.WarmUp, e.cfg.Lighthouse.WarmUp))
	job := pagetest.Job{ID: jobID, SubmittedAt: now, Status: pagetest.StatusPending, ResultURL: e.client.ResultPage(jobID)}
	open := bothTimelines
	if ok && !rec.Job.SubmittedAt.IsZero() {
		job = rec.Job
		since = rec.Job.SubmittedAt
		open = timelines{metrics: !rec.Job.Status.Terminal(), lighthouse: !rec.LighthouseStatus.Terminal()}
	}
	if rec, err = e.seed(ctx, job); err != nil {
		e.gate.Release()
		return pagetest.JobRecord{}, err
	}
	e.logger.Info("adopted job", zap.String("job_id", jobID))
	e.start(job, since, open)
	return rec, nil
}

// Record returns the stored record for jobID.
func (e *Engine) Record(ctx context.Context, jobID string) (pagetest.JobRecord, error) {
	rec, ok, err := e.store.Get(ctx, jobID)
	if err != nil {
		return pagetest.JobRecord{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return pagetest.JobRecord{}, fmt.Errorf("%w: %s", pagetest.ErrJobNotFound, jobID)
	}
	return rec, nil
}

// AttachSitemap stores the sitemap analysis of a collaborator on the job record.
func (e *Engine) AttachSitemap(ctx context.Context, jobID string, report json.RawMessage) (pagetest.JobRecord, error) {
	if !json.Valid(report) {
		return pagetest.JobRecord{}, fmt.Errorf("%w: sitemap report is not valid JSON", pagetest.ErrInvalidInput)
	}
	return e.hook(ctx, jobID, pagetest.Patch{SitemapResults: report})
}

// AttachInsights stores the generated insights of a collaborator on the job record.
func (e *Engine) AttachInsights(ctx context.Context, jobID string, insights json.RawMessage) (pagetest.JobRecord, error) {
	if !json.Valid(insights) {
		return pagetest.JobRecord{}, fmt.Errorf("%w: insights are not valid JSON", pagetest.ErrInvalidInput)
	}
	return e.hook(ctx, jobID, pagetest.Patch{Insights: insights})
}

// hook routes a collaborator patch through the job's writer while it is tracked, so a record
// only ever has one writer.
func (e *Engine) hook(ctx context.Context, jobID string, patch pagetest.Patch) (pagetest.JobRecord, error) {
	if jobID == "" {
		return pagetest.JobRecord{}, fmt.Errorf("%w: job id is required", pagetest.ErrInvalidInput)
	}
	e.mu.Lock()
	t := e.jobs[jobID]
	e.mu.Unlock()
	if t != nil {
		reply := make(chan applied, 1)
		if t.send(update{patch: patch, reply: reply}) {
			select {
			case res := <-reply:
				return res.record, res.err
			case <-ctx.Done():
				return pagetest.JobRecord{}, fmt.Errorf("attach to job %s: %w", jobID, ctx.Err())
			}
		}
	}
	rec, err := e.store.Upsert(ctx, jobID, patch)
	if err != nil {
		return pagetest.JobRecord{}, fmt.Errorf("attach to job %s: %w", jobID, err)
	}
	return rec, nil
}

// StartSweeper evicts expired records every interval until ctx or the engine stops.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.baseCtx.Done():
				return
			case <-ticker.C:
				e.sweep(ctx)
			}
		}
	}()
}

func (e *Engine) sweep(ctx context.Context) {
	removed, err := e.store.Sweep(ctx, e.clock.Now())
	if err != nil {
		e.logger.Warn("status sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		e.logger.Debug("swept expired records", zap.Int("removed", removed))
	}
}

// Shutdown stops every poll loop without failing their jobs and waits for them to exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// submit validates target, takes a gate slot and submits the test. The slot is held on
// success and released by the job's goroutine.
func (e *Engine) submit(ctx context.Context, target string) (pagetest.Job, error) {
	if err := validateURL(target); err != nil {
		return pagetest.Job{}, err
	}
	if until := e.BlockedUntil(); !until.IsZero() {
		return pagetest.Job{}, fmt.Errorf("%w: cooling down until %s", pagetest.ErrBlocked, until.Format(time.RFC3339))
	}
	if !e.gate.Acquire() {
		return pagetest.Job{}, pagetest.ErrBusy
	}
	sub, err := e.client.Submit(ctx, target)
	if err != nil {
		e.gate.Release()
		return pagetest.Job{}, fmt.Errorf("submit %s: %w", target, err)
	}
	return pagetest.Job{
		ID:          sub.JobID,
		URL:         target,
		SubmittedAt: e.clock.Now(),
		Status:      pagetest.StatusPending,
		Transport:   sub.Transport,
		ResultURL:   sub.ResultURL,
	}, nil
}

// reuse returns the record of the job that tested target inside the reuse window, unless that
// job failed or was blocked. Cache errors only cost a fresh submission.
func (e *Engine) reuse(ctx context.Context, target string) (pagetest.JobRecord, bool) {
	if e.recent == nil {
		return pagetest.JobRecord{}, false
	}
	jobID, ok, err := e.recent.Lookup(ctx, target)
	if err != nil {
		e.logger.Warn("recent job lookup failed", zap.String("url", target), zap.Error(err))
		return pagetest.JobRecord{}, false
	}
	if !ok {
		return pagetest.JobRecord{}, false
	}
	rec, found, err := e.store.Get(ctx, jobID)
	if err != nil || !found {
		return pagetest.JobRecord{}, false
	}
	if rec.Job.Status == pagetest.StatusFailed || rec.Job.Status == pagetest.StatusBlocked {
		return pagetest.JobRecord{}, false
	}
	e.logger.Info("reusing recent test", zap.String("url", target), zap.String("job_id", jobID), zap.String("status", string(rec.Job.Status)))
	metrics.ObserveReuse()
	return rec, true
}

func (e *Engine) remember(ctx context.Context, job pagetest.Job) {
	if e.recent == nil {
		return
	}
	if err := e.recent.Remember(ctx, job.URL, job.ID); err != nil {
		e.logger.Warn("remember recent job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (e *Engine) seed(ctx context.Context, job pagetest.Job) (pagetest.JobRecord, error) {
	rec, err := e.store.Upsert(ctx, job.ID, pagetest.Patch{Job: &job})
	if err != nil {
		return pagetest.JobRecord{}, fmt.Errorf("seed job %s: %w", job.ID, err)
	}
	return rec, nil
}

func (e *Engine) tracking(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[jobID]
	return ok
}

func validateURL(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: parse url: %w", pagetest.ErrInvalidInput, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s): %q", pagetest.ErrInvalidInput, target)
	}
	return nil
}
