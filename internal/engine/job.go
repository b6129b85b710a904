package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagetest-orchestrator/internal/classify"
	"github.com/JakeFAU/pagetest-orchestrator/internal/normalize"
	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
	"github.com/JakeFAU/pagetest-orchestrator/internal/poller"
	"github.com/JakeFAU/pagetest-orchestrator/internal/provider"
)

// update is one patch for the job writer. then runs on the writer after the patch is applied.
type update struct {
	patch pagetest.Patch
	then  func(ctx context.Context, rec pagetest.JobRecord)
	reply chan<- applied
}

type applied struct {
	record pagetest.JobRecord
	err    error
}

// tracked is a job with live poll loops.
type tracked struct {
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	updates chan update
}

// send queues u unless the writer has stopped accepting updates.
func (t *tracked) send(u update) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.updates <- u
	return true
}

func (t *tracked) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	close(t.updates)
}

// timelines selects which poll loops a job still needs.
type timelines struct {
	metrics    bool
	lighthouse bool
}

var bothTimelines = timelines{metrics: true, lighthouse: true}

// start launches the poll loops of job. The caller holds a gate slot that the job releases
// when it finishes; if the job is already tracked the slot is released right away.
func (e *Engine) start(job pagetest.Job, since time.Time, open timelines) *tracked {
	e.mu.Lock()
	if t, ok := e.jobs[job.ID]; ok {
		e.mu.Unlock()
		e.gate.Release()
		return t
	}
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	t := &tracked{cancel: cancel, done: make(chan struct{}), updates: make(chan update, 16)}
	e.jobs[job.ID] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(t.done)
		defer e.gate.Release()
		defer func() {
			e.mu.Lock()
			delete(e.jobs, job.ID)
			e.mu.Unlock()
		}()
		defer cancel(nil)
		e.track(ctx, t, job, since, open)
	}()
	return t
}

// track runs both timelines of a job and the writer that persists their progress.
func (e *Engine) track(ctx context.Context, t *tracked, job pagetest.Job, since time.Time, open timelines) {
	logger := e.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	logger.Info("tracking job")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		e.write(context.WithoutCancel(ctx), job.ID, t.updates, logger)
	}()

	metricsCtx, cancelMetrics := context.WithCancelCause(ctx)
	defer cancelMetrics(nil)
	lighthouseCtx, cancelLighthouse := context.WithCancelCause(ctx)
	defer cancelLighthouse(nil)

	var g errgroup.Group
	g.Go(func() error {
		if !open.metrics {
			return nil
		}
		if status := e.pollMetrics(metricsCtx, t, job, since); status == pagetest.StatusBlocked {
			cancelLighthouse(pagetest.ErrBlocked)
		}
		return nil
	})
	g.Go(func() error {
		if !open.lighthouse {
			return nil
		}
		if !e.cfg.LighthouseEnabled {
			t.send(update{patch: pagetest.Patch{
				LighthouseStatus: pagetest.StatusPtr(pagetest.StatusFailed),
				LighthouseError:  pagetest.StringPtr("lighthouse reports are disabled"),
			}})
			return nil
		}
		if status := e.pollLighthouse(lighthouseCtx, t, job, since); status == pagetest.StatusBlocked {
			cancelMetrics(pagetest.ErrBlocked)
		}
		return nil
	})
	_ = g.Wait()

	t.close()
	<-writerDone
	logger.Info("stopped tracking job")
}

// write is the only writer of the job record while it is tracked.
func (e *Engine) write(ctx context.Context, jobID string, updates <-chan update, logger *zap.Logger) {
	for u := range updates {
		rec, err := e.store.Upsert(ctx, jobID, u.patch)
		if err != nil {
			logger.Error("update job record failed", zap.Error(err))
		} else if u.then != nil {
			u.then(ctx, rec)
		}
		if u.reply != nil {
			u.reply <- applied{record: rec, err: err}
		}
	}
}

// pollMetrics runs the metrics timeline and returns its terminal status, empty when canceled
// by the caller.
func (e *Engine) pollMetrics(ctx context.Context, t *tracked, job pagetest.Job, since time.Time) pagetest.Status {
	res := poller.Run(ctx, e.metricsLoop, since, e.metricsProbe(job.ID), func(n int, _ poller.Observation[pagetest.Summary]) {
		t.send(update{patch: pagetest.Patch{Attempts: pagetest.IntPtr(n)}})
	})

	status, err := terminal(res.Status, res.Canceled, res.Err)
	if status == "" {
		return ""
	}
	patch := pagetest.Patch{Attempts: pagetest.IntPtr(res.Attempts)}
	if status == pagetest.StatusComplete {
		summary := res.Value
		patch.Summary = &summary
	} else {
		patch.Status = pagetest.StatusPtr(status)
		patch.ErrorDetail = pagetest.StringPtr(pagetest.DetailFor(err))
	}
	e.logger.Info("metrics timeline finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.Int("attempt", res.Attempts),
		zap.Error(err),
	)
	t.send(update{patch: patch, then: e.finish(pagetest.TimelineMetrics)})
	return status
}

// pollLighthouse runs the Lighthouse timeline and archives the report when it completes.
func (e *Engine) pollLighthouse(ctx context.Context, t *tracked, job pagetest.Job, since time.Time) pagetest.Status {
	res := poller.Run(ctx, e.lighthouseLoop, since, e.lighthouseProbe(job), func(n int, _ poller.Observation[pagetest.LighthouseReport]) {
		t.send(update{patch: pagetest.Patch{LighthouseAttempts: pagetest.IntPtr(n)}})
	})

	status, err := terminal(res.Status, res.Canceled, res.Err)
	if status == "" {
		return ""
	}
	patch := pagetest.Patch{LighthouseAttempts: pagetest.IntPtr(res.Attempts)}
	if status == pagetest.StatusComplete {
		report := res.Value
		patch.Lighthouse = &report
		if uri := e.storeReport(ctx, job.ID, report); uri != "" {
			patch.LighthouseURI = &uri
		}
	} else {
		patch.LighthouseStatus = pagetest.StatusPtr(status)
		patch.LighthouseError = pagetest.StringPtr(pagetest.DetailFor(err))
	}
	e.logger.Info("lighthouse timeline finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.Int("attempt", res.Attempts),
		zap.Error(err),
	)
	t.send(update{patch: patch, then: e.finish(pagetest.TimelineLighthouse)})
	return status
}

// terminal resolves a loop result to the status to persist. A loop canceled because its
// sibling was blocked is blocked too; any other cancellation leaves the record alone.
func terminal(status pagetest.Status, canceled bool, err error) (pagetest.Status, error) {
	if !canceled {
		return status, err
	}
	if errors.Is(err, pagetest.ErrBlocked) {
		return pagetest.StatusBlocked, err
	}
	return "", err
}

func (e *Engine) metricsProbe(jobID string) poller.Probe[pagetest.Summary] {
	return func(ctx context.Context) poller.Observation[pagetest.Summary] {
		out, err := e.client.FetchResult(ctx, jobID)
		if err != nil {
			return poller.Observation[pagetest.Summary]{Signal: poller.Transport, Err: err}
		}
		if out.Kind != classify.Complete {
			return poller.Observation[pagetest.Summary]{Signal: signalOf(out.Kind), Err: out.Err()}
		}
		summary, err := e.metrics.Normalize(out.Data)
		if err != nil {
			return poller.Observation[pagetest.Summary]{Signal: poller.Malformed, Err: err}
		}
		if ce := e.logger.Check(zap.DebugLevel, "metrics normalized"); ce != nil {
			ce.Write(zap.String("job_id", jobID), zap.Any("sources", e.metrics.Explain(out.Data)))
		}
		if summary.ResultPageURL == nil {
			if page := e.client.ResultPage(jobID); page != "" {
				summary.ResultPageURL = &page
			}
		}
		return poller.Observation[pagetest.Summary]{Signal: poller.Complete, Value: summary}
	}
}

func (e *Engine) lighthouseProbe(job pagetest.Job) poller.Probe[pagetest.LighthouseReport] {
	// Adopted jobs may not know their URL; those read the provider's report.
	audit := e.auditor != nil && job.URL != ""
	return func(ctx context.Context) poller.Observation[pagetest.LighthouseReport] {
		var (
			out provider.Outcome
			err error
		)
		if audit {
			out, err = e.auditor.Audit(ctx, job.URL)
		} else {
			out, err = e.client.FetchLighthouse(ctx, job.ID)
		}
		if err != nil {
			return poller.Observation[pagetest.LighthouseReport]{Signal: poller.Transport, Err: err}
		}
		if audit && out.Kind == classify.Blocked {
			// A throttled audit pauses this timeline on the auditor's cooldown; the test
			// provider did not block us.
			return poller.Observation[pagetest.LighthouseReport]{Signal: poller.Transport, Err: out.Err()}
		}
		if out.Kind != classify.Complete {
			return poller.Observation[pagetest.LighthouseReport]{Signal: signalOf(out.Kind), Err: out.Err()}
		}
		report, err := e.lighthouse.Normalize(out.Data)
		switch {
		case errors.Is(err, normalize.ErrNoReport):
			// The metrics may be done while the report is still being generated.
			return poller.Observation[pagetest.LighthouseReport]{Signal: poller.Pending, Err: err}
		case err != nil:
			return poller.Observation[pagetest.LighthouseReport]{Signal: poller.Malformed, Err: err}
		}
		return poller.Observation[pagetest.LighthouseReport]{Signal: poller.Complete, Value: report}
	}
}

func signalOf(k classify.Kind) poller.Signal {
	switch k {
	case classify.Complete:
		return poller.Complete
	case classify.Blocked:
		return poller.Blocked
	case classify.NotFound:
		return poller.NotFound
	case classify.Malformed:
		return poller.Malformed
	default:
		return poller.Pending
	}
}

// storeReport archives the report JSON and returns its URI, or "" when there is no blob store
// or the upload failed. A failed upload does not fail the timeline.
func (e *Engine) storeReport(ctx context.Context, jobID string, report pagetest.LighthouseReport) string {
	if e.blobs == nil {
		return ""
	}
	data, err := json.Marshal(report)
	if err != nil {
		e.logger.Warn("marshal lighthouse report failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	uri, err := e.blobs.PutObject(context.WithoutCancel(ctx), path.Join(e.cfg.ReportPrefix, jobID+".json"), "application/json", bytes.NewReader(data))
	if err != nil {
		e.logger.Warn("archive lighthouse report failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	return uri
}

// finish archives the record and announces the terminal timeline. It runs on the job writer.
func (e *Engine) finish(timeline string) func(ctx context.Context, rec pagetest.JobRecord) {
	return func(ctx context.Context, rec pagetest.JobRecord) {
		logger := e.logger.With(zap.String("job_id", rec.Job.ID), zap.String("timeline", timeline))
		if e.archive != nil {
			if err := e.archive.SaveResult(ctx, rec); err != nil {
				logger.Warn("archive result failed", zap.Error(err))
			}
		}
		if e.publisher == nil || e.cfg.Topic == "" {
			return
		}
		event, err := e.event(timeline, rec)
		if err != nil {
			logger.Warn("build completion event failed", zap.Error(err))
			return
		}
		if _, err := e.publisher.Publish(ctx, e.cfg.Topic, event); err != nil {
			logger.Warn("publish completion event failed", zap.Error(err))
		}
	}
}

func (e *Engine) event(timeline string, rec pagetest.JobRecord) (pagetest.Event, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return pagetest.Event{}, fmt.Errorf("event id: %w", err)
	}
	event := pagetest.Event{
		ID:         id,
		Timeline:   timeline,
		JobID:      rec.Job.ID,
		URL:        rec.Job.URL,
		OccurredAt: e.clock.Now(),
	}
	if timeline == pagetest.TimelineLighthouse {
		event.Status = rec.LighthouseStatus
		event.LighthouseURI = rec.LighthouseURI
		if rec.LighthouseError != nil {
			event.ErrorDetail = *rec.LighthouseError
		}
		return event, nil
	}
	event.Status = rec.Job.Status
	event.Summary = rec.Summary
	if rec.ErrorDetail != nil {
		event.ErrorDetail = *rec.ErrorDetail
	}
	return event, nil
}
