package pagetest

import (
	"fmt"
	"time"
)

// NewRecord seeds a pending record for a freshly submitted job.
func NewRecord(job Job, now time.Time) JobRecord {
	job.Status = StatusPending
	return JobRecord{
		Job:              job,
		LastUpdated:      now,
		LighthouseStatus: StatusPending,
	}
}

// Apply merges p into a copy of r. Terminal statuses are sticky on both timelines, and a
// complete status is only accepted together with a summary.
func (r JobRecord) Apply(p Patch, now time.Time) (JobRecord, error) {
	out := r
	// The job is written once. A record created by a collaborator hook has an id but no
	// submission time yet.
	if p.Job != nil && (out.Job.ID == "" || out.Job.SubmittedAt.IsZero()) {
		status := out.Job.Status
		out.Job = *p.Job
		if status != "" {
			out.Job.Status = status
		}
		if out.Job.Status == "" {
			out.Job.Status = StatusPending
		}
		if out.LighthouseStatus == "" {
			out.LighthouseStatus = StatusPending
		}
	}

	metricsOpen := !out.Job.Status.Terminal()
	if metricsOpen {
		if p.Attempts != nil {
			out.Attempts = *p.Attempts
		}
		if p.Summary != nil {
			summary := *p.Summary
			out.Summary = &summary
			out.Job.Status = StatusComplete
		} else if p.Status != nil {
			out.Job.Status = *p.Status
		}
		if p.ErrorDetail != nil {
			detail := *p.ErrorDetail
			out.ErrorDetail = &detail
		}
	}

	if !out.LighthouseStatus.Terminal() {
		if p.LighthouseAttempts != nil {
			out.LighthouseAttempts = *p.LighthouseAttempts
		}
		if p.Lighthouse != nil {
			report := *p.Lighthouse
			out.Lighthouse = &report
			out.LighthouseStatus = StatusComplete
		} else if p.LighthouseStatus != nil {
			out.LighthouseStatus = *p.LighthouseStatus
		}
		if p.LighthouseError != nil {
			detail := *p.LighthouseError
			out.LighthouseError = &detail
		}
	}
	if p.LighthouseURI != nil {
		out.LighthouseURI = *p.LighthouseURI
	}
	if len(p.SitemapResults) > 0 {
		out.SitemapResults = append([]byte(nil), p.SitemapResults...)
	}
	if len(p.Insights) > 0 {
		out.Insights = append([]byte(nil), p.Insights...)
	}

	if (out.Job.Status == StatusComplete) != (out.Summary != nil) {
		return r, fmt.Errorf("%w: status %q with summary present=%t", ErrInvariant, out.Job.Status, out.Summary != nil)
	}
	if out.LighthouseStatus == StatusComplete && out.Lighthouse == nil {
		return r, fmt.Errorf("%w: lighthouse complete without report", ErrInvariant)
	}
	out.LastUpdated = now
	return out, nil
}

// WithDefaults fills the id and pending statuses of a record created by a hook before its job
// was known.
func (r JobRecord) WithDefaults(jobID string) JobRecord {
	if r.Job.ID == "" {
		r.Job.ID = jobID
	}
	if r.Job.Status == "" {
		r.Job.Status = StatusPending
	}
	if r.LighthouseStatus == "" {
		r.LighthouseStatus = StatusPending
	}
	return r
}

// StatusPtr returns a pointer to s, for building patches.
func StatusPtr(s Status) *Status {
	return &s
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string {
	return &v
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
