// Package pagetest defines the core types shared across the orchestration subsystems.
package pagetest

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a remote test timeline.
type Status string

// Status values persisted in the status store.
const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusBlocked  Status = "blocked"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// Job is one submitted remote performance test. ID is the provider-assigned test id.
type Job struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      Status    `json:"status"`
	Transport   string    `json:"transport,omitempty"`
	ResultURL   string    `json:"result_url,omitempty"`
}

// Summary is the canonical metrics record. A nil field was not reported by the provider.
type Summary struct {
	URL           *string  `json:"url"`
	LoadTimeMs    *int64   `json:"loadTimeMs"`
	SpeedIndexMs  *int64   `json:"speedIndexMs"`
	TTFBMs        *int64   `json:"ttfbMs"`
	TotalBytesIn  *int64   `json:"totalBytesIn"`
	RequestCount  *int64   `json:"requestCount"`
	LCPMs         *int64   `json:"lcpMs"`
	CLSScore      *float64 `json:"clsScore"`
	TBTMs         *int64   `json:"tbtMs"`
	FCPMs         *int64   `json:"fcpMs"`
	ResultPageURL *string  `json:"resultPageUrl"`
}

// Category is one Lighthouse category score.
type Category struct {
	Title       string   `json:"title"`
	Score       *float64 `json:"score"`
	Synthesized bool     `json:"synthesized,omitempty"`
}

// Audit is the fixed projection of a Lighthouse audit.
type Audit struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Score        *float64        `json:"score"`
	NumericValue *float64        `json:"numericValue"`
	DisplayValue string          `json:"displayValue"`
	Details      json.RawMessage `json:"details"`
}

// Recommendation points at an audit that did not pass.
type Recommendation struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// Recommendations buckets failing audits by how far their score is from passing.
type Recommendations struct {
	Critical  []Recommendation `json:"critical"`
	Important []Recommendation `json:"important"`
	Moderate  []Recommendation `json:"moderate"`
}

// LighthouseReport is the normalized Lighthouse payload for a job.
type LighthouseReport struct {
	Categories      map[string]Category `json:"categories"`
	Audits          map[string]Audit    `json:"audits"`
	Recommendations *Recommendations    `json:"recommendations,omitempty"`
	FetchTime       string              `json:"fetchTime,omitempty"`
	FinalURL        string              `json:"finalUrl,omitempty"`
}

// JobRecord is the status store entry for a job. Summary is non-nil iff Job.Status is complete;
// Lighthouse follows its own timeline and may stay nil after completion.
type JobRecord struct {
	Job                Job               `json:"job"`
	LastUpdated        time.Time         `json:"last_updated"`
	Attempts           int               `json:"attempts"`
	Summary            *Summary          `json:"summary"`
	LighthouseStatus   Status            `json:"lighthouse_status"`
	LighthouseAttempts int               `json:"lighthouse_attempts"`
	Lighthouse         *LighthouseReport `json:"lighthouse"`
	LighthouseURI      string            `json:"lighthouse_uri,omitempty"`
	ErrorDetail        *string           `json:"error_detail"`
	LighthouseError    *string           `json:"lighthouse_error,omitempty"`
	SitemapResults     json.RawMessage   `json:"sitemapResults,omitempty"`
	Insights           json.RawMessage   `json:"insights,omitempty"`
}

// Patch is a partial update applied to a JobRecord. Nil fields are left untouched.
type Patch struct {
	Job                *Job
	Status             *Status
	Attempts           *int
	Summary            *Summary
	ErrorDetail        *string
	LighthouseStatus   *Status
	LighthouseAttempts *int
	Lighthouse         *LighthouseReport
	LighthouseURI      *string
	LighthouseError    *string
	SitemapResults     json.RawMessage
	Insights           json.RawMessage
}

// Timeline names used on events, logs and metrics.
const (
	TimelineMetrics    = "metrics"
	TimelineLighthouse = "lighthouse"
)

// Event is the notification published when a timeline of a job reaches a terminal status.
type Event struct {
	ID            string    `json:"id"`
	Timeline      string    `json:"timeline"`
	JobID         string    `json:"job_id"`
	URL           string    `json:"url"`
	Status        Status    `json:"status"`
	Summary       *Summary  `json:"summary,omitempty"`
	LighthouseURI string    `json:"lighthouse_uri,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Attributes returns the message attributes subscribers can filter on.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"job_id":   e.JobID,
		"timeline": e.Timeline,
		"status":   string(e.Status),
	}
}
