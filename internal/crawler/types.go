package crawler

import (
	"net/http"
	"time"

	"github.com/JakeFAU/scrape-gateway/internal/filter"
)

// Mode names the operation a request is authenticated for. Rate limits are
// tracked per tenant and mode.
type Mode string

// Supported authentication modes.
const (
	ModeScrape      Mode = "scrape"
	ModeCrawl       Mode = "crawl"
	ModeMap         Mode = "map"
	ModeCrawlStatus Mode = "crawl_status"
)

// Identity is the tenant resolved for a single request.
type Identity struct {
	TenantID string `json:"tenant_id"`
	Plan     string `json:"plan"`
}

// CreditDecision is produced fresh for every request by the credit gate.
type CreditDecision struct {
	Admitted         bool   `json:"admitted"`
	RemainingCredits int64  `json:"remaining_credits"`
	Reason           string `json:"reason,omitempty"`
}

// JobKind distinguishes synchronous scrapes from asynchronous crawls.
type JobKind string

// Job kinds recorded in the job store.
const (
	JobKindScrape JobKind = "scrape"
	JobKindCrawl  JobKind = "crawl"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusScraping  JobStatus = "scraping"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Output formats a scrape can produce.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatRawHTML  = "rawHtml"
	FormatLinks    = "links"
)

// ScrapeOptions captures the per-request page options.
type ScrapeOptions struct {
	Formats []string `json:"formats,omitempty"`
	filter.Spec
}

// WantsFormat reports whether the format was requested. Markdown is the
// default when no formats are given.
func (o ScrapeOptions) WantsFormat(format string) bool {
	if len(o.Formats) == 0 {
		return format == FormatMarkdown
	}
	for _, f := range o.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Job represents the metadata persisted for each scrape or crawl request.
type Job struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Kind        JobKind       `json:"kind"`
	Status      JobStatus     `json:"status"`
	URL         string        `json:"url"`
	Limit       int           `json:"limit"`
	Options     ScrapeOptions `json:"options"`
	Submitted   time.Time     `json:"submitted_at"`
	Finished    *time.Time    `json:"finished_at,omitempty"`
	ErrorText   string        `json:"error,omitempty"`
	Total       int           `json:"total"`
	Completed   int           `json:"completed"`
	CreditsUsed int64         `json:"credits_used"`
}

// Metadata describes where a document came from.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
	SourceURL   string `json:"sourceURL"`
	StatusCode  int    `json:"statusCode"`
	Error       string `json:"error,omitempty"`
}

// Document is the extracted content of one page.
type Document struct {
	Markdown string   `json:"markdown,omitempty"`
	HTML     string   `json:"html,omitempty"`
	RawHTML  string   `json:"rawHtml,omitempty"`
	Links    []string `json:"links,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// QueueItem wraps a crawl job ready to run.
type QueueItem struct {
	JobID     string
	TenantID  string
	URL       string
	Limit     int
	Options   ScrapeOptions
	Attempt   int
	Submitted int64
}
