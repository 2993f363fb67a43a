package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/filter"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
	"github.com/JakeFAU/scrape-gateway/internal/progress"
	"github.com/JakeFAU/scrape-gateway/internal/scraper"
)

// Messages returned by handlers.
const (
	MsgURLRequired = "url is required"
	MsgFetchFailed = "Failed to fetch the requested URL"
	MsgJobNotFound = "Job not found"
	MsgForbidden   = "Forbidden"
	MsgQueueFull   = "Crawl queue is full. Please retry later."
)

const scrapeCredits = 1

type scrapeRequest struct {
	URL string `json:"url"`
	crawler.ScrapeOptions
	// Timeout bounds the scrape in milliseconds.
	Timeout int `json:"timeout,omitempty"`
}

type scrapeResponse struct {
	Success bool             `json:"success"`
	Data    crawler.Document `json:"data"`
	ID      string           `json:"id"`
}

type crawlRequest struct {
	URL           string                `json:"url"`
	Limit         int                   `json:"limit,omitempty"`
	ScrapeOptions crawler.ScrapeOptions `json:"scrapeOptions"`
}

type crawlResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	URL     string `json:"url"`
}

type mapRequest struct {
	URL    string `json:"url"`
	Search string `json:"search,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type mapResponse struct {
	Success bool     `json:"success"`
	Links   []string `json:"links"`
}

type crawlStatusResponse struct {
	Success     bool               `json:"success"`
	Status      crawler.JobStatus  `json:"status"`
	Total       int                `json:"total"`
	Completed   int                `json:"completed"`
	CreditsUsed int64              `json:"creditsUsed"`
	Error       string             `json:"error,omitempty"`
	Data        []crawler.Document `json:"data"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleScrape(x *pipeline.Exchange) error {
	var req scrapeRequest
	if err := decodeTarget(x, &req, &req.URL); err != nil {
		return err
	}
	identity, _ := x.Identity()
	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{
		ID:        jobID,
		TenantID:  identity.TenantID,
		Kind:      crawler.JobKindScrape,
		Status:    crawler.JobStatusScraping,
		URL:       req.URL,
		Options:   req.ScrapeOptions,
		Submitted: s.now(),
		Total:     1,
	}
	if err := s.deps.Jobs.CreateJob(x.Context(), job); err != nil {
		return fmt.Errorf("create scrape job: %w", err)
	}

	ctx := x.Context()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Millisecond)
		defer cancel()
	}
	page, err := s.deps.Scraper.Scrape(ctx, jobID, req.URL, req.ScrapeOptions)
	if err != nil {
		return s.failScrape(x, jobID, err)
	}
	if err := s.deps.Jobs.AppendDocument(x.Context(), jobID, page.Document, scrapeCredits); err != nil {
		return fmt.Errorf("store scrape document: %w", err)
	}
	if err := s.deps.Jobs.UpdateJobStatus(x.Context(), jobID, crawler.JobStatusCompleted, ""); err != nil {
		return fmt.Errorf("complete scrape job: %w", err)
	}
	s.bill(x, identity.TenantID, scrapeCredits)
	x.Respond(http.StatusOK, scrapeResponse{Success: true, Data: page.Document, ID: jobID})
	return nil
}

func (s *Server) failScrape(x *pipeline.Exchange, jobID string, cause error) error {
	var result error
	msg := pipeline.FaultMessage
	switch {
	case errors.Is(cause, filter.ErrInvalidPattern):
		msg = cause.Error()
		result = pipeline.Validation(msg)
	case errors.Is(cause, scraper.ErrFetchFailed):
		x.Logger.Warn("scrape fetch failed", zap.String("job_id", jobID), zap.Error(cause))
		msg = MsgFetchFailed
		result = pipeline.Reject(pipeline.KindUpstreamFailed, http.StatusBadGateway, MsgFetchFailed)
	default:
		result = fmt.Errorf("scrape %s: %w", jobID, cause)
	}
	if err := s.deps.Jobs.UpdateJobStatus(x.Context(), jobID, crawler.JobStatusFailed, msg); err != nil {
		x.Logger.Error("mark scrape job failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return result
}

func (s *Server) handleCrawl(x *pipeline.Exchange) error {
	var req crawlRequest
	if err := decodeTarget(x, &req, &req.URL); err != nil {
		return err
	}
	if err := filter.Validate(req.ScrapeOptions.Spec); err != nil {
		return pipeline.Validation(err.Error())
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.MaxPagesDefault
	}
	identity, _ := x.Identity()
	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	now := s.now()
	job := crawler.Job{
		ID:        jobID,
		TenantID:  identity.TenantID,
		Kind:      crawler.JobKindCrawl,
		Status:    crawler.JobStatusScraping,
		URL:       req.URL,
		Limit:     limit,
		Options:   req.ScrapeOptions,
		Submitted: now,
		Total:     1,
	}
	if err := s.deps.Jobs.CreateJob(x.Context(), job); err != nil {
		return fmt.Errorf("create crawl job: %w", err)
	}
	item := crawler.QueueItem{
		JobID:     jobID,
		TenantID:  identity.TenantID,
		URL:       req.URL,
		Limit:     limit,
		Options:   req.ScrapeOptions,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.deps.Queue.Enqueue(x.Context(), item); err != nil {
		if uerr := s.deps.Jobs.UpdateJobStatus(x.Context(), jobID, crawler.JobStatusFailed, MsgQueueFull); uerr != nil {
			x.Logger.Error("mark crawl job failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
		if errors.Is(err, crawler.ErrQueueFull) {
			return pipeline.Reject(pipeline.KindAdmissionRejected, http.StatusServiceUnavailable, MsgQueueFull)
		}
		return fmt.Errorf("enqueue crawl job: %w", err)
	}
	x.Logger.Info("crawl job accepted", zap.String("job_id", jobID), zap.String("url", req.URL))
	x.Respond(http.StatusOK, crawlResponse{
		Success: true,
		ID:      jobID,
		URL:     s.jobURL(x.Request, jobID),
	})
	return nil
}

func (s *Server) handleMap(x *pipeline.Exchange) error {
	var req mapRequest
	if err := decodeTarget(x, &req, &req.URL); err != nil {
		return err
	}
	links, err := s.deps.Scraper.Links(x.Context(), req.URL)
	if err != nil {
		if errors.Is(err, scraper.ErrFetchFailed) {
			x.Logger.Warn("map fetch failed", zap.String("url", req.URL), zap.Error(err))
			return pipeline.Reject(pipeline.KindUpstreamFailed, http.StatusBadGateway, MsgFetchFailed)
		}
		return fmt.Errorf("map %s: %w", req.URL, err)
	}
	links = filterLinks(links, req.Search, req.Limit)
	identity, _ := x.Identity()
	s.bill(x, identity.TenantID, scrapeCredits)
	x.Respond(http.StatusOK, mapResponse{Success: true, Links: links})
	return nil
}

func (s *Server) handleCrawlStatus(x *pipeline.Exchange) error {
	job, err := s.ownedCrawlJob(x)
	if err != nil {
		return err
	}
	docs, err := s.deps.Jobs.ListDocuments(x.Context(), job.ID)
	if err != nil {
		return fmt.Errorf("list documents for %s: %w", job.ID, err)
	}
	x.Respond(http.StatusOK, crawlStatus(job, docs))
	return nil
}

func (s *Server) handleCrawlCancel(x *pipeline.Exchange) error {
	job, err := s.ownedCrawlJob(x)
	if err != nil {
		return err
	}
	if err := s.deps.Jobs.UpdateJobStatus(x.Context(), job.ID, crawler.JobStatusCancelled, ""); err != nil {
		return fmt.Errorf("cancel crawl %s: %w", job.ID, err)
	}
	current, err := s.deps.Jobs.GetJob(x.Context(), job.ID)
	if err != nil {
		return fmt.Errorf("reload crawl %s: %w", job.ID, err)
	}
	if current.Status == crawler.JobStatusCancelled && !job.Status.Terminal() {
		s.emit(progress.Event{JobID: job.ID, Type: progress.TypeDone, Status: crawler.JobStatusCancelled})
		x.Logger.Info("crawl job cancelled", zap.String("job_id", job.ID))
	}
	x.Respond(http.StatusOK, statusResponse{Status: string(current.Status)})
	return nil
}

func (s *Server) handleScrapeStatus(x *pipeline.Exchange) error {
	job, err := s.deps.Jobs.GetJob(x.Context(), x.Param("jobId"))
	if errors.Is(err, crawler.ErrJobNotFound) || (err == nil && job.Kind != crawler.JobKindScrape) {
		return pipeline.Reject(pipeline.KindNotFound, http.StatusNotFound, MsgJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("load scrape job: %w", err)
	}
	docs, err := s.deps.Jobs.ListDocuments(x.Context(), job.ID)
	if err != nil {
		return fmt.Errorf("list documents for %s: %w", job.ID, err)
	}
	if len(docs) == 0 {
		return pipeline.Reject(pipeline.KindNotFound, http.StatusNotFound, MsgJobNotFound)
	}
	x.Respond(http.StatusOK, map[string]any{"success": true, "data": docs[0]})
	return nil
}

func (s *Server) handleLiveness(x *pipeline.Exchange) error {
	x.Respond(http.StatusOK, statusResponse{Status: "ok"})
	return nil
}

func (s *Server) handleReadiness(x *pipeline.Exchange) error {
	if s.deps.Ready != nil && !s.deps.Ready.Running() {
		x.Respond(http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
		return nil
	}
	x.Respond(http.StatusOK, statusResponse{Status: "ok"})
	return nil
}

// ownedCrawlJob loads the crawl job named in the path and checks that the
// caller's tenant owns it.
func (s *Server) ownedCrawlJob(x *pipeline.Exchange) (crawler.Job, error) {
	job, err := s.deps.Jobs.GetJob(x.Context(), x.Param("jobId"))
	if errors.Is(err, crawler.ErrJobNotFound) || (err == nil && job.Kind != crawler.JobKindCrawl) {
		return crawler.Job{}, pipeline.Reject(pipeline.KindNotFound, http.StatusNotFound, MsgJobNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load crawl job: %w", err)
	}
	identity, ok := x.Identity()
	if !ok || identity.TenantID != job.TenantID {
		return crawler.Job{}, pipeline.Reject(pipeline.KindForbidden, http.StatusForbidden, MsgForbidden)
	}
	return job, nil
}

func crawlStatus(job crawler.Job, docs []crawler.Document) crawlStatusResponse {
	if docs == nil {
		docs = []crawler.Document{}
	}
	return crawlStatusResponse{
		Success:     true,
		Status:      job.Status,
		Total:       job.Total,
		Completed:   job.Completed,
		CreditsUsed: job.CreditsUsed,
		Error:       job.ErrorText,
		Data:        docs,
	}
}

// decodeTarget decodes the body into v and checks the target url.
func decodeTarget(x *pipeline.Exchange, v any, target *string) error {
	payload, err := x.Payload()
	if err != nil {
		return err
	}
	if err := payload.Decode(v); err != nil {
		return err
	}
	*target = strings.TrimSpace(*target)
	if *target == "" {
		return pipeline.Validation(MsgURLRequired)
	}
	if err := crawler.ValidateTargetURL(*target); err != nil {
		return pipeline.Validation(err.Error())
	}
	return nil
}

func filterLinks(links []string, search string, limit int) []string {
	out := make([]string, 0, len(links))
	needle := strings.ToLower(strings.TrimSpace(search))
	for _, link := range links {
		if needle != "" && !strings.Contains(strings.ToLower(link), needle) {
			continue
		}
		out = append(out, link)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *Server) jobURL(r *http.Request, jobID string) string {
	base := strings.TrimRight(s.opts.BaseURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/v1/crawl/" + jobID
}

func (s *Server) bill(x *pipeline.Exchange, tenantID string, amount int64) {
	remaining, err := s.deps.Credits.Bill(x.Context(), tenantID, amount)
	if err != nil {
		x.Logger.Error("bill credits failed", zap.Int64("amount", amount), zap.Error(err))
		return
	}
	x.RemainingCredits = remaining
}

func (s *Server) emit(evt progress.Event) {
	if s.deps.Broker == nil {
		return
	}
	evt.TS = s.now()
	s.deps.Broker.Emit(evt)
}
