// Package worker runs queued crawl jobs: scrape, archive, record, bill and
// notify.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
	"github.com/JakeFAU/scrape-gateway/internal/progress"
	"github.com/JakeFAU/scrape-gateway/internal/scraper"
)

// Job failure texts exposed through status endpoints.
const (
	MsgFetchFailed    = "Failed to fetch the requested URL"
	MsgInternalFailed = "Internal error while processing the job"
)

// Config controls Worker behavior.
type Config struct {
	ContentType    string
	BlobPrefix     string
	Topic          string
	CreditsPerPage int64
	MaxRetries     int
	RetryBackoff   time.Duration
}

// Scraper renders one page.
type Scraper interface {
	Scrape(ctx context.Context, jobID, rawURL string, opts crawler.ScrapeOptions) (scraper.Page, error)
}

// Biller charges credits for completed work.
type Biller interface {
	Bill(ctx context.Context, tenantID string, amount int64) (int64, error)
}

// Deps are the collaborators of a Worker. BlobStore, Publisher, Biller and
// Emitter are optional.
type Deps struct {
	Queue     crawler.Queue
	JobStore  crawler.JobStore
	BlobStore crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Scraper   Scraper
	Biller    Biller
	Emitter   progress.Emitter
}

// Worker consumes queue items and executes the crawl pipeline.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.CreditsPerPage <= 0 {
		cfg.CreditsPerPage = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	ctx, span := otel.Tracer("github.com/JakeFAU/scrape-gateway/internal/worker").Start(ctx, "crawl.job",
		trace.WithAttributes(
			attribute.String("job.id", item.JobID),
			attribute.String("url.full", item.URL),
		))
	defer span.End()
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("url", item.URL))

	if w.cancelled(ctx, item.JobID) {
		logger.Info("skipping job that is no longer active")
		return
	}
	if w.deps.Scraper == nil {
		w.fail(ctx, item, MsgInternalFailed, errors.New("no scraper configured"))
		return
	}

	page, err := w.scrapeWithRetry(ctx, item)
	if err != nil {
		msg := MsgInternalFailed
		if errors.Is(err, scraper.ErrFetchFailed) {
			msg = MsgFetchFailed
		}
		w.fail(ctx, item, msg, err)
		return
	}
	if w.cancelled(ctx, item.JobID) {
		logger.Info("job cancelled while scraping; discarding result")
		return
	}

	uri := w.archive(ctx, item.JobID, page.Raw)
	if err := w.deps.JobStore.AppendDocument(ctx, item.JobID, page.Document, w.cfg.CreditsPerPage); err != nil {
		w.fail(ctx, item, MsgInternalFailed, fmt.Errorf("append document: %w", err))
		return
	}
	w.bill(ctx, item)
	doc := page.Document
	w.emit(progress.Event{JobID: item.JobID, Type: progress.TypeDocument, Document: &doc})

	if err := w.deps.JobStore.UpdateJobStatus(ctx, item.JobID, crawler.JobStatusCompleted, ""); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
	}
	w.publishResult(ctx, item, crawler.JobStatusCompleted, uri)
	w.emit(progress.Event{JobID: item.JobID, Type: progress.TypeDone, Status: crawler.JobStatusCompleted})
	metrics.ObserveCrawlJob(string(crawler.JobStatusCompleted))
	logger.Info("crawl job completed", zap.String("blob_uri", uri))
}

func (w *Worker) scrapeWithRetry(ctx context.Context, item crawler.QueueItem) (scraper.Page, error) {
	backoff := w.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		page, err := w.deps.Scraper.Scrape(ctx, item.JobID, item.URL, item.Options)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, scraper.ErrFetchFailed) || attempt >= w.cfg.MaxRetries {
			return scraper.Page{}, err
		}
		w.logger.Warn("fetch failed; retrying",
			zap.String("job_id", item.JobID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return scraper.Page{}, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (w *Worker) cancelled(ctx context.Context, jobID string) bool {
	job, err := w.deps.JobStore.GetJob(ctx, jobID)
	if err != nil {
		w.logger.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		return true
	}
	return job.Status.Terminal()
}

func (w *Worker) fail(ctx context.Context, item crawler.QueueItem, msg string, cause error) {
	w.logger.Error("crawl job failed",
		zap.String("job_id", item.JobID),
		zap.String("url", item.URL),
		zap.Error(cause))
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, msg)
	if err := w.deps.JobStore.UpdateJobStatus(ctx, item.JobID, crawler.JobStatusFailed, msg); err != nil {
		w.logger.Error("fail job status update", zap.String("job_id", item.JobID), zap.Error(err))
	}
	w.publishResult(ctx, item, crawler.JobStatusFailed, "")
	w.emit(progress.Event{JobID: item.JobID, Type: progress.TypeError, Error: msg})
	metrics.ObserveCrawlJob(string(crawler.JobStatusFailed))
}

func (w *Worker) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

// archive stores the raw page. Archive failures are logged and do not fail
// the job.
func (w *Worker) archive(ctx context.Context, jobID string, raw []byte) string {
	if w.deps.BlobStore == nil || w.deps.Hasher == nil || len(raw) == 0 {
		return ""
	}
	hash, err := w.deps.Hasher.Hash(raw)
	if err != nil {
		w.logger.Warn("hash body failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	uri, err := w.deps.BlobStore.PutObject(ctx, w.buildBlobPath(jobID, hash), w.cfg.ContentType, raw)
	if err != nil {
		w.logger.Warn("archive page failed", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) bill(ctx context.Context, item crawler.QueueItem) {
	if w.deps.Biller == nil {
		return
	}
	if _, err := w.deps.Biller.Bill(ctx, item.TenantID, w.cfg.CreditsPerPage); err != nil {
		w.logger.Error("bill crawl credits failed",
			zap.String("job_id", item.JobID),
			zap.String("tenant_id", item.TenantID),
			zap.Error(err))
	}
}

func (w *Worker) emit(evt progress.Event) {
	if w.deps.Emitter == nil {
		return
	}
	evt.TS = w.now()
	w.deps.Emitter.Emit(evt)
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now().UTC()
	}
	return w.deps.Clock.Now()
}

func (w *Worker) publishResult(ctx context.Context, item crawler.QueueItem, status crawler.JobStatus, uri string) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"job_id":    item.JobID,
		"tenant_id": item.TenantID,
		"url":       item.URL,
		"status":    string(status),
		"blob_uri":  uri,
		"timestamp": w.now().Format(time.RFC3339),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Error("publish job result failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	w.logger.Debug("job result published", zap.String("job_id", item.JobID), zap.String("status", string(status)))
}
