package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/billing"
	"github.com/JakeFAU/scrape-gateway/internal/clock/system"
	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/hash/sha256"
	"github.com/JakeFAU/scrape-gateway/internal/progress"
	pubmemory "github.com/JakeFAU/scrape-gateway/internal/publisher/memory"
	queuememory "github.com/JakeFAU/scrape-gateway/internal/queue/memory"
	"github.com/JakeFAU/scrape-gateway/internal/scraper"
	"github.com/JakeFAU/scrape-gateway/internal/storage/memory"
)

type harness struct {
	queue     *queuememory.Queue
	jobs      *memory.JobStore
	blobs     *memory.BlobStore
	credits   *memory.CreditStore
	publisher *pubmemory.Publisher
	broker    *progress.Broker
	scraper   *fakeScraper
	worker    *Worker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		queue:     queuememory.NewQueue(4),
		jobs:      memory.NewJobStore(),
		blobs:     memory.NewBlobStore(),
		credits:   memory.NewCreditStore(10, nil),
		publisher: pubmemory.New(zap.NewNop()),
		broker:    progress.NewBroker(8, zap.NewNop()),
		scraper:   &fakeScraper{},
	}
	h.worker = New(Deps{
		Queue:     h.queue,
		JobStore:  h.jobs,
		BlobStore: h.blobs,
		Publisher: h.publisher,
		Hasher:    sha256.New(),
		Clock:     system.NewFixed(time.Unix(100, 0).UTC()),
		Scraper:   h.scraper,
		Biller:    billing.NewGate(h.credits, zap.NewNop()),
		Emitter:   h.broker,
	}, cfg, zap.NewNop())
	return h
}

func (h *harness) submit(t *testing.T, jobID string) crawler.QueueItem {
	t.Helper()
	item := crawler.QueueItem{JobID: jobID, TenantID: "tenant-a", URL: "https://example.com"}
	require.NoError(t, h.jobs.CreateJob(context.Background(), crawler.Job{
		ID:       jobID,
		TenantID: item.TenantID,
		Kind:     crawler.JobKindCrawl,
		Status:   crawler.JobStatusScraping,
		URL:      item.URL,
	}))
	return item
}

func TestWorker_ProcessJob_SuccessFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BlobPrefix: "pages", Topic: "jobs"})
	h.scraper.page = scraper.Page{
		Document: crawler.Document{Markdown: "# ok", Metadata: crawler.Metadata{SourceURL: "https://example.com", StatusCode: 200}},
		Raw:      []byte("<html>ok</html>"),
	}
	item := h.submit(t, "job-success")
	sub := h.broker.Subscribe(item.JobID)

	h.worker.processJob(context.Background(), item)

	job, err := h.jobs.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.Completed)
	require.Equal(t, int64(1), job.CreditsUsed)

	docs, err := h.jobs.ListDocuments(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "# ok", docs[0].Markdown)

	remaining, err := h.credits.RemainingCredits(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Equal(t, int64(9), remaining)

	hash, err := sha256.New().Hash([]byte("<html>ok</html>"))
	require.NoError(t, err)
	stored, ok := h.blobs.Object(fmt.Sprintf("pages/job-success/%s.html", hash))
	require.True(t, ok)
	require.Equal(t, "<html>ok</html>", string(stored))

	messages := h.publisher.Topic("jobs")
	require.Len(t, messages, 1)
	payload, ok := messages[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "completed", payload["status"])

	var types []progress.Type
	for evt := range sub.Events() {
		types = append(types, evt.Type)
	}
	require.Equal(t, []progress.Type{progress.TypeDocument, progress.TypeDone}, types)
}

func TestWorker_ProcessJob_FetchFailureRetriesThenFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "jobs", MaxRetries: 2, RetryBackoff: time.Millisecond})
	h.scraper.err = fmt.Errorf("%w: connection refused", scraper.ErrFetchFailed)
	item := h.submit(t, "job-fail")
	sub := h.broker.Subscribe(item.JobID)

	h.worker.processJob(context.Background(), item)

	require.Equal(t, 3, h.scraper.callCount())
	job, err := h.jobs.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, MsgFetchFailed, job.ErrorText)
	require.NotContains(t, job.ErrorText, "connection refused")

	remaining, err := h.credits.RemainingCredits(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Equal(t, int64(10), remaining)

	evt := <-sub.Events()
	require.Equal(t, progress.TypeError, evt.Type)
	require.Equal(t, MsgFetchFailed, evt.Error)
	require.Len(t, h.publisher.Topic("jobs"), 1)
}

func TestWorker_ProcessJob_NonFetchErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxRetries: 3, RetryBackoff: time.Millisecond})
	h.scraper.err = errors.New("render exploded")
	item := h.submit(t, "job-internal")

	h.worker.processJob(context.Background(), item)

	require.Equal(t, 1, h.scraper.callCount())
	job, err := h.jobs.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, MsgInternalFailed, job.ErrorText)
}

func TestWorker_ProcessJob_SkipsCancelledJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	item := h.submit(t, "job-cancelled")
	require.NoError(t, h.jobs.UpdateJobStatus(context.Background(), item.JobID, crawler.JobStatusCancelled, ""))

	h.worker.processJob(context.Background(), item)

	require.Zero(t, h.scraper.callCount())
}

func TestWorker_ProcessJob_CancelDuringScrapeDiscardsResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	item := h.submit(t, "job-race")
	h.scraper.page = scraper.Page{Document: crawler.Document{Markdown: "late"}}
	h.scraper.hook = func() {
		_ = h.jobs.UpdateJobStatus(context.Background(), item.JobID, crawler.JobStatusCancelled, "")
	}

	h.worker.processJob(context.Background(), item)

	job, err := h.jobs.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, job.Status)
	require.Zero(t, job.Completed)
	remaining, err := h.credits.RemainingCredits(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Equal(t, int64(10), remaining)
}

func TestWorker_RunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.scraper.page = scraper.Page{Document: crawler.Document{Markdown: "ok"}}
	item := h.submit(t, "job-run")
	require.NoError(t, h.queue.Enqueue(context.Background(), item))

	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := h.jobs.GetJob(context.Background(), item.JobID)
		return err == nil && job.Status == crawler.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	h.queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestWorker_BuildBlobPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pages/job/abc.html", New(Deps{}, Config{BlobPrefix: "/pages/"}, nil).buildBlobPath("job", "abc"))
	require.Equal(t, "job/abc.html", New(Deps{}, Config{}, nil).buildBlobPath("job", "abc"))
}

type fakeScraper struct {
	mu    sync.Mutex
	calls int
	page  scraper.Page
	err   error
	hook  func()
}

func (f *fakeScraper) Scrape(_ context.Context, _, _ string, _ crawler.ScrapeOptions) (scraper.Page, error) {
	f.mu.Lock()
	f.calls++
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.err != nil {
		return scraper.Page{}, f.err
	}
	return f.page, nil
}

func (f *fakeScraper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
