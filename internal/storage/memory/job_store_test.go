package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := crawler.Job{ID: "job-1", TenantID: "team", Kind: crawler.JobKindCrawl, Status: crawler.JobStatusScraping, Total: 1}

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); !errors.Is(err, crawler.ErrJobExists) {
		t.Fatalf("expected duplicate job error, got %v", err)
	}
	doc := crawler.Document{Markdown: "hello", Metadata: crawler.Metadata{SourceURL: "https://example.com"}}
	if err := store.AppendDocument(ctx, job.ID, doc, 1); err != nil {
		t.Fatalf("AppendDocument() error = %v", err)
	}
	docs, err := store.ListDocuments(ctx, job.ID)
	if err != nil || len(docs) != 1 {
		t.Fatalf("ListDocuments() unexpected result: docs=%v err=%v", docs, err)
	}
	docs[0].Markdown = "modified"
	if store.docs[job.ID][0].Markdown != "hello" {
		t.Fatal("expected ListDocuments to return a copy")
	}

	if err := store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusCancelled, ""); err != nil {
		t.Fatalf("UpdateJobStatus cancelled error = %v", err)
	}
	if err := store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus completed error = %v", err)
	}
	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Status != crawler.JobStatusCancelled || final.Finished == nil {
		t.Fatalf("expected cancellation to stick with finish time, got %+v", final)
	}
	if final.Completed != 1 || final.CreditsUsed != 1 {
		t.Fatalf("expected counters to persist, got %+v", final)
	}
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, crawler.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := store.UpdateJobStatus(ctx, "missing", crawler.JobStatusFailed, "x"); !errors.Is(err, crawler.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := store.AppendDocument(ctx, "missing", crawler.Document{}, 1); !errors.Is(err, crawler.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := store.ListDocuments(ctx, "missing"); !errors.Is(err, crawler.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
