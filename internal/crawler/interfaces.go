package crawler

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
	ErrKeyNotFound = errors.New("api key not found")
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue closed")
)

// JobStore persists scrape and crawl jobs with their documents.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	AppendDocument(ctx context.Context, jobID string, doc Document, credits int64) error
	ListDocuments(ctx context.Context, jobID string) ([]Document, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// KeyStore resolves API keys to tenants. Unknown keys return ErrKeyNotFound.
type KeyStore interface {
	LookupKey(ctx context.Context, key string) (Identity, error)
}

// CreditStore reports and deducts tenant credit balances.
type CreditStore interface {
	RemainingCredits(ctx context.Context, tenantID string) (int64, error)
	DeductCredits(ctx context.Context, tenantID string, amount int64) (int64, error)
}

// IdempotencyStore records consumed idempotency keys. Claim must be a single
// atomic insert-if-absent and report whether this call inserted the key.
type IdempotencyStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Insert(ctx context.Context, key string) error
	Claim(ctx context.Context, key string) (bool, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher produces content digests used to name archived pages.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
