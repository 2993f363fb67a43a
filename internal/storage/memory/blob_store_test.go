package memory

import (
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "raw/job-1/page.html", "text/html", payload)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://raw/job-1/page.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Object("raw/job-1/page.html")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if _, err := store.PutObject(context.Background(), "", "text/html", payload); err == nil {
		t.Fatal("expected error for empty path")
	}
}
