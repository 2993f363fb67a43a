package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitAndObservers(t *testing.T) {
	Init()
	Init()

	if httpRequestsTotal == nil || admissionRejectionsTotal == nil || scrapesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveRejection("credits", "CreditsExhausted")
	if val := testutil.ToFloat64(admissionRejectionsTotal.WithLabelValues("credits", "CreditsExhausted")); val != 1 {
		t.Errorf("expected one credits rejection, got %f", val)
	}

	ObserveScrape("https://Observe.test/page", "success", 512)
	if val := testutil.ToFloat64(scrapesTotal.WithLabelValues("observe.test", "success")); val != 1 {
		t.Errorf("expected one scrape, got %f", val)
	}
	if val := testutil.ToFloat64(scrapeBytesTotal.WithLabelValues("observe.test")); val != 512 {
		t.Errorf("expected 512 bytes, got %f", val)
	}

	ObserveFault("POST /v1/scrape")
	if val := testutil.ToFloat64(faultsTotal.WithLabelValues("POST /v1/scrape")); val != 1 {
		t.Errorf("expected one fault, got %f", val)
	}

	ObserveCrawlJob("completed")
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != 0 {
		t.Errorf("expected no active workers, got %f", val)
	}
	ObserveRateLimitDelay("observe.test", 2*time.Second)
	if val := testutil.CollectAndCount(fetchRateLimitDelays); val != 1 {
		t.Errorf("expected one delay series, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
