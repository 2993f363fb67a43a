// Package scraper fetches a single page and renders it into the requested
// document formats.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/filter"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// ErrFetchFailed wraps transport failures reaching the target page.
var ErrFetchFailed = errors.New("fetch failed")

// Page is a fetched page with its rendered document.
type Page struct {
	Document crawler.Document
	Raw      []byte
}

// Service renders pages fetched through a crawler.Fetcher.
type Service struct {
	fetcher   crawler.Fetcher
	converter *converter.Converter
	logger    *zap.Logger
}

// New builds a Service.
func New(fetcher crawler.Fetcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	return &Service{fetcher: fetcher, converter: conv, logger: logger}
}

// Scrape fetches rawURL and produces the formats requested in opts. An
// invalid filter pattern is reported as filter.ErrInvalidPattern before any
// fetch is made.
func (s *Service) Scrape(ctx context.Context, jobID, rawURL string, opts crawler.ScrapeOptions) (Page, error) {
	if err := filter.Validate(opts.Spec); err != nil {
		return Page{}, err
	}
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{JobID: jobID, URL: rawURL})
	if err != nil {
		metrics.ObserveScrape(rawURL, "error", 0)
		return Page{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	metrics.ObserveScrape(rawURL, outcome(resp.StatusCode), len(resp.Body))

	raw := string(resp.Body)
	sourceURL := resp.URL
	if sourceURL == "" {
		sourceURL = rawURL
	}
	doc := crawler.Document{
		Metadata: readMetadata(raw),
	}
	doc.Metadata.SourceURL = sourceURL
	doc.Metadata.StatusCode = resp.StatusCode
	if resp.StatusCode >= http.StatusBadRequest {
		doc.Metadata.Error = http.StatusText(resp.StatusCode)
	}

	filtered, err := filter.Apply(raw, opts.Spec)
	if err != nil {
		return Page{}, err
	}
	if opts.WantsFormat(crawler.FormatMarkdown) {
		md, err := s.converter.ConvertString(filtered, converter.WithDomain(domainOf(sourceURL)))
		if err != nil {
			return Page{}, fmt.Errorf("convert markdown: %w", err)
		}
		doc.Markdown = strings.TrimSpace(md)
	}
	if opts.WantsFormat(crawler.FormatHTML) {
		doc.HTML = filtered
	}
	if opts.WantsFormat(crawler.FormatRawHTML) {
		doc.RawHTML = raw
	}
	if opts.WantsFormat(crawler.FormatLinks) {
		doc.Links = ExtractLinks(raw, sourceURL)
	}
	s.logger.Debug("page scraped",
		zap.String("job_id", jobID),
		zap.String("url", sourceURL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", resp.Duration))
	return Page{Document: doc, Raw: resp.Body}, nil
}

// Links fetches rawURL and returns the absolute links found on it.
func (s *Service) Links(ctx context.Context, rawURL string) ([]string, error) {
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL})
	if err != nil {
		metrics.ObserveScrape(rawURL, "error", 0)
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	metrics.ObserveScrape(rawURL, outcome(resp.StatusCode), len(resp.Body))
	base := resp.URL
	if base == "" {
		base = rawURL
	}
	return ExtractLinks(string(resp.Body), base), nil
}

// ExtractLinks returns the unique absolute http(s) links of a[href] elements
// in document order.
func ExtractLinks(rawHTML, baseURL string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}
	seen := make(map[string]struct{})
	links := make([]string, 0)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved, ok := crawler.ResolveLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links
}

func readMetadata(rawHTML string) crawler.Metadata {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return crawler.Metadata{}
	}
	meta := crawler.Metadata{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		meta.Description = strings.TrimSpace(desc)
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		meta.Language = strings.TrimSpace(lang)
	}
	return meta
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func outcome(status int) string {
	if status >= http.StatusBadRequest {
		return "http_error"
	}
	return "success"
}
