package api

import (
	"net/http"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
)

func (s *Server) routes() []pipeline.Route {
	return []pipeline.Route{
		{
			Method:  http.MethodPost,
			Pattern: "/scrape",
			Stages: []pipeline.Stage{
				s.authStage(crawler.ModeScrape, headerCredentials),
				pipeline.ValidatePayload(),
				s.creditStage(1),
				s.blocklistStage(),
			},
			Handler: s.handleScrape,
		},
		{
			Method:  http.MethodPost,
			Pattern: "/crawl",
			Stages: []pipeline.Stage{
				s.authStage(crawler.ModeCrawl, headerCredentials),
				pipeline.ValidatePayload(),
				s.creditStage(0),
				s.blocklistStage(),
				s.idempotencyStage(),
			},
			Handler: s.handleCrawl,
		},
		{
			Method:  http.MethodPost,
			Pattern: "/map",
			Stages: []pipeline.Stage{
				s.authStage(crawler.ModeMap, headerCredentials),
				pipeline.ValidatePayload(),
				s.creditStage(1),
				s.blocklistStage(),
			},
			Handler: s.handleMap,
		},
		{
			Method:  http.MethodGet,
			Pattern: "/crawl/{jobId}",
			Stages:  []pipeline.Stage{s.authStage(crawler.ModeCrawlStatus, headerCredentials)},
			Handler: s.handleCrawlStatus,
		},
		{
			Method:  http.MethodGet,
			Pattern: "/crawl/{jobId}",
			Stages:  []pipeline.Stage{s.authStage(crawler.ModeCrawlStatus, streamCredentials)},
			Handler: s.handleCrawlStream,
			Stream:  true,
		},
		{
			Method:  http.MethodDelete,
			Pattern: "/crawl/{jobId}",
			Stages:  []pipeline.Stage{s.authStage(crawler.ModeCrawl, headerCredentials)},
			Handler: s.handleCrawlCancel,
		},
		{Method: http.MethodGet, Pattern: "/scrape/{jobId}", Handler: s.handleScrapeStatus},
		{Method: http.MethodGet, Pattern: "/health/liveness", Handler: s.handleLiveness},
		{Method: http.MethodGet, Pattern: "/health/readiness", Handler: s.handleReadiness},
	}
}
