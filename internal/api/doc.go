// Package api hosts the HTTP server, middleware and the /v1 route table.
// Notable routes:
//   - POST /v1/scrape, /v1/crawl and /v1/map for page extraction.
//   - GET and DELETE /v1/crawl/{jobId} for crawl status and cancellation; a
//     websocket upgrade on the GET route streams crawl progress.
//   - GET /v1/scrape/{jobId} for stored scrape results.
//   - GET /v1/health/liveness and /readiness for probes.
//   - GET /metrics for Prometheus scraping.
package api
