// Package main is the scrape-gateway entrypoint.
//
// The gateway authenticates each /v1 request with an API key, applies the
// tenant's per-mode rate limit, checks its credit balance, rejects blocked
// URLs and, for crawls, consumes an optional idempotency key before the
// handler runs. Crawl jobs are queued in memory and processed by a worker
// pool that archives raw pages, bills credits, publishes completion events
// and streams progress to websocket subscribers.
//
// Run locally: go run . serve --config config.yaml
package main

import "github.com/JakeFAU/scrape-gateway/cmd"

func main() {
	cmd.Execute()
}
