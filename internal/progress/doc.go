// Package progress carries crawl job updates from workers to live
// subscribers. Publishing never blocks: a subscriber that falls behind loses
// events rather than stalling the worker.
package progress
