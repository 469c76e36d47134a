// Package backend defines the persistence contract the crawl engine
// drives. Implementations must keep each page commit transactional: the
// linkage, analysis results and status flip of one page land together or
// not at all.
package backend

import (
	"context"
	"time"
)

// SearchStatus is the page lifecycle state within a wave.
type SearchStatus string

const (
	StatusOpen   SearchStatus = "open"
	StatusTaken  SearchStatus = "taken"
	StatusClosed SearchStatus = "closed"
	StatusError  SearchStatus = "error"
)

// Task is one page handed to a worker; its status row is already `taken`.
type Task struct {
	URL   string
	Depth int
}

// Link is one outgoing edge discovered on a page. Enqueue marks edges
// whose targets get a fresh `open` status at Depth.
type Link struct {
	Reason  string
	URL     string
	Depth   int
	Enqueue bool
}

// AnalysisSpec names one analysis and its checked result type.
type AnalysisSpec struct {
	Name       string
	ResultType string
}

// PageRankEntry is one ranked page.
type PageRankEntry struct {
	PageID int64
	Rank   float64
}

// Backend is everything the engine needs from storage.
type Backend interface {
	// EnsureWave creates or finds the wave, idempotently.
	EnsureWave(ctx context.Context, name string) (int32, error)
	// EnsureSeeded inserts seed pages as open statuses at depth zero.
	EnsureSeeded(ctx context.Context, waveID int32, urls []string) error
	// CreateAnalyses registers analysis names for the wave, idempotently.
	CreateAnalyses(ctx context.Context, waveID int32, analyses []AnalysisSpec) error
	// FetchBatch atomically flips up to limit open rows to taken,
	// diversity-ordered across origins, and returns them.
	FetchBatch(ctx context.Context, waveID int32, limit, maxDepth int) ([]Task, error)
	// ClosePage commits one crawled page in a single transaction.
	ClosePage(ctx context.Context, waveID int32, pageURL string, statusCode int, links []Link, analyses map[string]any) error
	// MarkError records a terminal failure; statusCode may be nil.
	MarkError(ctx context.Context, waveID int32, pageURL string, statusCode *int) error
	// CountCrawled counts closed plus error rows, the quota currency.
	CountCrawled(ctx context.Context, waveID int32) (int, error)
	// ExistsTaken reports whether any row is still taken.
	ExistsTaken(ctx context.Context, waveID int32) (bool, error)
	// ReapStaleTaken reopens taken rows older than age.
	ReapStaleTaken(ctx context.Context, waveID int32, age time.Duration) (int, error)
	// DeleteWave drops the wave and garbage-collects orphaned pages,
	// returning how many pages were collected.
	DeleteWave(ctx context.Context, name string) (int64, error)
	// Shutdown releases the connection pool.
	Shutdown()
}

// Ranker is the edge store interface the page rank pass reads and writes.
type Ranker interface {
	// Linkage returns all (from, to) page id edges of the wave.
	Linkage(ctx context.Context, waveID int32) ([][2]int64, error)
	// PushPageRanks upserts a batch of ranks.
	PushPageRanks(ctx context.Context, waveID int32, ranked []PageRankEntry) error
}
