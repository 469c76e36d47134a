// Package fetcher downloads pages. The plain HTTP implementation rides on
// Colly; a chromedp-backed one lives in the headless subpackage.
package fetcher

import (
	"context"
	"errors"
	"time"
)

// Redirect is one hop of a followed redirect chain.
type Redirect struct {
	From       string
	To         string
	StatusCode int
}

// Outcome is the result of one fetch. URL is the final URL after
// redirects; Body is decoded and bounded.
type Outcome struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Redirects   []Redirect
	Duration    time.Duration
}

// IsHTML reports whether the body should go through the HTML pipeline.
func (o *Outcome) IsHTML() bool {
	return o.ContentType == "" ||
		containsType(o.ContentType, "text/html") ||
		containsType(o.ContentType, "application/xhtml+xml")
}

func containsType(contentType, want string) bool {
	return len(contentType) >= len(want) && contentType[:len(want)] == want
}

// Fetcher downloads a single page.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*Outcome, error)
}

// Config bounds a fetcher's behavior; values come from the LCD variables.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Sentinel errors the engine branches on.
var (
	ErrOversizedBody    = errors.New("response body exceeds max_body_size")
	ErrRedirectCycle    = errors.New("redirect cycle")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrTimeout          = errors.New("request timed out")
)
