// Package robots fetches and caches robots.txt exclusion rules per origin.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBody = 512 * 1024

// Verdict is the cached answer for one origin.
type Verdict struct {
	group      *robotstxt.Group
	crawlDelay time.Duration
}

// Allows reports whether the path of u may be fetched. An origin whose
// robots.txt was unreachable or malformed allows everything.
func (v *Verdict) Allows(u *url.URL) bool {
	if v == nil || v.group == nil {
		return true
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return v.group.Test(path)
}

// CrawlDelay is the origin's requested delay, zero when unset.
func (v *Verdict) CrawlDelay() time.Duration {
	if v == nil {
		return 0
	}
	return v.crawlDelay
}

// Cache resolves origins lazily and remembers the verdict for the lifetime
// of a wave. Entries are write-once; concurrent misses on the same origin
// wait for a single in-flight fetch.
type Cache struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu       sync.Mutex
	verdicts map[string]*Verdict
	inflight map[string]chan struct{}
}

// NewCache builds a robots cache using its own short-timeout HTTP client.
func NewCache(userAgent string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		logger:    logger,
		verdicts:  map[string]*Verdict{},
		inflight:  map[string]chan struct{}{},
	}
}

// Lookup returns the verdict for the URL's origin, fetching robots.txt on
// first sight of the origin.
func (c *Cache) Lookup(ctx context.Context, u *url.URL) *Verdict {
	origin := Origin(u)

	for {
		c.mu.Lock()
		if verdict, ok := c.verdicts[origin]; ok {
			c.mu.Unlock()
			return verdict
		}
		waiter, fetching := c.inflight[origin]
		if !fetching {
			waiter = make(chan struct{})
			c.inflight[origin] = waiter
		}
		c.mu.Unlock()

		if fetching {
			select {
			case <-waiter:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		verdict := c.fetch(ctx, origin)
		c.mu.Lock()
		c.verdicts[origin] = verdict
		delete(c.inflight, origin)
		close(waiter)
		c.mu.Unlock()
		return verdict
	}
}

func (c *Cache) fetch(ctx context.Context, origin string) *Verdict {
	robotsURL := origin + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return &Verdict{}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		// Unreachable robots degrade to allow-all for the origin.
		c.logger.Warn("robots.txt unreachable, allowing origin",
			zap.String("origin", origin), zap.Error(err))
		return &Verdict{}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		c.logger.Warn("robots.txt read failed, allowing origin",
			zap.String("origin", origin), zap.Error(err))
		return &Verdict{}
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		c.logger.Warn("robots.txt unparsable, allowing origin",
			zap.String("origin", origin), zap.Error(err))
		return &Verdict{}
	}

	group := data.FindGroup(c.userAgent)
	verdict := &Verdict{group: group}
	if group != nil {
		verdict.crawlDelay = group.CrawlDelay
	}
	return verdict
}

// Origin is the scheme+host+port key used for robots and rate limiting.
func Origin(u *url.URL) string {
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}
