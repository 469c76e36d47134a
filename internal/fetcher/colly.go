package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const maxRedirects = 10

// CollyFetcher implements Fetcher over a Colly collector.
type CollyFetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewColly builds the plain HTTP(S) fetcher.
func NewColly(cfg Config, logger *zap.Logger) *CollyFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10_000_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.IgnoreRobotsTxt(), // robots is enforced upstream, per origin
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		// One past the cap so truncation is detectable.
		colly.MaxBodySize(cfg.MaxBodySize+1),
	)
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &CollyFetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a single GET, following at most maxRedirects hops and
// recording each hop.
func (f *CollyFetcher) Fetch(ctx context.Context, pageURL string) (*Outcome, error) {
	var (
		outcome  Outcome
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	seen := map[string]struct{}{pageURL: {}}
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return ErrTooManyRedirects
		}
		target := req.URL.String()
		if _, cycle := seen[target]; cycle {
			return ErrRedirectCycle
		}
		seen[target] = struct{}{}

		status := http.StatusFound
		if req.Response != nil {
			status = req.Response.StatusCode
		}
		outcome.Redirects = append(outcome.Redirects, Redirect{
			From:       via[len(via)-1].URL.String(),
			To:         target,
			StatusCode: status,
		})
		return nil
	})

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Encoding", "gzip, deflate")
	})

	collector.OnResponse(func(r *colly.Response) {
		body, decodeErr := decodeBody(r.Headers.Get("Content-Encoding"), r.Body, f.cfg.MaxBodySize+1)
		if decodeErr != nil {
			// A broken stream degrades to an empty body; the page still
			// closes with its status code.
			f.logger.Warn("body decode failed", zap.String("url", pageURL), zap.Error(decodeErr))
			body = nil
		}
		outcome.URL = r.Request.URL.String()
		outcome.StatusCode = r.StatusCode
		outcome.ContentType = r.Headers.Get("Content-Type")
		outcome.Body = body
		if len(body) > f.cfg.MaxBodySize {
			fetchErr = ErrOversizedBody
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			outcome.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	if err := f.runCollector(ctx, collector, pageURL); err != nil {
		return nil, classifyError(err)
	}
	if fetchErr != nil {
		if errors.Is(fetchErr, ErrOversizedBody) {
			// Synthetic 413 marks the page; no retry is useful.
			outcome.StatusCode = http.StatusRequestEntityTooLarge
			outcome.Duration = time.Since(start)
			return &outcome, ErrOversizedBody
		}
		return nil, classifyError(fetchErr)
	}

	outcome.Duration = time.Since(start)
	return &outcome, nil
}

func (f *CollyFetcher) runCollector(ctx context.Context, collector *colly.Collector, pageURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", pageURL, err)
		}
		return nil
	}
}

// decodeBody undoes the Content-Encoding we asked for, bounded. The
// transport layer may have decoded gzip already; a body without the gzip
// magic is passed through untouched.
func decodeBody(encoding string, body []byte, limit int) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
			return body, nil
		}
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer reader.Close()
		decoded, err := io.ReadAll(io.LimitReader(reader, int64(limit)))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return decoded, nil
	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		decoded, err := io.ReadAll(io.LimitReader(reader, int64(limit)))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown content encoding %q", encoding)
	}
}

func classifyError(err error) error {
	if errors.Is(err, ErrRedirectCycle) {
		return ErrRedirectCycle
	}
	if errors.Is(err, ErrTooManyRedirects) {
		return ErrTooManyRedirects
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		// We negotiate compression ourselves so deflate works too.
		DisableCompression: true,
	}
}
