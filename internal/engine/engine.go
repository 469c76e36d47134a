// Package engine drives pages through the open -> taken -> closed/error
// state machine: batch selection, politeness, fetching, link discovery,
// analysis and transactional commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lopezworks/lopez/internal/backend"
	"github.com/lopezworks/lopez/internal/boundary"
	"github.com/lopezworks/lopez/internal/fetcher"
	"github.com/lopezworks/lopez/internal/lcd"
	"github.com/lopezworks/lopez/internal/metrics"
	"github.com/lopezworks/lopez/internal/ratelimit"
	"github.com/lopezworks/lopez/internal/robots"
)

const (
	retryAttempts  = 3
	retryBase      = 500 * time.Millisecond
	retryFactor    = 2
	retryJitter    = 0.2
	idleTick       = time.Second
	drainGrace     = 30 * time.Second
	staleTakenMult = 3
)

// Config wires an engine for one wave.
type Config struct {
	WaveName string
	Workers  int
	// DrainGrace bounds how long in-flight pages may run after a
	// shutdown signal. Zero means the default of thirty seconds.
	DrainGrace time.Duration
}

// Engine runs one crawl wave.
type Engine struct {
	cfg        Config
	directives *lcd.Directives
	boundaries *boundary.Engine
	analyzer   *lcd.Analyzer
	fetch      fetcher.Fetcher
	store      backend.Backend
	robots     *robots.Cache
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
	counter    *Counter
	runID      string
}

// New assembles an engine. The fetcher may be the plain HTTP one or the
// headless renderer; the engine does not care.
func New(
	cfg Config,
	directives *lcd.Directives,
	fetch fetcher.Fetcher,
	store backend.Backend,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = drainGrace
	}
	runID := uuid.NewString()
	logger = logger.With(zap.String("wave", cfg.WaveName), zap.String("run_id", runID))

	return &Engine{
		cfg:        cfg,
		directives: directives,
		boundaries: boundary.New(directives.Boundary),
		analyzer:   lcd.NewAnalyzer(directives, logger),
		fetch:      fetch,
		store:      store,
		robots:     robots.NewCache(directives.Variables.UserAgent(), logger),
		limiter:    ratelimit.New(directives.Variables.MaxHitsPerSec()),
		logger:     logger,
		counter:    &Counter{},
		runID:      runID,
	}
}

// Counter exposes run progress.
func (e *Engine) Counter() *Counter { return e.counter }

// Run seeds the wave, reaps stale work from crashed runs, and crawls until
// the frontier dries up or the quota is reached. A canceled context drains
// in-flight pages within the grace period and leaves their rows taken.
func (e *Engine) Run(ctx context.Context) error {
	variables := e.directives.Variables

	waveID, err := e.store.EnsureWave(ctx, e.cfg.WaveName)
	if err != nil {
		return fmt.Errorf("ensure wave: %w", err)
	}

	seeds, err := e.normalizedSeeds()
	if err != nil {
		return err
	}
	e.logger.Info("seeding", zap.Strings("seeds", seeds))
	if err := e.store.EnsureSeeded(ctx, waveID, seeds); err != nil {
		return fmt.Errorf("ensure seeded: %w", err)
	}

	if err := e.store.CreateAnalyses(ctx, waveID, e.analysisSpecs()); err != nil {
		return fmt.Errorf("create analyses: %w", err)
	}

	staleAge := staleTakenMult * variables.RequestTimeout()
	reaped, err := e.store.ReapStaleTaken(ctx, waveID, staleAge)
	if err != nil {
		return fmt.Errorf("reap stale taken: %w", err)
	}
	if reaped > 0 {
		e.logger.Info("reaped stale taken rows", zap.Int("reaped", reaped))
	}

	tasks := make(chan backend.Task)
	var wg sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				e.process(workerCtx, waveID, task)
			}
		}()
	}

	produceErr := e.produce(ctx, waveID, tasks)
	close(tasks)

	// Give in-flight pages a bounded grace period after cancellation.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.drainDeadline(ctx)):
		e.logger.Warn("drain grace expired, abandoning in-flight pages")
		stopWorkers()
		<-done
	}

	e.logger.Info("crawl finished",
		zap.Int("closed", e.counter.Closed()),
		zap.Int("errored", e.counter.Errored()),
		zap.Int("downloaded_bytes", e.counter.Downloaded()),
	)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return produceErr
}

func (e *Engine) drainDeadline(ctx context.Context) time.Duration {
	if ctx.Err() != nil {
		return e.cfg.DrainGrace
	}
	// Not a shutdown: workers only hold tasks already in the channel.
	return time.Hour
}

// produce is the batch loop. It refills whenever in-flight work drops
// below half a batch, and stops when the quota is spent or the frontier is
// exhausted with nothing in flight.
func (e *Engine) produce(ctx context.Context, waveID int32, tasks chan<- backend.Task) error {
	variables := e.directives.Variables
	quota := variables.Quota()
	batchSize := variables.BatchSize()
	maxDepth := variables.MaxDepth()
	hasBeenEmpty := false

	for {
		if ctx.Err() != nil {
			e.logger.Info("shutdown requested, draining")
			return nil
		}

		if e.counter.Inflight() >= (batchSize+1)/2 {
			if err := sleepCtx(ctx, idleTick/10); err != nil {
				return nil
			}
			continue
		}

		limit := batchSize
		if quota > 0 {
			crawled, err := e.store.CountCrawled(ctx, waveID)
			if err != nil {
				return fmt.Errorf("count crawled: %w", err)
			}
			remaining := quota - crawled - e.counter.Inflight()
			if remaining <= 0 {
				if e.counter.Inflight() > 0 {
					if err := sleepCtx(ctx, idleTick); err != nil {
						return nil
					}
					continue
				}
				e.logger.Info("quota reached", zap.Int("quota", quota))
				return nil
			}
			if remaining < limit {
				limit = remaining
			}
		}

		batch, err := e.store.FetchBatch(ctx, waveID, limit, maxDepth)
		if err != nil {
			return fmt.Errorf("fetch batch: %w", err)
		}

		if len(batch) == 0 {
			if e.counter.Inflight() == 0 {
				taken, err := e.store.ExistsTaken(ctx, waveID)
				if err != nil {
					return fmt.Errorf("exists taken: %w", err)
				}
				if !taken {
					if hasBeenEmpty {
						e.logger.Info("frontier exhausted")
						return nil
					}
					// One more look before declaring the end.
					hasBeenEmpty = true
				}
			}
			if err := sleepCtx(ctx, idleTick); err != nil {
				return nil
			}
			continue
		}
		hasBeenEmpty = false

		for _, task := range batch {
			e.counter.taskStarted()
			select {
			case tasks <- task:
			case <-ctx.Done():
				e.counter.taskAbandoned()
				return nil
			}
		}
	}
}

// process runs the full pipeline for one taken page.
func (e *Engine) process(ctx context.Context, waveID int32, task backend.Task) {
	metrics.WorkerStarted()
	defer metrics.WorkerStopped()

	pageURL, err := url.Parse(task.URL)
	if err != nil {
		e.markError(ctx, waveID, task.URL, nil)
		return
	}

	verdict := e.robots.Lookup(ctx, pageURL)
	if ctx.Err() != nil {
		e.counter.taskAbandoned()
		return
	}
	if !verdict.Allows(pageURL) {
		e.logger.Debug("disallowed by robots", zap.String("url", task.URL))
		e.markError(ctx, waveID, task.URL, nil)
		return
	}

	if err := e.limiter.Wait(ctx, robots.Origin(pageURL), verdict.CrawlDelay()); err != nil {
		e.counter.taskAbandoned()
		return
	}

	outcome, err := e.fetchWithRetry(ctx, task.URL)
	if err != nil {
		if ctx.Err() != nil {
			e.counter.taskAbandoned()
			return
		}
		e.handleFetchError(ctx, waveID, task, outcome, err)
		return
	}

	e.counter.addDownloaded(len(outcome.Body))
	metrics.ObserveFetch("ok", len(outcome.Body), outcome.Duration)

	if len(outcome.Redirects) > 0 {
		e.commitRedirect(ctx, waveID, task, pageURL, outcome)
		return
	}
	e.commitFetched(ctx, waveID, task, pageURL, outcome)
}

// fetchWithRetry retries transport errors with jittered exponential
// backoff; timeouts get a single retry; oversized bodies none.
func (e *Engine) fetchWithRetry(ctx context.Context, pageURL string) (*fetcher.Outcome, error) {
	var lastErr error
	var lastOutcome *fetcher.Outcome

	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return nil, err
			}
		}

		outcome, err := e.fetch.Fetch(ctx, pageURL)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		lastOutcome = outcome

		switch {
		case errors.Is(err, fetcher.ErrOversizedBody),
			errors.Is(err, fetcher.ErrRedirectCycle),
			errors.Is(err, fetcher.ErrTooManyRedirects):
			return outcome, err
		case errors.Is(err, fetcher.ErrTimeout):
			if attempt >= 1 {
				return outcome, err
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Debug("fetch retry",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastOutcome, lastErr
}

func backoff(attempt int) time.Duration {
	delay := float64(retryBase)
	for i := 1; i < attempt; i++ {
		delay *= retryFactor
	}
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(delay * jitter)
}

func (e *Engine) handleFetchError(
	ctx context.Context,
	waveID int32,
	task backend.Task,
	outcome *fetcher.Outcome,
	err error,
) {
	metrics.ObserveFetch("error", 0, 0)
	if errors.Is(err, fetcher.ErrOversizedBody) {
		code := http.StatusRequestEntityTooLarge
		e.logger.Warn("body too large", zap.String("url", task.URL))
		e.markError(ctx, waveID, task.URL, &code)
		return
	}

	var code *int
	if outcome != nil && outcome.StatusCode != 0 {
		statusCode := outcome.StatusCode
		code = &statusCode
	}
	e.logger.Warn("fetch failed", zap.String("url", task.URL), zap.Error(err))
	e.markError(ctx, waveID, task.URL, code)
}

// commitRedirect closes the page with the first hop's status and enqueues
// the target at the same depth. The chain's tail is rediscovered when the
// target itself is crawled, which keeps at most one redirect edge per
// from-page.
func (e *Engine) commitRedirect(
	ctx context.Context,
	waveID int32,
	task backend.Task,
	pageURL *url.URL,
	outcome *fetcher.Outcome,
) {
	hop := outcome.Redirects[0]
	var links []backend.Link

	target, err := e.boundaries.Normalize(pageURL, hop.To)
	if err == nil {
		enqueue := !e.boundaries.IsFrontier(pageURL) && e.boundaries.IsAllowed(target) &&
			target.String() != pageURL.String()
		links = append(links, backend.Link{
			Reason:  string(boundary.ReasonRedirect),
			URL:     target.String(),
			Depth:   task.Depth,
			Enqueue: enqueue,
		})
	} else {
		e.logger.Debug("unusable redirect target",
			zap.String("url", task.URL), zap.String("location", hop.To))
	}

	if err := e.store.ClosePage(ctx, waveID, task.URL, hop.StatusCode, links, nil); err != nil {
		e.commitFailed(task.URL, err)
		return
	}
	e.counter.taskClosed()
	metrics.ObservePage("closed")
}

// commitFetched handles the no-redirect outcomes: success with analysis,
// or a non-2xx close with at most a canonical hint.
func (e *Engine) commitFetched(
	ctx context.Context,
	waveID int32,
	task backend.Task,
	pageURL *url.URL,
	outcome *fetcher.Outcome,
) {
	success := outcome.StatusCode >= 200 && outcome.StatusCode < 300

	var links []backend.Link
	var analyses map[string]any

	if outcome.IsHTML() && len(outcome.Body) > 0 {
		doc := lcd.ParseDocument(string(outcome.Body))

		if canonical := e.canonicalLink(pageURL, doc); canonical != nil {
			links = append(links, *canonical)
		}

		if success {
			anchors := collectAnchors(doc)
			for _, link := range e.boundaries.ClassifyAnchors(pageURL, anchors) {
				links = append(links, backend.Link{
					Reason:  string(link.Reason),
					URL:     link.URL,
					Depth:   task.Depth + 1,
					Enqueue: link.Enqueue,
				})
			}
			analyses = e.analyzer.Analyze(task.URL, doc)
		}
	}

	if err := e.store.ClosePage(ctx, waveID, task.URL, outcome.StatusCode, links, analyses); err != nil {
		e.commitFailed(task.URL, err)
		return
	}
	e.counter.taskClosed()
	metrics.ObservePage("closed")
	e.logger.Debug("page closed",
		zap.String("url", task.URL),
		zap.Int("status", outcome.StatusCode),
		zap.Int("links", len(links)),
	)
}

func (e *Engine) canonicalLink(pageURL *url.URL, doc *goquery.Document) *backend.Link {
	href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	if !ok {
		return nil
	}
	target, err := e.boundaries.Normalize(pageURL, href)
	if err != nil || target.String() == pageURL.String() {
		return nil
	}
	return &backend.Link{Reason: string(boundary.ReasonCanonical), URL: target.String()}
}

func collectAnchors(doc *goquery.Document) []boundary.Anchor {
	var anchors []boundary.Anchor
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		rel, _ := sel.Attr("rel")
		anchors = append(anchors, boundary.Anchor{
			Href:     href,
			NoFollow: strings.Contains(strings.ToLower(rel), "nofollow"),
		})
	})
	return anchors
}

func (e *Engine) markError(ctx context.Context, waveID int32, pageURL string, code *int) {
	if err := e.store.MarkError(ctx, waveID, pageURL, code); err != nil {
		e.commitFailed(pageURL, err)
		return
	}
	e.counter.taskErrored()
	metrics.ObservePage("error")
}

// commitFailed logs a backend write failure and leaves the row taken for
// the reaper; the page is abandoned for this run.
func (e *Engine) commitFailed(pageURL string, err error) {
	e.logger.Error("backend commit failed", zap.String("url", pageURL), zap.Error(err))
	e.counter.taskAbandoned()
}

func (e *Engine) normalizedSeeds() ([]string, error) {
	seeds := make([]string, 0, len(e.directives.Seeds))
	for _, seed := range e.directives.Seeds {
		normalized, err := e.boundaries.Normalize(nil, seed)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", seed, err)
		}
		seeds = append(seeds, normalized.String())
	}
	return seeds, nil
}

func (e *Engine) analysisSpecs() []backend.AnalysisSpec {
	names := e.directives.RuleNames()
	specs := make([]backend.AnalysisSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, backend.AnalysisSpec{
			Name:       name,
			ResultType: e.directives.RuleTypes[name].String(),
		})
	}
	return specs
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
