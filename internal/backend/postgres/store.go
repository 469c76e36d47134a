// Package postgres implements the crawl backend on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lopezworks/lopez/internal/backend"
	"github.com/lopezworks/lopez/internal/hash"
)

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store is the PostgreSQL backend.
type Store struct {
	pool pgxPool
}

var (
	_ backend.Backend = (*Store)(nil)
	_ backend.Ranker  = (*Store)(nil)
)

// New connects a pool and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("backend.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool, primarily for
// testing with pgxmock. The schema is not touched.
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Shutdown releases the pool.
func (s *Store) Shutdown() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const ensureWaveSQL = `
INSERT INTO waves (wave_name) VALUES ($1)
ON CONFLICT (wave_name) DO UPDATE SET wave_name = EXCLUDED.wave_name
RETURNING wave_id`

// EnsureWave creates or finds a wave by name.
func (s *Store) EnsureWave(ctx context.Context, name string) (int32, error) {
	var waveID int32
	if err := s.pool.QueryRow(ctx, ensureWaveSQL, name).Scan(&waveID); err != nil {
		return 0, fmt.Errorf("ensure wave %q: %w", name, err)
	}
	return waveID, nil
}

const ensurePagesSQL = `
INSERT INTO pages (page_id, page_url)
SELECT * FROM unnest($1::bigint[], $2::text[])
ON CONFLICT (page_id) DO NOTHING`

const ensureStatusSQL = `
INSERT INTO status (wave_id, page_id, depth)
SELECT $1, page_id, depth FROM unnest($2::bigint[], $3::smallint[]) AS t (page_id, depth)
ON CONFLICT (wave_id, page_id) DO NOTHING`

// EnsureSeeded records seeds as known pages with open statuses at depth 0.
func (s *Store) EnsureSeeded(ctx context.Context, waveID int32, urls []string) error {
	ids := pageIDs(urls)
	depths := make([]int16, len(urls))
	if _, err := s.pool.Exec(ctx, ensurePagesSQL, ids, urls); err != nil {
		return fmt.Errorf("ensure seed pages: %w", err)
	}
	if _, err := s.pool.Exec(ctx, ensureStatusSQL, waveID, ids, depths); err != nil {
		return fmt.Errorf("ensure seed statuses: %w", err)
	}
	return nil
}

const createAnalysesSQL = `
INSERT INTO analyses (wave_id, analysis_name, result_type)
SELECT $1, name, typ FROM unnest($2::text[], $3::text[]) AS t (name, typ)
ON CONFLICT (wave_id, analysis_name) DO NOTHING`

// CreateAnalyses registers the wave's analysis names.
func (s *Store) CreateAnalyses(ctx context.Context, waveID int32, analyses []backend.AnalysisSpec) error {
	if len(analyses) == 0 {
		return nil
	}
	names := make([]string, len(analyses))
	types := make([]string, len(analyses))
	for i, spec := range analyses {
		names[i] = spec.Name
		types[i] = spec.ResultType
	}
	if _, err := s.pool.Exec(ctx, createAnalysesSQL, waveID, names, types); err != nil {
		return fmt.Errorf("create analyses: %w", err)
	}
	return nil
}

// fetchBatchSQL flips a diversity-ordered batch of open rows to taken.
// Within a pool of 10x the batch, candidates are ranked per origin so one
// origin cannot saturate a batch, then by ascending depth.
const fetchBatchSQL = `
WITH candidates AS (
	SELECT s.page_id, p.page_url, s.depth
	FROM status s
	JOIN pages p USING (page_id)
	WHERE s.wave_id = $1 AND s.search_status = 'open' AND s.depth <= $3
	ORDER BY s.depth
	LIMIT $2 * 10
	FOR UPDATE OF s SKIP LOCKED
), ranked AS (
	SELECT page_id, page_url, depth,
		row_number() OVER (
			PARTITION BY substring(page_url FROM '^[a-z+]+://[^/]+')
			ORDER BY depth
		) AS host_rank
	FROM candidates
), chosen AS (
	SELECT page_id, page_url, depth
	FROM ranked
	ORDER BY host_rank, depth
	LIMIT $2
)
UPDATE status s
SET search_status = 'taken', taken_at = now()
FROM chosen c
WHERE s.wave_id = $1 AND s.page_id = c.page_id
RETURNING c.page_url, c.depth`

// FetchBatch selects and takes the next batch.
func (s *Store) FetchBatch(ctx context.Context, waveID int32, limit, maxDepth int) ([]backend.Task, error) {
	rows, err := s.pool.Query(ctx, fetchBatchSQL, waveID, limit, int16(maxDepth))
	if err != nil {
		return nil, fmt.Errorf("fetch batch: %w", err)
	}
	defer rows.Close()

	var batch []backend.Task
	for rows.Next() {
		var task backend.Task
		var depth int16
		if err := rows.Scan(&task.URL, &depth); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		task.Depth = int(depth)
		batch = append(batch, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch batch rows: %w", err)
	}
	return batch, nil
}

const insertLinkageSQL = `
INSERT INTO linkage (wave_id, from_page_id, to_page_id, reason)
SELECT $1, $2, to_id, reason FROM unnest($3::bigint[], $4::text[]) AS t (to_id, reason)
ON CONFLICT DO NOTHING`

const insertResultsSQL = `
INSERT INTO analysis_results (wave_id, page_id, analysis_name, result)
SELECT $1, $2, name, value FROM unnest($3::text[], $4::jsonb[]) AS t (name, value)
ON CONFLICT (wave_id, page_id, analysis_name) DO UPDATE SET result = EXCLUDED.result`

const closeStatusSQL = `
UPDATE status SET search_status = 'closed', status_code = $3, taken_at = NULL
WHERE wave_id = $1 AND page_id = $2 AND search_status = 'taken'`

// ClosePage commits linkage, analyses and the closed status atomically.
func (s *Store) ClosePage(
	ctx context.Context,
	waveID int32,
	pageURL string,
	statusCode int,
	links []backend.Link,
	analyses map[string]any,
) error {
	fromID := hash.PageID(pageURL)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin close: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(links) > 0 {
		targetIDs := make([]int64, len(links))
		targetURLs := make([]string, len(links))
		reasons := make([]string, len(links))
		for i, link := range links {
			targetIDs[i] = hash.PageID(link.URL)
			targetURLs[i] = link.URL
			reasons[i] = link.Reason
		}
		if _, err := tx.Exec(ctx, ensurePagesSQL, targetIDs, targetURLs); err != nil {
			return fmt.Errorf("ensure link pages: %w", err)
		}
		if _, err := tx.Exec(ctx, insertLinkageSQL, waveID, fromID, targetIDs, reasons); err != nil {
			return fmt.Errorf("insert linkage: %w", err)
		}

		var openIDs []int64
		var openDepths []int16
		for _, link := range links {
			if link.Enqueue {
				openIDs = append(openIDs, hash.PageID(link.URL))
				openDepths = append(openDepths, int16(link.Depth))
			}
		}
		if len(openIDs) > 0 {
			if _, err := tx.Exec(ctx, ensureStatusSQL, waveID, openIDs, openDepths); err != nil {
				return fmt.Errorf("ensure link statuses: %w", err)
			}
		}
	}

	if len(analyses) > 0 {
		names := make([]string, 0, len(analyses))
		values := make([]string, 0, len(analyses))
		for name, result := range analyses {
			encoded, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("encode analysis %q: %w", name, err)
			}
			names = append(names, name)
			values = append(values, string(encoded))
		}
		if _, err := tx.Exec(ctx, insertResultsSQL, waveID, fromID, names, values); err != nil {
			return fmt.Errorf("insert analysis results: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, closeStatusSQL, waveID, fromID, statusCode); err != nil {
		return fmt.Errorf("close status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit close: %w", err)
	}
	return nil
}

const errorStatusSQL = `
UPDATE status SET search_status = 'error', status_code = $3, taken_at = NULL
WHERE wave_id = $1 AND page_id = $2 AND search_status = 'taken'`

// MarkError records a terminal failure for the page.
func (s *Store) MarkError(ctx context.Context, waveID int32, pageURL string, statusCode *int) error {
	if _, err := s.pool.Exec(ctx, errorStatusSQL, waveID, hash.PageID(pageURL), statusCode); err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return nil
}

const countCrawledSQL = `
SELECT count(*) FROM status
WHERE wave_id = $1 AND search_status IN ('closed', 'error')`

// CountCrawled counts terminal rows; quota is enforced against this.
func (s *Store) CountCrawled(ctx context.Context, waveID int32) (int, error) {
	var crawled int64
	if err := s.pool.QueryRow(ctx, countCrawledSQL, waveID).Scan(&crawled); err != nil {
		return 0, fmt.Errorf("count crawled: %w", err)
	}
	return int(crawled), nil
}

const existsTakenSQL = `
SELECT EXISTS (SELECT 1 FROM status WHERE wave_id = $1 AND search_status = 'taken')`

// ExistsTaken reports in-flight work.
func (s *Store) ExistsTaken(ctx context.Context, waveID int32) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, existsTakenSQL, waveID).Scan(&exists); err != nil {
		return false, fmt.Errorf("exists taken: %w", err)
	}
	return exists, nil
}

const reapStaleSQL = `
UPDATE status SET search_status = 'open', taken_at = NULL
WHERE wave_id = $1 AND search_status = 'taken' AND taken_at < now() - make_interval(secs => $2)`

// ReapStaleTaken reopens rows abandoned by a crashed run.
func (s *Store) ReapStaleTaken(ctx context.Context, waveID int32, age time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, reapStaleSQL, waveID, age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reap stale taken: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const deleteWaveSQL = `DELETE FROM waves WHERE wave_name = $1`

const gcPagesSQL = `
DELETE FROM pages p
WHERE NOT EXISTS (SELECT 1 FROM status s WHERE s.page_id = p.page_id)
  AND NOT EXISTS (SELECT 1 FROM linkage l WHERE l.from_page_id = p.page_id OR l.to_page_id = p.page_id)`

// DeleteWave cascades the wave away and collects orphaned pages.
func (s *Store) DeleteWave(ctx context.Context, name string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin delete wave: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, deleteWaveSQL, name)
	if err != nil {
		return 0, fmt.Errorf("delete wave %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("wave %q does not exist", name)
	}

	gcTag, err := tx.Exec(ctx, gcPagesSQL)
	if err != nil {
		return 0, fmt.Errorf("collect orphan pages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete wave: %w", err)
	}
	return gcTag.RowsAffected(), nil
}

const linkageSQL = `
SELECT from_page_id, to_page_id FROM linkage
WHERE wave_id = $1 AND reason IN ('ahref', 'redirect', 'canonical')`

// Linkage streams the wave's internal edges for ranking.
func (s *Store) Linkage(ctx context.Context, waveID int32) ([][2]int64, error) {
	rows, err := s.pool.Query(ctx, linkageSQL, waveID)
	if err != nil {
		return nil, fmt.Errorf("load linkage: %w", err)
	}
	defer rows.Close()

	var edges [][2]int64
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, [2]int64{from, to})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("linkage rows: %w", err)
	}
	return edges, nil
}

const pushRanksSQL = `
INSERT INTO page_rank (wave_id, page_id, rank)
SELECT $1, page_id, rank FROM unnest($2::bigint[], $3::double precision[]) AS t (page_id, rank)
ON CONFLICT (wave_id, page_id) DO UPDATE SET rank = EXCLUDED.rank`

// PushPageRanks upserts one batch of ranks.
func (s *Store) PushPageRanks(ctx context.Context, waveID int32, ranked []backend.PageRankEntry) error {
	if len(ranked) == 0 {
		return nil
	}
	ids := make([]int64, len(ranked))
	ranks := make([]float64, len(ranked))
	for i, entry := range ranked {
		ids[i] = entry.PageID
		ranks[i] = entry.Rank
	}
	if _, err := s.pool.Exec(ctx, pushRanksSQL, waveID, ids, ranks); err != nil {
		return fmt.Errorf("push page ranks: %w", err)
	}
	return nil
}

func pageIDs(urls []string) []int64 {
	ids := make([]int64, len(urls))
	for i, u := range urls {
		ids[i] = hash.PageID(u)
	}
	return ids
}
