// Package memory is an in-process backend used by tests. It mirrors the
// PostgreSQL backend's semantics,
// including diversity-aware batch selection.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/lopezworks/lopez/internal/backend"
	"github.com/lopezworks/lopez/internal/hash"
)

type statusRow struct {
	pageID     int64
	url        string
	depth      int
	status     backend.SearchStatus
	statusCode *int
	takenAt    time.Time
}

type edge struct {
	fromID int64
	toID   int64
	reason string
}

type wave struct {
	id       int32
	statuses map[int64]*statusRow
	edges    map[string]edge
	analyses map[string]string
	results  map[int64]map[string]any
	ranks    map[int64]float64
}

// Store implements backend.Backend and backend.Ranker in memory.
type Store struct {
	mu     sync.Mutex
	nextID int32
	waves  map[string]*wave
	byID   map[int32]*wave
	pages  map[int64]string
}

var (
	_ backend.Backend = (*Store)(nil)
	_ backend.Ranker  = (*Store)(nil)
)

// New builds an empty store.
func New() *Store {
	return &Store{
		waves: map[string]*wave{},
		byID:  map[int32]*wave{},
		pages: map[int64]string{},
	}
}

func (s *Store) EnsureWave(_ context.Context, name string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.waves[name]; ok {
		return w.id, nil
	}
	s.nextID++
	w := &wave{
		id:       s.nextID,
		statuses: map[int64]*statusRow{},
		edges:    map[string]edge{},
		analyses: map[string]string{},
		results:  map[int64]map[string]any{},
		ranks:    map[int64]float64{},
	}
	s.waves[name] = w
	s.byID[w.id] = w
	return w.id, nil
}

func (s *Store) wave(waveID int32) (*wave, error) {
	w, ok := s.byID[waveID]
	if !ok {
		return nil, fmt.Errorf("wave %d does not exist", waveID)
	}
	return w, nil
}

func (s *Store) EnsureSeeded(_ context.Context, waveID int32, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return err
	}
	for _, u := range urls {
		id := hash.PageID(u)
		s.pages[id] = u
		if _, ok := w.statuses[id]; !ok {
			w.statuses[id] = &statusRow{pageID: id, url: u, status: backend.StatusOpen}
		}
	}
	return nil
}

func (s *Store) CreateAnalyses(_ context.Context, waveID int32, analyses []backend.AnalysisSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return err
	}
	for _, spec := range analyses {
		w.analyses[spec.Name] = spec.ResultType
	}
	return nil
}

// FetchBatch mirrors the SQL selection: a pool of 10x the batch ordered by
// depth, ranked per host, then flipped to taken.
func (s *Store) FetchBatch(_ context.Context, waveID int32, limit, maxDepth int) ([]backend.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return nil, err
	}

	var pool []*statusRow
	for _, row := range w.statuses {
		if row.status == backend.StatusOpen && row.depth <= maxDepth {
			pool = append(pool, row)
		}
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].depth != pool[j].depth {
			return pool[i].depth < pool[j].depth
		}
		return pool[i].url < pool[j].url
	})
	if len(pool) > limit*10 {
		pool = pool[:limit*10]
	}

	type ranked struct {
		row      *statusRow
		hostRank int
	}
	perHost := map[string]int{}
	rankedPool := make([]ranked, len(pool))
	for i, row := range pool {
		host := hostOf(row.url)
		perHost[host]++
		rankedPool[i] = ranked{row: row, hostRank: perHost[host]}
	}
	sort.SliceStable(rankedPool, func(i, j int) bool {
		if rankedPool[i].hostRank != rankedPool[j].hostRank {
			return rankedPool[i].hostRank < rankedPool[j].hostRank
		}
		return rankedPool[i].row.depth < rankedPool[j].row.depth
	})

	var batch []backend.Task
	for _, candidate := range rankedPool {
		if len(batch) >= limit {
			break
		}
		candidate.row.status = backend.StatusTaken
		candidate.row.takenAt = time.Now()
		batch = append(batch, backend.Task{URL: candidate.row.url, Depth: candidate.row.depth})
	}
	return batch, nil
}

func (s *Store) ClosePage(
	_ context.Context,
	waveID int32,
	pageURL string,
	statusCode int,
	links []backend.Link,
	analyses map[string]any,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return err
	}
	fromID := hash.PageID(pageURL)

	for _, link := range links {
		toID := hash.PageID(link.URL)
		s.pages[toID] = link.URL
		key := fmt.Sprintf("%d:%d:%s", fromID, toID, link.Reason)
		w.edges[key] = edge{fromID: fromID, toID: toID, reason: link.Reason}
		if link.Enqueue {
			if _, ok := w.statuses[toID]; !ok {
				w.statuses[toID] = &statusRow{
					pageID: toID,
					url:    link.URL,
					depth:  link.Depth,
					status: backend.StatusOpen,
				}
			}
		}
	}

	if len(analyses) > 0 {
		w.results[fromID] = analyses
	}

	if row, ok := w.statuses[fromID]; ok && row.status == backend.StatusTaken {
		code := statusCode
		row.status = backend.StatusClosed
		row.statusCode = &code
	}
	return nil
}

func (s *Store) MarkError(_ context.Context, waveID int32, pageURL string, statusCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return err
	}
	if row, ok := w.statuses[hash.PageID(pageURL)]; ok && row.status == backend.StatusTaken {
		row.status = backend.StatusError
		row.statusCode = statusCode
	}
	return nil
}

func (s *Store) CountCrawled(_ context.Context, waveID int32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, row := range w.statuses {
		if row.status == backend.StatusClosed || row.status == backend.StatusError {
			count++
		}
	}
	return count, nil
}

func (s *Store) ExistsTaken(_ context.Context, waveID int32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return false, err
	}
	for _, row := range w.statuses {
		if row.status == backend.StatusTaken {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ReapStaleTaken(_ context.Context, waveID int32, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return 0, err
	}
	reaped := 0
	cutoff := time.Now().Add(-age)
	for _, row := range w.statuses {
		if row.status == backend.StatusTaken && row.takenAt.Before(cutoff) {
			row.status = backend.StatusOpen
			row.takenAt = time.Time{}
			reaped++
		}
	}
	return reaped, nil
}

func (s *Store) DeleteWave(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waves[name]
	if !ok {
		return 0, fmt.Errorf("wave %q does not exist", name)
	}
	delete(s.waves, name)
	delete(s.byID, w.id)

	referenced := map[int64]bool{}
	for _, other := range s.byID {
		for id := range other.statuses {
			referenced[id] = true
		}
		for _, e := range other.edges {
			referenced[e.fromID] = true
			referenced[e.toID] = true
		}
	}
	var collected int64
	for id := range s.pages {
		if !referenced[id] {
			delete(s.pages, id)
			collected++
		}
	}
	return collected, nil
}

func (s *Store) Shutdown() {}

func (s *Store) Linkage(_ context.Context, waveID int32) ([][2]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return nil, err
	}
	var edges [][2]int64
	for _, e := range w.edges {
		switch e.reason {
		case "ahref", "redirect", "canonical":
			edges = append(edges, [2]int64{e.fromID, e.toID})
		}
	}
	return edges, nil
}

func (s *Store) PushPageRanks(_ context.Context, waveID int32, ranked []backend.PageRankEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.wave(waveID)
	if err != nil {
		return err
	}
	for _, entry := range ranked {
		w.ranks[entry.PageID] = entry.Rank
	}
	return nil
}

// Inspection helpers for tests.

// Status returns the state of a page within a wave.
func (s *Store) Status(waveID int32, pageURL string) (backend.SearchStatus, *int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[waveID]
	if !ok {
		return "", nil, false
	}
	row, ok := w.statuses[hash.PageID(pageURL)]
	if !ok {
		return "", nil, false
	}
	return row.status, row.statusCode, true
}

// Edges lists (fromURL, toURL, reason) triples, sorted for stable asserts.
func (s *Store) Edges(waveID int32) [][3]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[waveID]
	if !ok {
		return nil
	}
	var out [][3]string
	for _, e := range w.edges {
		out = append(out, [3]string{s.pages[e.fromID], s.pages[e.toID], e.reason})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		if out[i][1] != out[j][1] {
			return out[i][1] < out[j][1]
		}
		return out[i][2] < out[j][2]
	})
	return out
}

// Results returns a page's analysis results.
func (s *Store) Results(waveID int32, pageURL string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[waveID]
	if !ok {
		return nil
	}
	return w.results[hash.PageID(pageURL)]
}

// Ranks returns the wave's page ranks keyed by URL.
func (s *Store) Ranks(waveID int32) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[waveID]
	if !ok {
		return nil
	}
	out := map[string]float64{}
	for id, rank := range w.ranks {
		out[s.pages[id]] = rank
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}
