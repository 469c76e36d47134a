// Package pagerank runs the post-crawl power iteration over the stored
// link graph. Edges are read as rows; the graph never lives in memory as a
// pointer structure.
package pagerank

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lopezworks/lopez/internal/backend"
)

const (
	damping    = 0.85
	iterations = 8
	pushBatch  = 1024
)

// Rank computes page ranks for one wave and writes them back in batches.
func Rank(ctx context.Context, ranker backend.Ranker, waveID int32, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	edges, err := ranker.Linkage(ctx, waveID)
	if err != nil {
		return fmt.Errorf("load linkage: %w", err)
	}
	if len(edges) == 0 {
		logger.Info("no edges to rank", zap.Int32("wave_id", waveID))
		return nil
	}

	ids, ranks := PowerIteration(edges, iterations)
	logger.Info("power iteration done",
		zap.Int32("wave_id", waveID),
		zap.Int("pages", len(ids)),
		zap.Int("edges", len(edges)),
	)

	for offset := 0; offset < len(ids); offset += pushBatch {
		end := offset + pushBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := make([]backend.PageRankEntry, 0, end-offset)
		for i := offset; i < end; i++ {
			batch = append(batch, backend.PageRankEntry{PageID: ids[i], Rank: ranks[i]})
		}
		if err := ranker.PushPageRanks(ctx, waveID, batch); err != nil {
			return fmt.Errorf("push ranks: %w", err)
		}
	}
	return nil
}

// PowerIteration runs the damped random-surfer iteration over an edge
// list. The rank mass of dangling pages is redistributed uniformly each
// round, so the result stays a probability distribution.
func PowerIteration(edges [][2]int64, iterations int) ([]int64, []float64) {
	index := map[int64]int{}
	var ids []int64
	idFor := func(node int64) int {
		if i, ok := index[node]; ok {
			return i
		}
		i := len(ids)
		index[node] = i
		ids = append(ids, node)
		return i
	}

	type compactEdge struct{ from, to int }
	compact := make([]compactEdge, len(edges))
	outDegree := make(map[int]int, len(edges))
	for i, e := range edges {
		from, to := idFor(e[0]), idFor(e[1])
		compact[i] = compactEdge{from: from, to: to}
		outDegree[from]++
	}
	n := len(ids)

	state := make([]float64, n)
	for i := range state {
		state[i] = 1 / float64(n)
	}

	for iter := 0; iter < iterations; iter++ {
		next := make([]float64, n)

		for _, e := range compact {
			next[e.to] += damping * state[e.from] / float64(outDegree[e.from])
		}

		lost := 0.0
		for i, mass := range state {
			if outDegree[i] == 0 {
				lost += mass
			}
		}
		diffusion := (1 - damping + damping*lost) / float64(n)
		for i := range next {
			next[i] += diffusion
		}

		state = next
	}

	// Deterministic output order helps batching and tests.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ids[order[a]] < ids[order[b]] })

	sortedIDs := make([]int64, n)
	sortedRanks := make([]float64, n)
	for i, idx := range order {
		sortedIDs[i] = ids[idx]
		sortedRanks[i] = state[idx]
	}
	return sortedIDs, sortedRanks
}
