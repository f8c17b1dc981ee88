package retrieval

import "sort"

// minMaxNormalize scales xs into [0,1]. When every value is equal they all
// normalize to 1.
func minMaxNormalize(xs []float64) []float64 {
	if len(xs) == 0 {
		return nil
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	out := make([]float64, len(xs))
	if hi-lo < 1e-9 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, x := range xs {
		out[i] = (x - lo) / (hi - lo)
	}
	return out
}

// fuse merges vector and lexical hits by chunk id and blends the min-max
// normalized signals: alpha*vector + (1-alpha)*lexical. A hit missing from one
// list scores zero for that signal before normalization.
func fuse(vector, lexical []SearchResult, alpha float64) []Chunk {
	type merged struct {
		chunk   Chunk
		vec, lx float64
	}
	byID := make(map[string]*merged, len(vector)+len(lexical))
	var order []string
	get := func(r SearchResult) *merged {
		m, ok := byID[r.ID]
		if !ok {
			m = &merged{chunk: r.Chunk}
			byID[r.ID] = m
			order = append(order, r.ID)
		}
		return m
	}
	for _, r := range vector {
		m := get(r)
		m.vec = max(m.vec, r.Score)
	}
	for _, r := range lexical {
		m := get(r)
		m.lx = max(m.lx, r.Score)
	}
	if len(order) == 0 {
		return nil
	}

	vecs := make([]float64, len(order))
	lxs := make([]float64, len(order))
	for i, id := range order {
		vecs[i], lxs[i] = byID[id].vec, byID[id].lx
	}
	vn, ln := minMaxNormalize(vecs), minMaxNormalize(lxs)

	out := make([]Chunk, len(order))
	for i, id := range order {
		c := byID[id].chunk
		c.Score = alpha*vn[i] + (1-alpha)*ln[i]
		out[i] = c
	}
	sortChunks(out)
	return out
}

func toChunks(results []SearchResult) []Chunk {
	out := make([]Chunk, len(results))
	for i, r := range results {
		c := r.Chunk
		c.Score = r.Score
		out[i] = c
	}
	sortChunks(out)
	return out
}

// sortChunks orders by descending score, then chunk id for determinism.
func sortChunks(cs []Chunk) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score == cs[j].Score {
			return cs[i].ChunkID < cs[j].ChunkID
		}
		return cs[i].Score > cs[j].Score
	})
}
