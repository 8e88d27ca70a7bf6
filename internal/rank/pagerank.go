package rank

// PageRank parameters. Out-degree is capped so a single hub page cannot
// flood the graph with endorsement edges.
const (
	pageRankIters   = 20
	pageRankDamping = 0.85
	maxOutLinks     = 100
)

// Edge is one directed link between canonical URLs.
type Edge struct{ Src, Dst string }

// PageRank runs the classic power iteration over the link graph and
// returns per-URL authority normalized to [0,1] by the maximum score.
// Dangling mass is redistributed uniformly.
func PageRank(edges []Edge) map[string]float64 {
	outs := make(map[string][]string)
	nodes := make(map[string]struct{})
	for _, e := range edges {
		nodes[e.Src] = struct{}{}
		nodes[e.Dst] = struct{}{}
		if len(outs[e.Src]) < maxOutLinks {
			outs[e.Src] = append(outs[e.Src], e.Dst)
		}
	}
	n := len(nodes)
	if n == 0 {
		return nil
	}

	rankOf := make(map[string]float64, n)
	for u := range nodes {
		rankOf[u] = 1.0 / float64(n)
	}

	for iter := 0; iter < pageRankIters; iter++ {
		next := make(map[string]float64, n)
		dangling := 0.0
		for u := range nodes {
			out := outs[u]
			if len(out) == 0 {
				dangling += rankOf[u]
				continue
			}
			share := rankOf[u] / float64(len(out))
			for _, v := range out {
				next[v] += share
			}
		}
		base := (1-pageRankDamping)/float64(n) + pageRankDamping*dangling/float64(n)
		for u := range nodes {
			rankOf[u] = base + pageRankDamping*next[u]
		}
	}

	max := 0.0
	for _, r := range rankOf {
		if r > max {
			max = r
		}
	}
	if max > 0 {
		for u := range rankOf {
			rankOf[u] /= max
		}
	}
	return rankOf
}
