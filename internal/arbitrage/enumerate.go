package arbitrage

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const DefaultMaxHops = 3

type EnumerateOptions struct {
	Base    common.Address
	MaxHops int
	// pools touching any of these tokens are never used
	Blacklist map[common.Address]struct{}
	// when non-nil, only these pools are considered
	Restrict map[common.Address]struct{}
}

type edge struct {
	pool PoolID
	dir  Direction
	to   int
}

// token graph over the eligible pools of a snapshot
type tokenGraph struct {
	index map[common.Address]int
	adj   [][]edge
	dist  []int
	base  int
}

const unreachable = int(^uint(0) >> 1)

func buildGraph(snap *Snapshot, opts EnumerateOptions) (*tokenGraph, error) {
	if _, ok := snap.Token(opts.Base); !ok {
		return nil, fmt.Errorf("%w: base %s", ErrUnknownToken, opts.Base.Hex())
	}

	g := &tokenGraph{index: make(map[common.Address]int)}
	tokenIdx := func(a common.Address) int {
		i, ok := g.index[a]
		if !ok {
			i = len(g.adj)
			g.index[a] = i
			g.adj = append(g.adj, nil)
		}
		return i
	}
	g.base = tokenIdx(opts.Base)

	for id := range snap.pools {
		p := &snap.pools[id]
		if !eligible(p, opts) {
			continue
		}
		t0, t1 := tokenIdx(p.Token0.Address), tokenIdx(p.Token1.Address)
		g.adj[t0] = append(g.adj[t0], edge{pool: PoolID(id), dir: ZeroForOne, to: t1})
		g.adj[t1] = append(g.adj[t1], edge{pool: PoolID(id), dir: OneForZero, to: t0})
	}

	// hop distance from base, graph is undirected
	g.dist = make([]int, len(g.adj))
	for i := range g.dist {
		g.dist[i] = unreachable
	}
	g.dist[g.base] = 0
	queue := []int{g.base}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		for _, e := range g.adj[t] {
			if g.dist[e.to] == unreachable {
				g.dist[e.to] = g.dist[t] + 1
				queue = append(queue, e.to)
			}
		}
	}
	return g, nil
}

func eligible(p *Pool, opts EnumerateOptions) bool {
	if p.Variant != VariantConstantProductV2 || p.degenerate() {
		return false
	}
	if _, bad := opts.Blacklist[p.Token0.Address]; bad {
		return false
	}
	if _, bad := opts.Blacklist[p.Token1.Address]; bad {
		return false
	}
	if opts.Restrict != nil {
		if _, ok := opts.Restrict[p.Address]; !ok {
			return false
		}
	}
	return true
}

// a pool (a, b) can only sit on a cycle of length <= maxHops through base
// if dist(a) + 1 + dist(b) <= maxHops
func (g *tokenGraph) reachable(maxHops int) map[PoolID]struct{} {
	out := make(map[PoolID]struct{})
	for t, edges := range g.adj {
		if g.dist[t] == unreachable {
			continue
		}
		for _, e := range edges {
			if e.dir != ZeroForOne || g.dist[e.to] == unreachable {
				continue
			}
			if g.dist[t]+1+g.dist[e.to] <= maxHops {
				out[e.pool] = struct{}{}
			}
		}
	}
	return out
}

// ReachablePools returns the addresses of pools that could appear on some
// cycle of at most maxHops through opts.Base.
func ReachablePools(snap *Snapshot, opts EnumerateOptions) (map[common.Address]struct{}, error) {
	maxHops, err := normalizeHops(opts.MaxHops)
	if err != nil {
		return nil, err
	}
	g, err := buildGraph(snap, opts)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]struct{})
	for id := range g.reachable(maxHops) {
		out[snap.pools[id].Address] = struct{}{}
	}
	return out, nil
}

func normalizeHops(maxHops int) (int, error) {
	if maxHops == 0 {
		return DefaultMaxHops, nil
	}
	if maxHops < MinHops || maxHops > MaxSupportedHops {
		return 0, fmt.Errorf("max hops %d out of range %d..%d", maxHops, MinHops, MaxSupportedHops)
	}
	return maxHops, nil
}

// Enumerate lists every simple cycle of 2..MaxHops hops that starts and
// ends at opts.Base, shortest cycles first. Cycles are built by iterative
// deepening; each depth is a depth-first walk that never revisits a pool
// or an intermediate token.
func Enumerate(ctx context.Context, snap *Snapshot, opts EnumerateOptions) ([]*Path, error) {
	maxHops, err := normalizeHops(opts.MaxHops)
	if err != nil {
		return nil, err
	}
	if _, bad := opts.Blacklist[opts.Base]; bad {
		return nil, nil
	}
	g, err := buildGraph(snap, opts)
	if err != nil {
		return nil, err
	}

	// drop edges of pools that cannot close a cycle
	keep := g.reachable(maxHops)
	for t, edges := range g.adj {
		filtered := edges[:0]
		for _, e := range edges {
			if _, ok := keep[e.pool]; ok {
				filtered = append(filtered, e)
			}
		}
		g.adj[t] = filtered
	}

	w := &walker{
		ctx:       ctx,
		snap:      snap,
		g:         g,
		base:      opts.Base,
		usedPool:  make(map[PoolID]bool),
		usedToken: make([]bool, len(g.adj)),
	}
	for hops := MinHops; hops <= maxHops; hops++ {
		w.target = hops
		w.stack = w.stack[:0]
		if err := w.walk(g.base); err != nil {
			return nil, err
		}
	}
	return w.out, nil
}

type walker struct {
	ctx       context.Context
	snap      *Snapshot
	g         *tokenGraph
	base      common.Address
	target    int
	stack     []Hop
	usedPool  map[PoolID]bool
	usedToken []bool
	out       []*Path
}

func (w *walker) walk(at int) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	depth := len(w.stack)
	remaining := w.target - depth
	if w.g.dist[at] > remaining {
		return nil
	}

	for _, e := range w.g.adj[at] {
		if w.usedPool[e.pool] {
			continue
		}
		last := remaining == 1
		if last != (e.to == w.g.base) {
			continue
		}
		if !last && w.usedToken[e.to] {
			continue
		}

		w.stack = append(w.stack, Hop{Pool: e.pool, Direction: e.dir})
		if last {
			path, err := NewPath(w.snap, w.base, w.stack)
			if err != nil {
				return fmt.Errorf("enumerate: %w", err)
			}
			w.out = append(w.out, path)
		} else {
			w.usedPool[e.pool] = true
			w.usedToken[e.to] = true
			if err := w.walk(e.to); err != nil {
				return err
			}
			w.usedPool[e.pool] = false
			w.usedToken[e.to] = false
		}
		w.stack = w.stack[:len(w.stack)-1]
	}
	return nil
}
