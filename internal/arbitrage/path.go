package arbitrage

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	MinHops          = 2
	MaxSupportedHops = 6
)

// Hop is one swap of a cycle.
type Hop struct {
	Pool      PoolID
	Direction Direction
}

// Path is an immutable cycle that starts and ends at base. It references
// pools by id, so reserves always come from the snapshot it is simulated on.
type Path struct {
	base   common.Address
	hops   []Hop
	pools  []common.Address
	tokens []common.Address
	epoch  uint64
	key    string
}

// NewPath validates hops against snap and builds a Path.
func NewPath(snap *Snapshot, base common.Address, hops []Hop) (*Path, error) {
	if len(hops) < MinHops || len(hops) > MaxSupportedHops {
		return nil, fmt.Errorf("%w: %d hops, want %d..%d", ErrPathIntegrity, len(hops), MinHops, MaxSupportedHops)
	}

	p := &Path{
		base:   base,
		hops:   make([]Hop, len(hops)),
		pools:  make([]common.Address, len(hops)),
		tokens: make([]common.Address, 0, len(hops)+1),
		epoch:  snap.Epoch,
	}
	copy(p.hops, hops)

	var key strings.Builder
	seen := make(map[PoolID]struct{}, len(hops))
	current := base
	p.tokens = append(p.tokens, base)

	for i, h := range hops {
		pool, err := snap.Pool(h.Pool)
		if err != nil {
			return nil, fmt.Errorf("%w: hop %d: %w", ErrPathIntegrity, i, err)
		}
		if _, dup := seen[h.Pool]; dup {
			return nil, fmt.Errorf("%w: hop %d reuses pool %s", ErrPathIntegrity, i, pool.Address.Hex())
		}
		seen[h.Pool] = struct{}{}

		if in := pool.TokenIn(h.Direction).Address; in != current {
			return nil, fmt.Errorf("%w: hop %d sells %s but holds %s", ErrPathIntegrity, i, in.Hex(), current.Hex())
		}
		current = pool.TokenOut(h.Direction).Address
		p.tokens = append(p.tokens, current)
		p.pools[i] = pool.Address

		if i > 0 {
			key.WriteByte('|')
		}
		key.WriteString(strings.ToLower(pool.Address.Hex()))
		if h.Direction == ZeroForOne {
			key.WriteString(":0")
		} else {
			key.WriteString(":1")
		}
	}

	if current != base {
		return nil, fmt.Errorf("%w: cycle ends at %s, not %s", ErrPathIntegrity, current.Hex(), base.Hex())
	}
	p.key = key.String()
	return p, nil
}

func (p *Path) Base() common.Address { return p.base }
func (p *Path) Len() int             { return len(p.hops) }
func (p *Path) Epoch() uint64        { return p.epoch }

// Key identifies the path by pool addresses and directions.
func (p *Path) Key() string { return p.key }

func (p *Path) Hops() []Hop {
	out := make([]Hop, len(p.hops))
	copy(out, p.hops)
	return out
}

// Pools returns the pool addresses in hop order.
func (p *Path) Pools() []common.Address {
	out := make([]common.Address, len(p.pools))
	copy(out, p.pools)
	return out
}

// Tokens returns base, the intermediate tokens, and base again.
func (p *Path) Tokens() []common.Address {
	out := make([]common.Address, len(p.tokens))
	copy(out, p.tokens)
	return out
}

// Touches reports whether any pool of the path is in set.
func (p *Path) Touches(set map[common.Address]struct{}) bool {
	for _, addr := range p.pools {
		if _, ok := set[addr]; ok {
			return true
		}
	}
	return false
}

func (p *Path) String() string {
	var b strings.Builder
	for i, addr := range p.pools {
		if i > 0 {
			b.WriteString(" => ")
		}
		fmt.Fprintf(&b, "pool[%s] %s -> %s", shortHex(addr), shortHex(p.tokens[i]), shortHex(p.tokens[i+1]))
	}
	return b.String()
}

func shortHex(a common.Address) string {
	h := a.Hex()
	return h[:6] + ".." + h[len(h)-4:]
}
