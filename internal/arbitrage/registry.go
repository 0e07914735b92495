package arbitrage

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry owns every pool the searcher knows about. Pools live in an
// arena indexed by PoolID; addresses are only used at the edges.
//
// Two counters describe its state: epoch changes whenever the pool set
// changes (paths must be re-enumerated), version changes on every reserve
// update.
type Registry struct {
	mu      sync.RWMutex
	pools   []Pool
	byAddr  map[common.Address]PoolID
	tokens  map[common.Address]Token
	epoch   uint64
	version uint64
	block   uint64

	// lookup tables handed to snapshots, rebuilt once per epoch
	topo *topology
}

type topology struct {
	epoch  uint64
	byAddr map[common.Address]PoolID
	tokens map[common.Address]Token
}

func NewRegistry() *Registry {
	return &Registry{
		byAddr: make(map[common.Address]PoolID),
		tokens: make(map[common.Address]Token),
	}
}

// AddPool registers a pool and returns its id. Nil reserves are stored as zero.
func (r *Registry) AddPool(p Pool) (PoolID, error) {
	if p.Token0.Address == p.Token1.Address {
		return 0, fmt.Errorf("add pool %s: token0 and token1 are the same", p.Address.Hex())
	}
	if p.Variant != VariantConstantProductV2 && p.Variant != VariantConcentratedV3 {
		return 0, fmt.Errorf("add pool %s: %w", p.Address.Hex(), ErrUnsupportedVariant)
	}
	if err := checkFee(p.FeeBps); err != nil {
		return 0, fmt.Errorf("add pool %s: %w", p.Address.Hex(), err)
	}
	r0, r1, err := copyReserves(p.Reserve0, p.Reserve1)
	if err != nil {
		return 0, fmt.Errorf("add pool %s: %w", p.Address.Hex(), err)
	}
	p.Reserve0, p.Reserve1 = r0, r1

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byAddr[p.Address]; ok {
		return id, fmt.Errorf("add pool %s: %w", p.Address.Hex(), ErrDuplicatePool)
	}
	id := PoolID(len(r.pools))
	r.pools = append(r.pools, p)
	r.byAddr[p.Address] = id
	r.addToken(p.Token0)
	r.addToken(p.Token1)
	r.epoch++
	r.version++
	return id, nil
}

// first registration wins, unless it didn't know the decimals
func (r *Registry) addToken(t Token) {
	if have, ok := r.tokens[t.Address]; ok && (have.Decimals != 0 || t.Decimals == 0) {
		return
	}
	r.tokens[t.Address] = t
}

func copyReserves(r0, r1 *big.Int) (*big.Int, *big.Int, error) {
	if r0 == nil {
		r0 = bigZero
	}
	if r1 == nil {
		r1 = bigZero
	}
	if r0.Sign() < 0 || r1.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: negative reserve", ErrInvalidReserves)
	}
	return new(big.Int).Set(r0), new(big.Int).Set(r1), nil
}

// UpdateReserves replaces both reserves of a pool at once.
func (r *Registry) UpdateReserves(addr common.Address, reserve0, reserve1 *big.Int) error {
	_, err := r.ApplyUpdates([]ReserveUpdate{{Pool: addr, Reserve0: reserve0, Reserve1: reserve1}})
	return err
}

// ApplyUpdates applies a batch of reserve updates atomically: a snapshot
// sees either none or all of them. Updates for unknown pools are ignored
// and left out of the returned touched set; an invalid update rejects the
// whole batch.
func (r *Registry) ApplyUpdates(updates []ReserveUpdate) ([]common.Address, error) {
	type pending struct {
		id     PoolID
		r0, r1 *big.Int
	}
	if len(updates) == 0 {
		return nil, nil
	}

	staged := make([]pending, 0, len(updates))
	touched := make([]common.Address, 0, len(updates))
	var block uint64

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range updates {
		if u.Reserve0 == nil || u.Reserve1 == nil {
			return nil, fmt.Errorf("update %s: %w: missing reserve", u.Pool.Hex(), ErrInvalidReserves)
		}
		id, ok := r.byAddr[u.Pool]
		if !ok {
			continue
		}
		r0, r1, err := copyReserves(u.Reserve0, u.Reserve1)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", u.Pool.Hex(), err)
		}
		staged = append(staged, pending{id: id, r0: r0, r1: r1})
		touched = append(touched, u.Pool)
		if u.Block > block {
			block = u.Block
		}
	}

	for _, s := range staged {
		r.pools[s.id].Reserve0 = s.r0
		r.pools[s.id].Reserve1 = s.r1
	}
	if len(staged) > 0 {
		r.version++
	}
	if block > r.block {
		r.block = block
	}
	return touched, nil
}

// SetBlock records the block the registry's reserves correspond to.
func (r *Registry) SetBlock(block uint64) {
	r.mu.Lock()
	if block > r.block {
		r.block = block
	}
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

func (r *Registry) Lookup(addr common.Address) (PoolID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	return id, ok
}

// Snapshot freezes the current state. The pool slice is copied; reserve
// values are shared since the registry never mutates them in place.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.topo == nil || r.topo.epoch != r.epoch {
		byAddr := make(map[common.Address]PoolID, len(r.byAddr))
		for k, v := range r.byAddr {
			byAddr[k] = v
		}
		tokens := make(map[common.Address]Token, len(r.tokens))
		for k, v := range r.tokens {
			tokens[k] = v
		}
		r.topo = &topology{epoch: r.epoch, byAddr: byAddr, tokens: tokens}
	}

	pools := make([]Pool, len(r.pools))
	copy(pools, r.pools)

	return &Snapshot{
		pools:   pools,
		topo:    r.topo,
		Epoch:   r.epoch,
		Version: r.version,
		Block:   r.block,
	}
}

// Snapshot is a read-only view of a Registry at one reserve version.
// It is safe for concurrent use.
type Snapshot struct {
	pools []Pool
	topo  *topology

	Epoch   uint64
	Version uint64
	Block   uint64
}

func (s *Snapshot) Len() int { return len(s.pools) }

// Pool returns the pool with the given id. The result must not be modified.
func (s *Snapshot) Pool(id PoolID) (*Pool, error) {
	if id < 0 || int(id) >= len(s.pools) {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownPool, id)
	}
	return &s.pools[id], nil
}

func (s *Snapshot) Lookup(addr common.Address) (PoolID, bool) {
	id, ok := s.topo.byAddr[addr]
	return id, ok
}

func (s *Snapshot) Token(addr common.Address) (Token, bool) {
	t, ok := s.topo.tokens[addr]
	return t, ok
}
