package arbitrage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Variant tags the pricing curve a pool uses.
type Variant uint8

const (
	VariantConstantProductV2 Variant = iota + 1
	// reserved, not simulated yet
	VariantConcentratedV3
)

func (v Variant) String() string {
	switch v {
	case VariantConstantProductV2:
		return "v2"
	case VariantConcentratedV3:
		return "v3"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// ParseVariant is the inverse of String, used by the pool store.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "v2":
		return VariantConstantProductV2, nil
	case "v3":
		return VariantConcentratedV3, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedVariant, s)
}

// Token is an ERC20 as far as the searcher cares about it
type Token struct {
	Address  common.Address
	Decimals int
	Symbol   string
}

// a Pool represents a two-token AMM pool. Reserve0/Reserve1 are never
// mutated in place once the pool is inside a Registry; updates swap in
// fresh values so snapshots can share them.
type Pool struct {
	Address  common.Address
	DEX      string
	Variant  Variant
	Token0   Token
	Token1   Token
	FeeBps   uint32
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// PoolID is the index of a pool inside a Registry arena.
type PoolID int32

// Direction says which side of a pool is sold.
type Direction uint8

const (
	ZeroForOne Direction = iota
	OneForZero
)

func (d Direction) String() string {
	if d == ZeroForOne {
		return "0->1"
	}
	return "1->0"
}

// TokenIn returns the token sold when swapping through p in direction d.
func (p *Pool) TokenIn(d Direction) Token {
	if d == ZeroForOne {
		return p.Token0
	}
	return p.Token1
}

func (p *Pool) TokenOut(d Direction) Token {
	if d == ZeroForOne {
		return p.Token1
	}
	return p.Token0
}

// Reserves returns (reserveIn, reserveOut) for direction d.
func (p *Pool) Reserves(d Direction) (*big.Int, *big.Int) {
	if d == ZeroForOne {
		return p.Reserve0, p.Reserve1
	}
	return p.Reserve1, p.Reserve0
}

// Other returns the token on the opposite side of tok, and the direction
// that sells tok.
func (p *Pool) Other(tok common.Address) (common.Address, Direction, bool) {
	switch tok {
	case p.Token0.Address:
		return p.Token1.Address, ZeroForOne, true
	case p.Token1.Address:
		return p.Token0.Address, OneForZero, true
	}
	return common.Address{}, 0, false
}

func (p *Pool) degenerate() bool {
	return p.Reserve0 == nil || p.Reserve1 == nil || p.Reserve0.Sign() <= 0 || p.Reserve1.Sign() <= 0
}

// ReserveUpdate is a new (reserve0, reserve1) pair for one pool, as read from a Sync event or eth_call.
type ReserveUpdate struct {
	Pool     common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
	Block    uint64
}

// HopView is the address-level rendering of one hop of a reported path
type HopView struct {
	Pool       common.Address
	DEX        string
	TokenIn    common.Address
	TokenOut   common.Address
	ZeroForOne bool
	FeeBps     uint32
	AmountIn   *big.Int
	AmountOut  *big.Int
}
