package arbitrage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	usdc = Token{Address: common.HexToAddress("0x00000000000000000000000000000000000000a1"), Decimals: 6, Symbol: "USDC"}
	tokB = Token{Address: common.HexToAddress("0x00000000000000000000000000000000000000b2"), Decimals: 18, Symbol: "B"}
	tokC = Token{Address: common.HexToAddress("0x00000000000000000000000000000000000000c3"), Decimals: 18, Symbol: "C"}
	tokD = Token{Address: common.HexToAddress("0x00000000000000000000000000000000000000d4"), Decimals: 18, Symbol: "D"}

	pool1 = common.HexToAddress("0x0000000000000000000000000000000000001001")
	pool2 = common.HexToAddress("0x0000000000000000000000000000000000001002")
	pool3 = common.HexToAddress("0x0000000000000000000000000000000000001003")
	pool4 = common.HexToAddress("0x0000000000000000000000000000000000001004")
	pool5 = common.HexToAddress("0x0000000000000000000000000000000000001005")
)

func v2Pool(addr common.Address, t0, t1 Token, r0, r1 int64) Pool {
	return Pool{
		Address:  addr,
		DEX:      "uniswap",
		Variant:  VariantConstantProductV2,
		Token0:   t0,
		Token1:   t1,
		FeeBps:   30,
		Reserve0: big.NewInt(r0),
		Reserve1: big.NewInt(r1),
	}
}

func mustAdd(t *testing.T, reg *Registry, p Pool) PoolID {
	t.Helper()
	id, err := reg.AddPool(p)
	require.NoError(t, err)
	return id
}

// USDC -> B -> C -> USDC. With reserves 100000/50000, 80000/80000 and
// 60000/120000 the rates multiply to exactly 1, so fees make every input a loss.
func scenarioA(t *testing.T) (*Registry, []PoolID) {
	t.Helper()
	reg := NewRegistry()
	ids := []PoolID{
		mustAdd(t, reg, v2Pool(pool1, usdc, tokB, 100000, 50000)),
		mustAdd(t, reg, v2Pool(pool2, tokB, tokC, 80000, 80000)),
		mustAdd(t, reg, v2Pool(pool3, tokC, usdc, 60000, 120000)),
	}
	return reg, ids
}

// same cycle with pool1 at 100000/60000, a 20% edge before fees
func profitableCycle(t *testing.T) (*Registry, []PoolID) {
	t.Helper()
	reg := NewRegistry()
	ids := []PoolID{
		mustAdd(t, reg, v2Pool(pool1, usdc, tokB, 100000, 60000)),
		mustAdd(t, reg, v2Pool(pool2, tokB, tokC, 80000, 80000)),
		mustAdd(t, reg, v2Pool(pool3, tokC, usdc, 60000, 120000)),
	}
	return reg, ids
}

func forwardPath(t *testing.T, snap *Snapshot, ids []PoolID) *Path {
	t.Helper()
	hops := make([]Hop, len(ids))
	for i, id := range ids {
		hops[i] = Hop{Pool: id, Direction: ZeroForOne}
	}
	p, err := NewPath(snap, usdc.Address, hops)
	require.NoError(t, err)
	return p
}

func params(max, step int64, mode SearchMode) OptimizeParams {
	return OptimizeParams{MaxAmountIn: big.NewInt(max), StepSize: big.NewInt(step), Mode: mode}
}
