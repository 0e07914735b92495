package arbitrage

import (
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddPool(t *testing.T) {
	reg := NewRegistry()
	id := mustAdd(t, reg, v2Pool(pool1, usdc, tokB, 100, 200))
	assert.Equal(t, PoolID(0), id)

	_, err := reg.AddPool(v2Pool(pool1, usdc, tokB, 1, 1))
	assert.ErrorIs(t, err, ErrDuplicatePool)

	_, err = reg.AddPool(v2Pool(pool2, usdc, usdc, 1, 1))
	assert.Error(t, err)

	bad := v2Pool(pool3, usdc, tokC, 1, 1)
	bad.FeeBps = 10000
	_, err = reg.AddPool(bad)
	assert.ErrorIs(t, err, ErrInvalidFee)

	noReserves := v2Pool(pool4, usdc, tokD, 0, 0)
	noReserves.Reserve0, noReserves.Reserve1 = nil, nil
	id4 := mustAdd(t, reg, noReserves)

	snap := reg.Snapshot()
	assert.Equal(t, 2, snap.Len())
	p, err := snap.Pool(id4)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Reserve0.Sign())

	tok, ok := snap.Token(tokB.Address)
	require.True(t, ok)
	assert.Equal(t, "B", tok.Symbol)
}

func TestRegistryEpochAndVersion(t *testing.T) {
	reg := NewRegistry()
	mustAdd(t, reg, v2Pool(pool1, usdc, tokB, 100, 200))
	s1 := reg.Snapshot()

	require.NoError(t, reg.UpdateReserves(pool1, big.NewInt(150), big.NewInt(250)))
	s2 := reg.Snapshot()
	assert.Equal(t, s1.Epoch, s2.Epoch)
	assert.Greater(t, s2.Version, s1.Version)

	mustAdd(t, reg, v2Pool(pool2, tokB, tokC, 1, 1))
	s3 := reg.Snapshot()
	assert.Greater(t, s3.Epoch, s2.Epoch)
}

func TestSnapshotIsFrozen(t *testing.T) {
	reg := NewRegistry()
	id := mustAdd(t, reg, v2Pool(pool1, usdc, tokB, 100, 200))
	snap := reg.Snapshot()

	input := big.NewInt(999)
	require.NoError(t, reg.UpdateReserves(pool1, input, big.NewInt(888)))
	input.SetInt64(1)

	p, err := snap.Pool(id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Reserve0.Int64())
	assert.Equal(t, int64(200), p.Reserve1.Int64())

	fresh, err := reg.Snapshot().Pool(id)
	require.NoError(t, err)
	assert.Equal(t, int64(999), fresh.Reserve0.Int64())
	assert.Equal(t, int64(888), fresh.Reserve1.Int64())
}

func TestApplyUpdates(t *testing.T) {
	reg := NewRegistry()
	mustAdd(t, reg, v2Pool(pool1, usdc, tokB, 100, 200))
	mustAdd(t, reg, v2Pool(pool2, tokB, tokC, 100, 200))

	unknown := common.HexToAddress("0xdead")
	touched, err := reg.ApplyUpdates([]ReserveUpdate{
		{Pool: pool1, Reserve0: big.NewInt(1), Reserve1: big.NewInt(2), Block: 10},
		{Pool: unknown, Reserve0: big.NewInt(1), Reserve1: big.NewInt(2), Block: 10},
		{Pool: pool2, Reserve0: big.NewInt(3), Reserve1: big.NewInt(4), Block: 11},
	})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{pool1, pool2}, touched)
	assert.Equal(t, uint64(11), reg.Snapshot().Block)

	// one bad update rejects the batch
	before := reg.Snapshot()
	_, err = reg.ApplyUpdates([]ReserveUpdate{
		{Pool: pool1, Reserve0: big.NewInt(7), Reserve1: big.NewInt(7)},
		{Pool: pool2, Reserve0: big.NewInt(-1), Reserve1: big.NewInt(7)},
	})
	assert.ErrorIs(t, err, ErrInvalidReserves)
	after := reg.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	p, _ := after.Pool(0)
	assert.Equal(t, int64(1), p.Reserve0.Int64())
}

// both reserves of a pool always change together
func TestConcurrentUpdatesAreAtomic(t *testing.T) {
	reg := NewRegistry()
	id := mustAdd(t, reg, v2Pool(pool1, usdc, tokB, 1, 1))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(2); i < 2000; i++ {
			_ = reg.UpdateReserves(pool1, big.NewInt(i), big.NewInt(i))
		}
	}()
	for i := 0; i < 2000; i++ {
		p, err := reg.Snapshot().Pool(id)
		require.NoError(t, err)
		require.Equal(t, 0, p.Reserve0.Cmp(p.Reserve1))
	}
	wg.Wait()
}

func TestNewPathValidation(t *testing.T) {
	reg, ids := scenarioA(t)
	snap := reg.Snapshot()

	p := forwardPath(t, snap, ids)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []common.Address{pool1, pool2, pool3}, p.Pools())
	assert.Equal(t, []common.Address{usdc.Address, tokB.Address, tokC.Address, usdc.Address}, p.Tokens())
	assert.Equal(t, snap.Epoch, p.Epoch())

	tests := []struct {
		name string
		hops []Hop
	}{
		{"too short", []Hop{{ids[0], ZeroForOne}}},
		{"broken chain", []Hop{{ids[0], ZeroForOne}, {ids[2], ZeroForOne}, {ids[1], ZeroForOne}}},
		{"does not close", []Hop{{ids[0], ZeroForOne}, {ids[1], ZeroForOne}}},
		{"wrong direction", []Hop{{ids[0], OneForZero}, {ids[1], ZeroForOne}, {ids[2], ZeroForOne}}},
		{"reused pool", []Hop{{ids[0], ZeroForOne}, {ids[0], OneForZero}}},
		{"unknown pool", []Hop{{ids[0], ZeroForOne}, {PoolID(42), ZeroForOne}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPath(snap, usdc.Address, tt.hops)
			assert.ErrorIs(t, err, ErrPathIntegrity)
		})
	}
}

func TestPathKeyAndTouches(t *testing.T) {
	reg, ids := scenarioA(t)
	snap := reg.Snapshot()
	p := forwardPath(t, snap, ids)

	again := forwardPath(t, snap, ids)
	assert.Equal(t, p.Key(), again.Key())

	reverse, err := NewPath(snap, usdc.Address, []Hop{
		{ids[2], OneForZero}, {ids[1], OneForZero}, {ids[0], OneForZero},
	})
	require.NoError(t, err)
	assert.NotEqual(t, p.Key(), reverse.Key())

	assert.True(t, p.Touches(map[common.Address]struct{}{pool2: {}}))
	assert.False(t, p.Touches(map[common.Address]struct{}{pool4: {}}))
	assert.False(t, p.Touches(nil))
	assert.Contains(t, p.String(), "=>")
}
