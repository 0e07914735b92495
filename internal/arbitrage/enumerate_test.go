package arbitrage

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// USDC/B on two venues, B/C, C/USDC, and a USDC/D pool with an empty side
func diamond(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	mustAdd(t, reg, v2Pool(pool1, usdc, tokB, 100000, 50000))
	mustAdd(t, reg, v2Pool(pool2, tokB, tokC, 80000, 80000))
	mustAdd(t, reg, v2Pool(pool3, tokC, usdc, 60000, 120000))
	sushi := v2Pool(pool4, usdc, tokB, 100000, 52000)
	sushi.DEX = "sushiswap"
	mustAdd(t, reg, sushi)
	mustAdd(t, reg, v2Pool(pool5, usdc, tokD, 0, 1000))
	return reg
}

func TestEnumerate(t *testing.T) {
	snap := diamond(t).Snapshot()
	paths, err := Enumerate(context.Background(), snap, EnumerateOptions{Base: usdc.Address, MaxHops: 3})
	require.NoError(t, err)

	// 2 two-hop cycles between the USDC/B venues, 4 three-hop cycles via C
	require.Len(t, paths, 6)
	assert.Equal(t, 2, paths[0].Len())
	assert.Equal(t, 2, paths[1].Len())
	for _, p := range paths[2:] {
		assert.Equal(t, 3, p.Len())
	}

	keys := make(map[string]bool)
	for _, p := range paths {
		assert.Equal(t, usdc.Address, p.Base())
		tokens := p.Tokens()
		assert.Equal(t, usdc.Address, tokens[0])
		assert.Equal(t, usdc.Address, tokens[len(tokens)-1])
		assert.False(t, keys[p.Key()], "duplicate path %s", p.Key())
		keys[p.Key()] = true
	}
}

func TestEnumerateNeverReusesPool(t *testing.T) {
	snap := diamond(t).Snapshot()
	paths, err := Enumerate(context.Background(), snap, EnumerateOptions{Base: usdc.Address, MaxHops: 4})
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		seen := make(map[common.Address]bool)
		for _, addr := range p.Pools() {
			assert.False(t, seen[addr], "pool %s reused in %s", addr.Hex(), p.Key())
			seen[addr] = true
		}
	}
}

func TestEnumerateSkipsDegeneratePools(t *testing.T) {
	snap := diamond(t).Snapshot()
	paths, err := Enumerate(context.Background(), snap, EnumerateOptions{Base: usdc.Address, MaxHops: 4})
	require.NoError(t, err)
	for _, p := range paths {
		assert.False(t, p.Touches(map[common.Address]struct{}{pool5: {}}))
	}
}

func TestEnumerateOptions(t *testing.T) {
	snap := diamond(t).Snapshot()
	ctx := context.Background()

	paths, err := Enumerate(ctx, snap, EnumerateOptions{Base: usdc.Address, MaxHops: 2})
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	paths, err = Enumerate(ctx, snap, EnumerateOptions{
		Base:      usdc.Address,
		Blacklist: map[common.Address]struct{}{tokB.Address: {}},
	})
	require.NoError(t, err)
	assert.Empty(t, paths)

	paths, err = Enumerate(ctx, snap, EnumerateOptions{
		Base:     usdc.Address,
		Restrict: map[common.Address]struct{}{pool1: {}, pool4: {}},
	})
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	paths, err = Enumerate(ctx, snap, EnumerateOptions{
		Base:      usdc.Address,
		Blacklist: map[common.Address]struct{}{usdc.Address: {}},
	})
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestEnumerateErrors(t *testing.T) {
	snap := diamond(t).Snapshot()

	_, err := Enumerate(context.Background(), snap, EnumerateOptions{Base: common.HexToAddress("0xbeef")})
	assert.ErrorIs(t, err, ErrUnknownToken)

	_, err = Enumerate(context.Background(), snap, EnumerateOptions{Base: usdc.Address, MaxHops: MaxSupportedHops + 1})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Enumerate(ctx, snap, EnumerateOptions{Base: usdc.Address})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReachablePools(t *testing.T) {
	reg := diamond(t)
	farPool := common.HexToAddress("0x0000000000000000000000000000000000001006")
	mustAdd(t, reg, v2Pool(farPool, tokC, tokD, 1000, 1000))
	snap := reg.Snapshot()

	reach, err := ReachablePools(snap, EnumerateOptions{Base: usdc.Address, MaxHops: 3})
	require.NoError(t, err)
	for _, a := range []common.Address{pool1, pool2, pool3, pool4} {
		assert.Contains(t, reach, a)
	}
	assert.NotContains(t, reach, pool5)
	assert.NotContains(t, reach, farPool)
}
