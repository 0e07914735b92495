package arbitrage

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReporter(t *testing.T, memo int) *Reporter {
	t.Helper()
	r, err := NewReporter(ReporterConfig{
		Optimize: params(10000, 100, ModeGreedy),
		Workers:  4,
		MemoSize: memo,
	})
	require.NoError(t, err)
	return r
}

func enumerateAll(t *testing.T, snap *Snapshot) []*Path {
	t.Helper()
	paths, err := Enumerate(context.Background(), snap, EnumerateOptions{Base: usdc.Address, MaxHops: 3})
	require.NoError(t, err)
	return paths
}

func TestReport(t *testing.T) {
	reg, _ := profitableCycle(t)
	reg.SetBlock(19_000_000)
	snap := reg.Snapshot()
	paths := enumerateAll(t, snap)
	require.Len(t, paths, 2)

	r := newTestReporter(t, 0)
	opps, stats, err := r.Report(context.Background(), snap, paths, nil, big.NewInt(0))
	require.NoError(t, err)

	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, int64(3200), opp.AmountIn.Int64())
	assert.Equal(t, int64(298), opp.Profit.Int64())
	assert.Equal(t, "0.000298", opp.ProfitDecimal.String())
	assert.Equal(t, uint64(19_000_000), opp.BlockNumber)
	assert.Equal(t, snap.Version, opp.SnapshotVersion)
	assert.Equal(t, stats.PassID, opp.PassID)
	assert.Equal(t, "USDC", opp.Base.Symbol)

	require.Len(t, opp.Hops, 3)
	assert.Equal(t, pool1, opp.Hops[0].Pool)
	assert.Equal(t, usdc.Address, opp.Hops[0].TokenIn)
	assert.Equal(t, tokB.Address, opp.Hops[0].TokenOut)
	assert.True(t, opp.Hops[0].ZeroForOne)
	assert.Equal(t, opp.AmountIn, opp.Hops[0].AmountIn)
	assert.Equal(t, 0, opp.AmountOut.Cmp(opp.Hops[2].AmountOut))

	assert.Equal(t, 2, stats.Paths)
	assert.Equal(t, 2, stats.Evaluated)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 1, stats.Opportunities)
	assert.Equal(t, int64(298), stats.BestProfit.Int64())
}

func TestReportThresholdIsStrict(t *testing.T) {
	reg, _ := profitableCycle(t)
	snap := reg.Snapshot()
	r := newTestReporter(t, 0)

	opps, _, err := r.Report(context.Background(), snap, enumerateAll(t, snap), nil, big.NewInt(298))
	require.NoError(t, err)
	assert.Empty(t, opps)

	opps, _, err = r.Report(context.Background(), snap, enumerateAll(t, snap), nil, big.NewInt(297))
	require.NoError(t, err)
	assert.Len(t, opps, 1)
}

// a delta that touches none of a path's pools skips the path; nil means all
func TestReportSkipsUntouchedPaths(t *testing.T) {
	reg, _ := profitableCycle(t)
	other := common.HexToAddress("0x0000000000000000000000000000000000009999")
	snap := reg.Snapshot()
	paths := enumerateAll(t, snap)
	r := newTestReporter(t, 0)
	untouched := map[common.Address]struct{}{other: {}}

	_, stats, err := r.Report(context.Background(), snap, paths, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Evaluated)

	opps, stats, err := r.Report(context.Background(), snap, paths, untouched, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Evaluated)
	assert.Equal(t, 2, stats.Skipped)
	assert.Empty(t, opps)

	_, stats, err = r.Report(context.Background(), snap, paths, map[common.Address]struct{}{pool2: {}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Evaluated)
}

func TestReportMemoisesByReserves(t *testing.T) {
	reg, _ := profitableCycle(t)
	snap := reg.Snapshot()
	paths := enumerateAll(t, snap)
	r := newTestReporter(t, 64)

	_, stats, err := r.Report(context.Background(), snap, paths, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.MemoHits)

	opps, stats, err := r.Report(context.Background(), snap, paths, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.MemoHits)
	require.Len(t, opps, 1)
	assert.Equal(t, int64(298), opps[0].Profit.Int64())

	require.NoError(t, reg.UpdateReserves(pool2, big.NewInt(80000), big.NewInt(81000)))
	_, stats, err = r.Report(context.Background(), reg.Snapshot(), paths, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.MemoHits)
}

func TestReportCountsFailuresWithoutAborting(t *testing.T) {
	reg, ids := profitableCycle(t)
	stale := forwardPath(t, reg.Snapshot(), ids)

	mustAdd(t, reg, v2Pool(pool4, usdc, tokD, 1000, 1000))
	snap := reg.Snapshot()
	paths := append(enumerateAll(t, snap), stale)

	r := newTestReporter(t, 0)
	opps, stats, err := r.Report(context.Background(), snap, paths, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Len(t, opps, 1)
}

func TestReportCancelled(t *testing.T) {
	reg, _ := profitableCycle(t)
	snap := reg.Snapshot()
	r := newTestReporter(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := r.Report(ctx, snap, enumerateAll(t, snap), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(err))
}

func TestSortOpportunities(t *testing.T) {
	reg := diamond(t)
	snap := reg.Snapshot()
	paths := enumerateAll(t, snap)
	require.Len(t, paths, 6)

	opps := []*Opportunity{
		{Path: paths[3], Profit: big.NewInt(10)},
		{Path: paths[2], Profit: big.NewInt(10)},
		{Path: paths[0], Profit: big.NewInt(10)},
		{Path: paths[4], Profit: big.NewInt(50)},
	}
	SortOpportunities(opps)

	assert.Equal(t, int64(50), opps[0].Profit.Int64())
	assert.Equal(t, 2, opps[1].Path.Len(), "fewer hops first on ties")
	assert.True(t, opps[2].Path.Key() < opps[3].Path.Key())
}
