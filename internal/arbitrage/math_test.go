package arbitrage

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAmountOut(t *testing.T) {
	tests := []struct {
		name       string
		in, rI, rO int64
		fee        uint32
		want       int64
	}{
		{"30bps", 1000, 100000, 50000, 30, 493},
		{"no fee", 1000, 100000, 50000, 0, 495},
		{"dust rounds to zero", 1, 100000, 50000, 30, 0},
		{"hop two of cycle", 592, 80000, 80000, 30, 585},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetAmountOut(big.NewInt(tt.in), big.NewInt(tt.rI), big.NewInt(tt.rO), tt.fee)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestGetAmountOutErrors(t *testing.T) {
	one := big.NewInt(1)
	_, err := GetAmountOut(big.NewInt(0), one, one, 30)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = GetAmountOut(big.NewInt(-5), one, one, 30)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = GetAmountOut(one, big.NewInt(0), one, 30)
	assert.ErrorIs(t, err, ErrInvalidReserves)

	_, err = GetAmountOut(one, one, nil, 30)
	assert.ErrorIs(t, err, ErrInvalidReserves)

	_, err = GetAmountOut(one, one, one, 10000)
	assert.ErrorIs(t, err, ErrInvalidFee)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = GetAmountIn(one, big.NewInt(10), big.NewInt(10), 20000)
	assert.ErrorIs(t, err, ErrInvalidFee)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestGetAmountOutMatchesBigPath(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		in := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 112))
		in.Add(in, big.NewInt(1))
		rIn := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 112))
		rIn.Add(rIn, big.NewInt(1))
		rOut := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 112))
		rOut.Add(rOut, big.NewInt(1))
		fee := uint32(rng.Intn(1000))

		fast, ok := amountOutU256(in, rIn, rOut, fee)
		require.True(t, ok)
		assert.Equal(t, 0, fast.Cmp(amountOutBig(in, rIn, rOut, fee)))
	}
}

func TestGetAmountOutOverflowFallsBack(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	_, ok := amountOutU256(huge, huge, huge, 30)
	assert.False(t, ok)

	got, err := GetAmountOut(huge, huge, huge, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(amountOutBig(huge, huge, huge, 30)))
	assert.True(t, got.Cmp(huge) < 0)
}

func TestGetAmountIn(t *testing.T) {
	got, err := GetAmountIn(big.NewInt(493), big.NewInt(100000), big.NewInt(50000), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(999), got.Int64())

	_, err = GetAmountIn(big.NewInt(50000), big.NewInt(100000), big.NewInt(50000), 30)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// getAmountIn(getAmountOut(x)) never asks for more than x+1, and the
// amount it asks for always buys at least the requested output.
func TestAmountInOutRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	fees := []uint32{0, 5, 30, 100}
	for i := 0; i < 2000; i++ {
		x := big.NewInt(rng.Int63n(1_000_000) + 1)
		rIn := big.NewInt(rng.Int63n(1_000_000) + 1)
		rOut := big.NewInt(rng.Int63n(1_000_000) + 1)
		fee := fees[rng.Intn(len(fees))]

		y, err := GetAmountOut(x, rIn, rOut, fee)
		require.NoError(t, err)
		if y.Sign() == 0 {
			continue
		}
		in, err := GetAmountIn(y, rIn, rOut, fee)
		require.NoError(t, err)
		assert.True(t, in.Cmp(new(big.Int).Add(x, big.NewInt(1))) <= 0, "in=%s x=%s", in, x)

		back, err := GetAmountOut(in, rIn, rOut, fee)
		require.NoError(t, err)
		assert.True(t, back.Cmp(y) >= 0, "back=%s y=%s", back, y)
	}
}

func TestAmountOutMonotonic(t *testing.T) {
	rIn, rOut := big.NewInt(100000), big.NewInt(50000)
	for _, fee := range []uint32{0, 5, 30, 100, 9999} {
		prev := big.NewInt(0)
		for x := int64(1); x < 5000; x++ {
			out, err := GetAmountOut(big.NewInt(x), rIn, rOut, fee)
			require.NoError(t, err)
			require.True(t, out.Cmp(prev) >= 0, "fee %d: out(%d)=%s < out(%d)=%s", fee, x, out, x-1, prev)
			prev = out
		}
	}
}

func TestAmountOutFeeNeverHelps(t *testing.T) {
	rIn, rOut := big.NewInt(100000), big.NewInt(50000)
	for x := int64(1); x < 5000; x++ {
		in := big.NewInt(x)
		free, err := GetAmountOut(in, rIn, rOut, 0)
		require.NoError(t, err)
		for _, fee := range []uint32{1, 30, 100, 3000} {
			paid, err := GetAmountOut(in, rIn, rOut, fee)
			require.NoError(t, err)
			require.True(t, free.Cmp(paid) >= 0, "x=%d fee %d: %s > %s", x, fee, paid, free)
		}
	}
}

func TestAmountOutDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		x := big.NewInt(rng.Int63n(1_000_000) + 1)
		rIn := big.NewInt(rng.Int63n(1_000_000) + 1)
		rOut := big.NewInt(rng.Int63n(1_000_000) + 1)
		fee := uint32(rng.Intn(FeeDenominator))

		first, err := GetAmountOut(x, rIn, rOut, fee)
		require.NoError(t, err)
		second, err := GetAmountOut(new(big.Int).Set(x), new(big.Int).Set(rIn), new(big.Int).Set(rOut), fee)
		require.NoError(t, err)
		require.Equal(t, first.String(), second.String())
		require.Equal(t, first.String(), amountOutBig(x, rIn, rOut, fee).String())
	}
}

func TestPriceImpact(t *testing.T) {
	small, err := PriceImpact(big.NewInt(10), big.NewInt(1_000_000), big.NewInt(1_000_000), 0)
	require.NoError(t, err)
	large, err := PriceImpact(big.NewInt(100_000), big.NewInt(1_000_000), big.NewInt(1_000_000), 0)
	require.NoError(t, err)

	s, _ := small.Float64()
	l, _ := large.Float64()
	assert.Less(t, s, l)
	assert.InDelta(t, 9.09, l, 0.01)
}

func TestCalculatePrice(t *testing.T) {
	// 2000 USDC (6 decimals) against 1 WETH (18 decimals)
	r0 := big.NewInt(2000_000000)
	r1 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	price, _ := CalculatePrice(r0, r1, 6, 18).Float64()
	assert.InDelta(t, 2000.0, price, 1e-9)

	inverse, _ := CalculatePrice(r1, r0, 18, 6).Float64()
	assert.InDelta(t, 0.0005, inverse, 1e-12)
}

func TestSwapPoolVariants(t *testing.T) {
	p := v2Pool(pool1, usdc, tokB, 100000, 50000)
	out, err := SwapPool(&p, ZeroForOne, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(493), out.Int64())

	back, err := SwapPool(&p, OneForZero, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(1955), back.Int64())

	p.Variant = VariantConcentratedV3
	_, err = SwapPool(&p, ZeroForOne, big.NewInt(1000))
	assert.ErrorIs(t, err, ErrUnsupportedVariant)
}
