package arbitrage

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// fees are expressed in basis points of the input amount
const FeeDenominator = 10000

var (
	bigZero  = big.NewInt(0)
	bigFeeDn = big.NewInt(FeeDenominator)
)

// calculates price of token1 in terms of token0 adjusting for decimals.
// display only, nothing in the search path reads floats
func CalculatePrice(reserve0, reserve1 *big.Int, decimals0, decimals1 int) *big.Float {
	r0 := new(big.Float).SetInt(reserve0)
	r1 := new(big.Float).SetInt(reserve1)

	// price = reserve0/reserve1 * 10^(decimals1-decimals0)
	exp := decimals1 - decimals0
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(exp))), nil))

	price := new(big.Float).Quo(r0, r1)
	if exp >= 0 {
		price.Mul(price, scale)
	} else {
		price.Quo(price, scale)
	}
	return price
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func checkReserves(reserveIn, reserveOut *big.Int) error {
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return fmt.Errorf("%w: reserves must be positive", ErrInvalidReserves)
	}
	return nil
}

// an out of range fee is an invalid amount argument; ErrInvalidFee narrows it
func checkFee(feeBps uint32) error {
	if feeBps >= FeeDenominator {
		return fmt.Errorf("%w: %w: %d bps", ErrInvalidAmount, ErrInvalidFee, feeBps)
	}
	return nil
}

// GetAmountOut calculates the output of a constant product swap:
//
//	out = in*(10000-fee)*reserveOut / (reserveIn*10000 + in*(10000-fee))
//
// with floor division. A zero result is valid (input too small).
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount in must be positive", ErrInvalidAmount)
	}
	if err := checkReserves(reserveIn, reserveOut); err != nil {
		return nil, err
	}
	if err := checkFee(feeBps); err != nil {
		return nil, err
	}

	if out, ok := amountOutU256(amountIn, reserveIn, reserveOut, feeBps); ok {
		return out, nil
	}
	return amountOutBig(amountIn, reserveIn, reserveOut, feeBps), nil
}

// 256-bit fast path; ok is false if any operand or intermediate product overflows
func amountOutU256(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) (*big.Int, bool) {
	in, overflow := uint256.FromBig(amountIn)
	if overflow {
		return nil, false
	}
	rIn, overflow := uint256.FromBig(reserveIn)
	if overflow {
		return nil, false
	}
	rOut, overflow := uint256.FromBig(reserveOut)
	if overflow {
		return nil, false
	}

	withFee, overflow := new(uint256.Int).MulOverflow(in, uint256.NewInt(uint64(FeeDenominator-feeBps)))
	if overflow {
		return nil, false
	}
	num, overflow := new(uint256.Int).MulOverflow(withFee, rOut)
	if overflow {
		return nil, false
	}
	den, overflow := new(uint256.Int).MulOverflow(rIn, uint256.NewInt(FeeDenominator))
	if overflow {
		return nil, false
	}
	if _, overflow = den.AddOverflow(den, withFee); overflow {
		return nil, false
	}

	return new(uint256.Int).Div(num, den).ToBig(), true
}

func amountOutBig(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) *big.Int {
	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(FeeDenominator-feeBps)))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)

	denominator := new(big.Int).Mul(reserveIn, bigFeeDn)
	denominator.Add(denominator, amountInWithFee)

	return numerator.Div(numerator, denominator)
}

// GetAmountIn is the inverse of GetAmountOut: the smallest input that
// yields at least amountOut, rounded up with the usual +1.
func GetAmountIn(amountOut, reserveIn, reserveOut *big.Int, feeBps uint32) (*big.Int, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount out must be positive", ErrInvalidAmount)
	}
	if err := checkReserves(reserveIn, reserveOut); err != nil {
		return nil, err
	}
	if err := checkFee(feeBps); err != nil {
		return nil, err
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: amount out %s exceeds reserve %s", ErrInvalidAmount, amountOut, reserveOut)
	}

	numerator := new(big.Int).Mul(reserveIn, amountOut)
	numerator.Mul(numerator, bigFeeDn)

	denominator := new(big.Int).Sub(reserveOut, amountOut)
	denominator.Mul(denominator, big.NewInt(int64(FeeDenominator-feeBps)))

	amountIn := numerator.Div(numerator, denominator)
	return amountIn.Add(amountIn, big.NewInt(1)), nil
}

// PriceImpact returns how far the execution price of a swap falls below
// the pool's spot price, in percent.
func PriceImpact(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) (*big.Float, error) {
	out, err := GetAmountOut(amountIn, reserveIn, reserveOut, feeBps)
	if err != nil {
		return nil, err
	}

	spot := new(big.Float).Quo(new(big.Float).SetInt(reserveOut), new(big.Float).SetInt(reserveIn))
	exec := new(big.Float).Quo(new(big.Float).SetInt(out), new(big.Float).SetInt(amountIn))

	impact := new(big.Float).Sub(spot, exec)
	impact.Quo(impact, spot)
	return impact.Mul(impact, big.NewFloat(100)), nil
}

// SwapPool simulates selling amountIn through p in direction d.
func SwapPool(p *Pool, d Direction, amountIn *big.Int) (*big.Int, error) {
	switch p.Variant {
	case VariantConstantProductV2:
		reserveIn, reserveOut := p.Reserves(d)
		return GetAmountOut(amountIn, reserveIn, reserveOut, p.FeeBps)
	case VariantConcentratedV3:
		return nil, fmt.Errorf("%w: %s pool %s", ErrUnsupportedVariant, p.Variant, p.Address.Hex())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVariant, p.Variant)
	}
}
