package executor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
)

const bpsDenominator = 10000

var (
	pairABI  = mustParseABI(eth.UniswapV2PairABI)
	erc20ABI = mustParseABI(eth.ERC20ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// HopCall is one pair.swap of a plan. Output goes straight to the next
// pool, the last hop pays the recipient.
type HopCall struct {
	Pool       common.Address
	To         common.Address
	Amount0Out *big.Int
	Amount1Out *big.Int
	Data       []byte
}

// Plan is the call sequence an on-chain executor would run: fund the first
// pool with the input, then swap hop by hop.
type Plan struct {
	Token     common.Address
	FundPool  common.Address
	AmountIn  *big.Int
	Transfer  []byte
	Calls     []HopCall
	MinOut    *big.Int
	Slippage  uint32
	Recipient common.Address
}

// MinProfit is what the plan guarantees if every floor is met; may be negative.
func (p *Plan) MinProfit() *big.Int {
	return new(big.Int).Sub(p.MinOut, p.AmountIn)
}

// creates calldata for pair.swap(amount0Out, amount1Out, to, data)
func BuildSwapCalldata(amount0Out, amount1Out *big.Int, to common.Address) ([]byte, error) {
	calldata, err := pairABI.Pack("swap", amount0Out, amount1Out, to, []byte{})
	if err != nil {
		return nil, fmt.Errorf("failed to pack swap calldata: %w", err)
	}
	return calldata, nil
}

// floor applies the slippage haircut once per hop so far: the floor of hop
// i is expected * ((10000-bps)/10000)^(i+1). Swap output is concave in the
// input, so a shortfall upstream never makes a later floor unreachable on
// unchanged reserves.
func floor(expected *big.Int, slippageBps uint32, hop int) *big.Int {
	out := new(big.Int).Set(expected)
	keep := big.NewInt(int64(bpsDenominator - slippageBps))
	den := big.NewInt(bpsDenominator)
	for i := 0; i <= hop; i++ {
		out.Mul(out, keep)
		out.Quo(out, den)
	}
	return out
}

// BuildPlan turns a reported opportunity into per-hop swap calls paying
// recipient, each requesting its slippage floor.
func BuildPlan(opp *arbitrage.Opportunity, recipient common.Address, slippageBps uint32) (*Plan, error) {
	if slippageBps >= bpsDenominator {
		return nil, fmt.Errorf("slippage %d bps out of range", slippageBps)
	}
	if len(opp.Hops) < arbitrage.MinHops {
		return nil, fmt.Errorf("opportunity %s: %w", opp.PassID, arbitrage.ErrPathIntegrity)
	}

	transfer, err := erc20ABI.Pack("transfer", opp.Hops[0].Pool, opp.AmountIn)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}

	plan := &Plan{
		Token:     opp.Base.Address,
		FundPool:  opp.Hops[0].Pool,
		AmountIn:  new(big.Int).Set(opp.AmountIn),
		Transfer:  transfer,
		Calls:     make([]HopCall, len(opp.Hops)),
		Slippage:  slippageBps,
		Recipient: recipient,
	}

	for i, h := range opp.Hops {
		to := recipient
		if i+1 < len(opp.Hops) {
			to = opp.Hops[i+1].Pool
		}
		out := floor(h.AmountOut, slippageBps, i)

		amount0Out, amount1Out := new(big.Int), new(big.Int)
		if h.ZeroForOne {
			amount1Out.Set(out)
		} else {
			amount0Out.Set(out)
		}
		data, err := BuildSwapCalldata(amount0Out, amount1Out, to)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		plan.Calls[i] = HopCall{
			Pool:       h.Pool,
			To:         to,
			Amount0Out: amount0Out,
			Amount1Out: amount1Out,
			Data:       data,
		}
		plan.MinOut = out
	}
	return plan, nil
}
