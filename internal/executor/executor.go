package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/shopspring/decimal"
)

// Executor consumes reported opportunities. Submission, signing and gas
// live behind this interface.
type Executor interface {
	Execute(ctx context.Context, opp *arbitrage.Opportunity) (*Settlement, error)
}

// Settlement is the outcome of executing one opportunity
type Settlement struct {
	PassID          string
	PathKey         string
	Success         bool
	EstimatedProfit *big.Int
	RealizedProfit  *big.Int
	Decimals        int
	Reason          string
	Plan            *Plan
}

// DryRun re-simulates opportunities against the registry's current
// reserves and checks the plan's floors instead of sending anything.
type DryRun struct {
	registry  *arbitrage.Registry
	recipient common.Address
	slippage  uint32
	log       *slog.Logger
}

func NewDryRun(reg *arbitrage.Registry, recipient common.Address, slippageBps uint32, log *slog.Logger) *DryRun {
	if log == nil {
		log = slog.Default()
	}
	return &DryRun{registry: reg, recipient: recipient, slippage: slippageBps, log: log}
}

func (d *DryRun) Execute(ctx context.Context, opp *arbitrage.Opportunity) (*Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, err := BuildPlan(opp, d.recipient, d.slippage)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}

	s := &Settlement{
		PassID:          opp.PassID,
		PathKey:         opp.Path.Key(),
		EstimatedProfit: new(big.Int).Set(opp.Profit),
		RealizedProfit:  new(big.Int),
		Decimals:        opp.Base.Decimals,
		Plan:            plan,
	}

	snap := d.registry.Snapshot()
	sim, err := arbitrage.Simulate(snap, opp.Path, opp.AmountIn)
	switch {
	case errors.Is(err, arbitrage.ErrStaleSnapshot):
		s.Reason = "pool set changed since the opportunity was found"
		return s, nil
	case err != nil:
		s.Reason = err.Error()
		return s, nil
	}

	// every hop must still pay at least its floor on current reserves
	for i, call := range plan.Calls {
		got := sim.Amounts[i+1]
		want := call.Amount0Out
		if call.Amount0Out.Sign() == 0 {
			want = call.Amount1Out
		}
		if got.Cmp(want) < 0 {
			s.Reason = fmt.Sprintf("hop %d output %s below floor %s", i, got, want)
			return s, nil
		}
	}

	s.RealizedProfit = sim.Profit()
	s.Success = s.RealizedProfit.Sign() > 0
	if !s.Success {
		s.Reason = "no profit at current reserves"
	}
	d.log.Debug("dry run",
		slog.String("path", s.PathKey),
		slog.Uint64("snapshot_version", snap.Version),
		slog.Bool("success", s.Success),
		slog.String("estimated", s.EstimatedProfit.String()),
		slog.String("realized", s.RealizedProfit.String()),
	)
	return s, nil
}

// compares estimated profit vs realized profit
func (s *Settlement) CompareResults() string {
	if !s.Success {
		return fmt.Sprintf("❌ Dry run FAILED: %s", s.Reason)
	}

	est := decimal.NewFromBigInt(s.EstimatedProfit, -int32(s.Decimals))
	act := decimal.NewFromBigInt(s.RealizedProfit, -int32(s.Decimals))

	pctError := decimal.Zero
	if !est.IsZero() {
		pctError = act.Sub(est).Div(est).Mul(decimal.NewFromInt(100))
	}

	return fmt.Sprintf(
		"Estimated: %s | Realized: %s | Error: %s%%",
		est.StringFixed(6),
		act.StringFixed(6),
		pctError.StringFixed(2),
	)
}
