package arbitrage

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

// SearchMode selects how Optimize scans the input range.
type SearchMode uint8

const (
	// scan upwards in steps, stop at the first strict decrease in profit
	ModeGreedy SearchMode = iota
	// scan the full range, used to validate greedy
	ModeExhaustive
	// ternary search over [step, max], an approximation for huge ranges
	ModeTernary
)

func (m SearchMode) String() string {
	switch m {
	case ModeGreedy:
		return "greedy"
	case ModeExhaustive:
		return "exhaustive"
	case ModeTernary:
		return "ternary"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

func ParseSearchMode(s string) (SearchMode, error) {
	switch strings.ToLower(s) {
	case "", "greedy":
		return ModeGreedy, nil
	case "exhaustive":
		return ModeExhaustive, nil
	case "ternary":
		return ModeTernary, nil
	}
	return 0, fmt.Errorf("unknown search mode %q", s)
}

const defaultTernaryIterations = 100

type OptimizeParams struct {
	MaxAmountIn *big.Int
	StepSize    *big.Int
	Mode        SearchMode
	// cap on ternary narrowing rounds, 0 means default
	TernaryIterations int
}

func (p OptimizeParams) validate() error {
	if p.MaxAmountIn == nil || p.MaxAmountIn.Sign() <= 0 {
		return fmt.Errorf("%w: max amount in must be positive", ErrInvalidAmount)
	}
	if p.StepSize == nil || p.StepSize.Sign() <= 0 {
		return fmt.Errorf("%w: step size must be positive", ErrInvalidAmount)
	}
	return nil
}

// Simulation is the hop-by-hop result of pushing an amount through a path.
// Amounts[i] is the input of hop i; the last element is the final output.
type Simulation struct {
	Amounts []*big.Int
}

func (s *Simulation) AmountIn() *big.Int  { return s.Amounts[0] }
func (s *Simulation) AmountOut() *big.Int { return s.Amounts[len(s.Amounts)-1] }

// Profit is output minus input; it can be negative.
func (s *Simulation) Profit() *big.Int {
	return new(big.Int).Sub(s.AmountOut(), s.AmountIn())
}

// Simulate threads amountIn through every hop of path using the reserves
// in snap. A zero amount at any hop yields zero from there on.
func Simulate(snap *Snapshot, path *Path, amountIn *big.Int) (*Simulation, error) {
	if path.epoch != snap.Epoch {
		return nil, fmt.Errorf("simulate %s: %w (path epoch %d, snapshot epoch %d)", path.key, ErrStaleSnapshot, path.epoch, snap.Epoch)
	}
	if amountIn == nil || amountIn.Sign() < 0 {
		return nil, fmt.Errorf("simulate %s: %w", path.key, ErrInvalidAmount)
	}

	amounts := make([]*big.Int, 0, len(path.hops)+1)
	amount := new(big.Int).Set(amountIn)
	amounts = append(amounts, amount)

	for i, h := range path.hops {
		if amount.Sign() == 0 {
			amounts = append(amounts, amount)
			continue
		}
		pool, err := snap.Pool(h.Pool)
		if err != nil {
			return nil, fmt.Errorf("simulate %s hop %d: %w", path.key, i, err)
		}
		amount, err = SwapPool(pool, h.Direction, amount)
		if err != nil {
			return nil, fmt.Errorf("simulate %s hop %d: %w", path.key, i, err)
		}
		amounts = append(amounts, amount)
	}
	return &Simulation{Amounts: amounts}, nil
}

// Result is the best input found for a path. A path with no profitable
// input reports AmountIn = Profit = 0.
type Result struct {
	AmountIn    *big.Int
	AmountOut   *big.Int
	Profit      *big.Int
	Evaluations int
}

func zeroResult() *Result {
	return &Result{AmountIn: new(big.Int), AmountOut: new(big.Int), Profit: new(big.Int)}
}

// Profitable reports whether the result beats zero.
func (r *Result) Profitable() bool { return r.Profit.Sign() > 0 }

type scanner struct {
	ctx   context.Context
	snap  *Snapshot
	path  *Path
	best  *Result
	evals int
}

// eval simulates one amount, keeps it if it strictly beats the best so far
// and returns its profit.
func (s *scanner) eval(amount *big.Int) (*big.Int, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	s.evals++
	sim, err := Simulate(s.snap, s.path, amount)
	if err != nil {
		return nil, err
	}
	profit := sim.Profit()
	if profit.Cmp(s.best.Profit) > 0 {
		s.best = &Result{
			AmountIn:  new(big.Int).Set(amount),
			AmountOut: sim.AmountOut(),
			Profit:    profit,
		}
	}
	return profit, nil
}

// Optimize finds the input in [0, MaxAmountIn] that maximises profit on
// path. Profit is never negative: when nothing beats zero the result is
// the (0, 0) sentinel.
func Optimize(ctx context.Context, snap *Snapshot, path *Path, params OptimizeParams) (*Result, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	s := &scanner{ctx: ctx, snap: snap, path: path, best: zeroResult()}

	var err error
	switch params.Mode {
	case ModeGreedy:
		err = s.linear(params.MaxAmountIn, params.StepSize, true)
	case ModeExhaustive:
		err = s.linear(params.MaxAmountIn, params.StepSize, false)
	case ModeTernary:
		err = s.ternary(params.MaxAmountIn, params.StepSize, params.TernaryIterations)
	default:
		err = fmt.Errorf("unknown search mode %s", params.Mode)
	}
	if err != nil {
		return nil, err
	}
	s.best.Evaluations = s.evals
	return s.best, nil
}

// scans 0, step, 2*step, ... <= max
func (s *scanner) linear(max, step *big.Int, stopOnDecrease bool) error {
	var prev *big.Int
	for amount := new(big.Int); amount.Cmp(max) <= 0; amount = new(big.Int).Add(amount, step) {
		profit, err := s.eval(amount)
		if err != nil {
			return err
		}
		if stopOnDecrease && prev != nil && profit.Cmp(prev) < 0 {
			return nil
		}
		prev = profit
	}
	return nil
}

// ternary search, generalised from the two-pool optimiser. Narrows
// [step, max] until the window is a few units wide, then scans it.
func (s *scanner) ternary(max, step *big.Int, iterations int) error {
	if iterations <= 0 {
		iterations = defaultTernaryIterations
	}
	left := new(big.Int).Set(step)
	if left.Cmp(max) > 0 {
		left.Set(max)
	}
	right := new(big.Int).Set(max)
	three := big.NewInt(3)

	for i := 0; i < iterations; i++ {
		third := new(big.Int).Sub(right, left)
		third.Div(third, three)
		if third.Sign() == 0 {
			break
		}
		mid1 := new(big.Int).Add(left, third)
		mid2 := new(big.Int).Sub(right, third)

		profit1, err := s.eval(mid1)
		if err != nil {
			return err
		}
		profit2, err := s.eval(mid2)
		if err != nil {
			return err
		}

		if profit1.Cmp(profit2) > 0 {
			right = mid2
		} else {
			left = mid1
		}
	}

	// iteration cap hit on a wide range: only the window edges are checked
	if new(big.Int).Sub(right, left).Cmp(big.NewInt(ternaryTailWidth)) > 0 {
		if _, err := s.eval(left); err != nil {
			return err
		}
		_, err := s.eval(right)
		return err
	}
	for amount := new(big.Int).Set(left); amount.Cmp(right) <= 0; amount = new(big.Int).Add(amount, big.NewInt(1)) {
		if _, err := s.eval(amount); err != nil {
			return err
		}
	}
	return nil
}

const ternaryTailWidth = 16

// CrossCheckResult compares the greedy scan with the exhaustive one on the
// same path. Divergent means greedy stopped at a local maximum.
type CrossCheckResult struct {
	Path       *Path
	Greedy     *Result
	Exhaustive *Result
	Divergent  bool
}

func CrossCheck(ctx context.Context, snap *Snapshot, path *Path, params OptimizeParams) (*CrossCheckResult, error) {
	params.Mode = ModeGreedy
	greedy, err := Optimize(ctx, snap, path, params)
	if err != nil {
		return nil, fmt.Errorf("greedy scan: %w", err)
	}
	params.Mode = ModeExhaustive
	exhaustive, err := Optimize(ctx, snap, path, params)
	if err != nil {
		return nil, fmt.Errorf("exhaustive scan: %w", err)
	}
	return &CrossCheckResult{
		Path:       path,
		Greedy:     greedy,
		Exhaustive: exhaustive,
		Divergent:  exhaustive.Profit.Cmp(greedy.Profit) > 0,
	}, nil
}

// CrossCheckReport sums up CrossCheck over a set of paths.
type CrossCheckReport struct {
	Checked   int
	Failed    int
	Divergent []*CrossCheckResult
}

// CrossCheckPaths runs CrossCheck on every path, including the ones greedy
// finds nothing on. Paths that cannot be simulated count as failed; only
// cancellation ends the run early.
func CrossCheckPaths(ctx context.Context, snap *Snapshot, paths []*Path, params OptimizeParams) (*CrossCheckReport, error) {
	report := &CrossCheckReport{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		cc, err := CrossCheck(ctx, snap, p, params)
		if err != nil {
			if IsCancelled(err) {
				return report, err
			}
			report.Failed++
			continue
		}
		report.Checked++
		if cc.Divergent {
			report.Divergent = append(report.Divergent, cc)
		}
	}
	return report, nil
}
