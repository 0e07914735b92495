package arbitrage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// opportunity represents a profitable cycle found in one pass
type Opportunity struct {
	PassID          string
	Path            *Path
	Base            Token
	Hops            []HopView
	AmountIn        *big.Int
	AmountOut       *big.Int
	Profit          *big.Int
	ProfitDecimal   decimal.Decimal
	BlockNumber     uint64
	SnapshotVersion uint64
}

// PassStats summarises one Report call.
type PassStats struct {
	PassID          string
	Block           uint64
	SnapshotVersion uint64
	Paths           int
	Evaluated       int
	Skipped         int
	Failed          int
	MemoHits        int
	Opportunities   int
	BestProfit      *big.Int
	Duration        time.Duration
}

type ReporterConfig struct {
	Optimize OptimizeParams
	// concurrent path evaluations, 0 means GOMAXPROCS
	Workers int
	// optimiser results kept across passes, 0 disables memoisation
	MemoSize int
	Logger   *slog.Logger
}

// Reporter evaluates paths against a snapshot and ranks the profitable ones.
type Reporter struct {
	cfg     ReporterConfig
	log     *slog.Logger
	memo    *lru.Cache[string, *Result]
	workers int
}

func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.Optimize.validate(); err != nil {
		return nil, fmt.Errorf("reporter optimize params: %w", err)
	}
	r := &Reporter{cfg: cfg, log: cfg.Logger, workers: cfg.Workers}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.workers <= 0 {
		r.workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MemoSize > 0 {
		memo, err := lru.New[string, *Result](cfg.MemoSize)
		if err != nil {
			return nil, fmt.Errorf("create memo cache: %w", err)
		}
		r.memo = memo
	}
	return r, nil
}

// Reset drops memoised results.
func (r *Reporter) Reset() {
	if r.memo != nil {
		r.memo.Purge()
	}
}

// Report evaluates paths on snap and returns opportunities with
// profit > minProfit, best first. Paths none of whose pools are in touched
// are skipped; a nil touched evaluates every path.
// Per-path failures are logged and counted; only cancellation aborts.
func (r *Reporter) Report(
	ctx context.Context,
	snap *Snapshot,
	paths []*Path,
	touched map[common.Address]struct{},
	minProfit *big.Int,
) ([]*Opportunity, *PassStats, error) {
	start := time.Now()
	if minProfit == nil {
		minProfit = bigZero
	}
	stats := &PassStats{
		PassID:          uuid.NewString(),
		Block:           snap.Block,
		SnapshotVersion: snap.Version,
		Paths:           len(paths),
		BestProfit:      new(big.Int),
	}
	full := touched == nil

	var (
		results = make([]*Result, len(paths))
		failed  atomic.Int64
		hits    atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, p := range paths {
		if !full && !p.Touches(touched) {
			stats.Skipped++
			continue
		}
		if gctx.Err() != nil {
			break
		}
		stats.Evaluated++

		g.Go(func() error {
			res, hit, err := r.evaluate(gctx, snap, p)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failed.Add(1)
				r.log.Warn("path evaluation failed",
					slog.String("path", p.Key()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if hit {
				hits.Add(1)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, stats, fmt.Errorf("report pass %s: %w", stats.PassID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, fmt.Errorf("report pass %s: %w", stats.PassID, err)
	}
	stats.Failed = int(failed.Load())
	stats.MemoHits = int(hits.Load())

	opps := make([]*Opportunity, 0)
	for i, res := range results {
		if res == nil || res.Profit.Cmp(minProfit) <= 0 {
			continue
		}
		opp, err := r.opportunity(snap, paths[i], res, stats.PassID)
		if err != nil {
			stats.Failed++
			r.log.Warn("build opportunity failed",
				slog.String("path", paths[i].Key()),
				slog.String("error", err.Error()),
			)
			continue
		}
		opps = append(opps, opp)
	}
	SortOpportunities(opps)

	stats.Opportunities = len(opps)
	if len(opps) > 0 {
		stats.BestProfit = new(big.Int).Set(opps[0].Profit)
	}
	stats.Duration = time.Since(start)

	r.log.Debug("report pass complete",
		slog.String("pass_id", stats.PassID),
		slog.Uint64("block", stats.Block),
		slog.Int("evaluated", stats.Evaluated),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
		slog.Int("opportunities", stats.Opportunities),
		slog.Duration("duration", stats.Duration),
	)
	return opps, stats, nil
}

func (r *Reporter) evaluate(ctx context.Context, snap *Snapshot, p *Path) (*Result, bool, error) {
	if p.Epoch() != snap.Epoch {
		return nil, false, fmt.Errorf("evaluate %s: %w", p.Key(), ErrStaleSnapshot)
	}
	if r.memo == nil {
		res, err := Optimize(ctx, snap, p, r.cfg.Optimize)
		return res, false, err
	}

	key, err := memoKey(snap, p)
	if err != nil {
		return nil, false, err
	}
	if res, ok := r.memo.Get(key); ok {
		return res, true, nil
	}
	res, err := Optimize(ctx, snap, p, r.cfg.Optimize)
	if err != nil {
		return nil, false, err
	}
	r.memo.Add(key, res)
	return res, false, nil
}

// memoKey is the path key plus a keccak fingerprint of the reserves the
// path reads, so an unchanged pool set hits the cache.
func memoKey(snap *Snapshot, p *Path) (string, error) {
	buf := make([]byte, 0, 64*len(p.hops))
	var lenPrefix [4]byte
	for _, h := range p.hops {
		pool, err := snap.Pool(h.Pool)
		if err != nil {
			return "", err
		}
		for _, reserve := range []*big.Int{pool.Reserve0, pool.Reserve1} {
			b := reserve.Bytes()
			binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(b)))
			buf = append(buf, lenPrefix[:]...)
			buf = append(buf, b...)
		}
	}
	return p.Key() + "@" + crypto.Keccak256Hash(buf).Hex(), nil
}

func (r *Reporter) opportunity(snap *Snapshot, p *Path, res *Result, passID string) (*Opportunity, error) {
	base, ok := snap.Token(p.Base())
	if !ok {
		return nil, fmt.Errorf("%w: base %s", ErrUnknownToken, p.Base().Hex())
	}
	sim, err := Simulate(snap, p, res.AmountIn)
	if err != nil {
		return nil, err
	}

	hops := make([]HopView, len(p.hops))
	for i, h := range p.hops {
		pool, err := snap.Pool(h.Pool)
		if err != nil {
			return nil, err
		}
		hops[i] = HopView{
			Pool:       pool.Address,
			DEX:        pool.DEX,
			TokenIn:    pool.TokenIn(h.Direction).Address,
			TokenOut:   pool.TokenOut(h.Direction).Address,
			ZeroForOne: h.Direction == ZeroForOne,
			FeeBps:     pool.FeeBps,
			AmountIn:   sim.Amounts[i],
			AmountOut:  sim.Amounts[i+1],
		}
	}

	return &Opportunity{
		PassID:          passID,
		Path:            p,
		Base:            base,
		Hops:            hops,
		AmountIn:        res.AmountIn,
		AmountOut:       res.AmountOut,
		Profit:          res.Profit,
		ProfitDecimal:   decimal.NewFromBigInt(res.Profit, -int32(base.Decimals)),
		BlockNumber:     snap.Block,
		SnapshotVersion: snap.Version,
	}, nil
}

// SortOpportunities orders by profit descending, then fewer hops, then path key.
func SortOpportunities(opps []*Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if c := opps[i].Profit.Cmp(opps[j].Profit); c != 0 {
			return c > 0
		}
		if opps[i].Path.Len() != opps[j].Path.Len() {
			return opps[i].Path.Len() < opps[j].Path.Len()
		}
		return opps[i].Path.Key() < opps[j].Path.Key()
	})
}

// IsCancelled reports whether err came from a cancelled or expired context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
