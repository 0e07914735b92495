package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PassObserver is notified after every Trigger, including failed and
// superseded ones (stats may be nil then).
type PassObserver interface {
	ObservePass(stats *PassStats, err error)
}

type SessionConfig struct {
	Base      common.Address
	MaxHops   int
	Blacklist []common.Address
	MinProfit *big.Int
	Optimize  OptimizeParams
	Workers   int
	MemoSize  int
	Observer  PassObserver
	Logger    *slog.Logger
}

// Trigger asks for a pass. A nil Touched means every path is re-evaluated.
type Trigger struct {
	Block   uint64
	Touched []common.Address
}

// Session owns a registry, the paths enumerated from it and a reporter.
// Triggers supersede each other: starting a pass cancels the one in
// flight, and a pass whose trigger is no longer the latest never delivers.
type Session struct {
	cfg       SessionConfig
	registry  *Registry
	reporter  *Reporter
	log       *slog.Logger
	blacklist map[common.Address]struct{}

	// serialises passes and rebuilds; guards paths
	run        sync.Mutex
	paths      []*Path
	pathsEpoch uint64
	built      bool

	mu         sync.Mutex
	gen        uint64
	cancel     context.CancelFunc
	pending    map[common.Address]struct{}
	pendingAll bool
	// set once a pass over the current paths has been delivered
	primed bool
}

func NewSession(reg *Registry, cfg SessionConfig) (*Session, error) {
	if reg == nil {
		return nil, errors.New("new session: nil registry")
	}
	if _, err := normalizeHops(cfg.MaxHops); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	reporter, err := NewReporter(ReporterConfig{
		Optimize: cfg.Optimize,
		Workers:  cfg.Workers,
		MemoSize: cfg.MemoSize,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	blacklist := make(map[common.Address]struct{}, len(cfg.Blacklist))
	for _, a := range cfg.Blacklist {
		blacklist[a] = struct{}{}
	}
	return &Session{
		cfg:       cfg,
		registry:  reg,
		reporter:  reporter,
		log:       log,
		blacklist: blacklist,
		pending:   make(map[common.Address]struct{}),
	}, nil
}

func (s *Session) Registry() *Registry { return s.registry }

// Paths returns the currently enumerated paths.
func (s *Session) Paths() []*Path {
	s.run.Lock()
	defer s.run.Unlock()
	out := make([]*Path, len(s.paths))
	copy(out, s.paths)
	return out
}

// Rebuild re-enumerates paths from a fresh snapshot and returns how many were found.
func (s *Session) Rebuild(ctx context.Context) (int, error) {
	s.run.Lock()
	defer s.run.Unlock()
	return s.rebuild(ctx, s.registry.Snapshot())
}

func (s *Session) rebuild(ctx context.Context, snap *Snapshot) (int, error) {
	paths, err := Enumerate(ctx, snap, EnumerateOptions{
		Base:      s.cfg.Base,
		MaxHops:   s.cfg.MaxHops,
		Blacklist: s.blacklist,
	})
	if err != nil {
		return 0, fmt.Errorf("enumerate paths: %w", err)
	}
	s.paths = paths
	s.pathsEpoch = snap.Epoch
	s.built = true
	s.reporter.Reset()
	s.mu.Lock()
	s.primed = false
	s.mu.Unlock()

	s.log.Info("paths enumerated",
		slog.Int("paths", len(paths)),
		slog.Int("pools", snap.Len()),
		slog.Uint64("epoch", snap.Epoch),
	)
	return len(paths), nil
}

// Trigger runs a pass for t. It returns ErrSuperseded if another Trigger
// call started before this one finished; the touched pools of a superseded
// pass are carried into the next one.
func (s *Session) Trigger(ctx context.Context, t Trigger) ([]*Opportunity, *PassStats, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
	}
	passCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if t.Touched == nil {
		s.pendingAll = true
	}
	for _, a := range t.Touched {
		s.pending[a] = struct{}{}
	}
	s.mu.Unlock()
	defer cancel()

	opps, stats, err := s.pass(passCtx, gen, t.Block)
	if err != nil && s.superseded(gen) {
		err = ErrSuperseded
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObservePass(stats, err)
	}
	if err != nil {
		return nil, stats, err
	}
	return opps, stats, nil
}

func (s *Session) pass(ctx context.Context, gen, block uint64) ([]*Opportunity, *PassStats, error) {
	s.run.Lock()
	defer s.run.Unlock()

	if s.superseded(gen) {
		return nil, nil, ErrSuperseded
	}

	s.registry.SetBlock(block)
	snap := s.registry.Snapshot()
	if !s.built || snap.Epoch != s.pathsEpoch {
		if _, err := s.rebuild(ctx, snap); err != nil {
			return nil, nil, err
		}
	}

	touched := s.takePending()
	opps, stats, err := s.reporter.Report(ctx, snap, s.paths, touched, s.cfg.MinProfit)
	if err != nil {
		return nil, stats, err
	}

	// results are only delivered, and the pending set only cleared, by the latest trigger
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil, stats, ErrSuperseded
	}
	s.pending = make(map[common.Address]struct{})
	s.pendingAll = false
	s.primed = true
	return opps, stats, nil
}

func (s *Session) superseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// copy of the accumulated touched set, nil when a full pass is due: a
// trigger asked for one, or no pass over the current paths was delivered yet
func (s *Session) takePending() map[common.Address]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingAll || !s.primed {
		return nil
	}
	out := make(map[common.Address]struct{}, len(s.pending))
	for a := range s.pending {
		out[a] = struct{}{}
	}
	return out
}
