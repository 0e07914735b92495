package arbitrage

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *recordingObserver) ObservePass(_ *PassStats, err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func newTestSession(t *testing.T, reg *Registry, obs PassObserver) *Session {
	t.Helper()
	s, err := NewSession(reg, SessionConfig{
		Base:      usdc.Address,
		MaxHops:   3,
		MinProfit: big.NewInt(0),
		Optimize:  params(10000, 100, ModeGreedy),
		Workers:   2,
		MemoSize:  128,
		Observer:  obs,
	})
	require.NoError(t, err)
	return s
}

func waitGen(t *testing.T, s *Session, gen uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.gen == gen
	}, 2*time.Second, time.Millisecond)
}

func TestSessionTrigger(t *testing.T) {
	reg, _ := profitableCycle(t)
	obs := &recordingObserver{}
	s := newTestSession(t, reg, obs)

	opps, stats, err := s.Trigger(context.Background(), Trigger{Block: 100})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, int64(298), opps[0].Profit.Int64())
	assert.Equal(t, uint64(100), stats.Block)
	assert.Len(t, s.Paths(), 2)
	assert.Equal(t, []error{nil}, obs.errs)
}

func TestSessionRebuildsOnTopologyChange(t *testing.T) {
	reg, _ := profitableCycle(t)
	s := newTestSession(t, reg, nil)

	n, err := s.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// a second USDC/B venue adds two 2-hop and two 3-hop cycles
	mustAdd(t, reg, v2Pool(pool4, usdc, tokB, 100000, 52000))
	_, stats, err := s.Trigger(context.Background(), Trigger{Block: 101, Touched: []common.Address{pool4}})
	require.NoError(t, err)
	assert.Len(t, s.Paths(), 6)
	assert.Equal(t, 6, stats.Evaluated, "new topology is evaluated in full")
}

func TestSessionSupersede(t *testing.T) {
	reg, _ := profitableCycle(t)
	obs := &recordingObserver{}
	s := newTestSession(t, reg, obs)

	// hold the pass lock so both triggers queue up behind it
	s.run.Lock()

	type outcome struct {
		opps []*Opportunity
		err  error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		opps, _, err := s.Trigger(context.Background(), Trigger{Block: 1})
		first <- outcome{opps, err}
	}()
	waitGen(t, s, 1)
	go func() {
		opps, _, err := s.Trigger(context.Background(), Trigger{Block: 2})
		second <- outcome{opps, err}
	}()
	waitGen(t, s, 2)
	s.run.Unlock()

	got1 := <-first
	got2 := <-second
	assert.ErrorIs(t, got1.err, ErrSuperseded)
	assert.Nil(t, got1.opps)
	require.NoError(t, got2.err)
	assert.Len(t, got2.opps, 1)
}

// pools touched by a superseded trigger are evaluated by the next pass
func TestSessionCarriesTouchedPools(t *testing.T) {
	reg, _ := profitableCycle(t)
	s := newTestSession(t, reg, nil)
	_, _, err := s.Trigger(context.Background(), Trigger{Block: 1})
	require.NoError(t, err)

	unrelated := common.HexToAddress("0x0000000000000000000000000000000000009999")
	s.run.Lock()
	first := make(chan error, 1)
	second := make(chan *PassStats, 1)
	go func() {
		_, _, err := s.Trigger(context.Background(), Trigger{Block: 2, Touched: []common.Address{pool2}})
		first <- err
	}()
	waitGen(t, s, 2)
	go func() {
		_, stats, err := s.Trigger(context.Background(), Trigger{Block: 3, Touched: []common.Address{unrelated}})
		assert.NoError(t, err)
		second <- stats
	}()
	waitGen(t, s, 3)
	s.run.Unlock()

	assert.ErrorIs(t, <-first, ErrSuperseded)
	stats := <-second
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Evaluated)

	// and once delivered the carried set is cleared
	_, stats, err = s.Trigger(context.Background(), Trigger{Block: 4, Touched: []common.Address{unrelated}})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Evaluated)
}

// onMessage runs fn the first time a record with msg is logged
type onMessage struct {
	msg  string
	once sync.Once
	fn   func()
}

func (h *onMessage) Enabled(context.Context, slog.Level) bool { return true }

func (h *onMessage) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.once.Do(h.fn)
	}
	return nil
}

func (h *onMessage) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *onMessage) WithGroup(string) slog.Handler      { return h }

// the first evaluation must reach every path even when the pass that ran
// it was superseded after reporting
func TestSessionFirstPassSupersededAfterReport(t *testing.T) {
	reg, _ := profitableCycle(t)
	unrelated := common.HexToAddress("0x0000000000000000000000000000000000009999")

	var s *Session
	type outcome struct {
		opps  []*Opportunity
		stats *PassStats
		err   error
	}
	second := make(chan outcome, 1)
	hook := &onMessage{msg: "report pass complete"}
	hook.fn = func() {
		go func() {
			opps, stats, err := s.Trigger(context.Background(), Trigger{Block: 2, Touched: []common.Address{unrelated}})
			second <- outcome{opps, stats, err}
		}()
		// block the first pass until the second trigger has bumped the generation
		for !s.superseded(1) {
			time.Sleep(time.Millisecond)
		}
	}

	var err error
	s, err = NewSession(reg, SessionConfig{
		Base:      usdc.Address,
		MaxHops:   3,
		MinProfit: big.NewInt(0),
		Optimize:  params(10000, 100, ModeGreedy),
		Workers:   2,
		MemoSize:  128,
		Logger:    slog.New(hook),
	})
	require.NoError(t, err)

	_, _, err = s.Trigger(context.Background(), Trigger{Block: 1, Touched: []common.Address{}})
	assert.ErrorIs(t, err, ErrSuperseded)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, 2, got.stats.Evaluated)
	require.Len(t, got.opps, 1)
	assert.Equal(t, int64(298), got.opps[0].Profit.Int64())

	// delivered, so untouched paths are skipped from now on
	_, stats, err := s.Trigger(context.Background(), Trigger{Block: 3, Touched: []common.Address{unrelated}})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Evaluated)
}

// rebuilding paths makes the next pass a full one again
func TestSessionRebuildEvaluatesAll(t *testing.T) {
	reg, _ := profitableCycle(t)
	s := newTestSession(t, reg, nil)
	unrelated := common.HexToAddress("0x0000000000000000000000000000000000009999")

	_, _, err := s.Trigger(context.Background(), Trigger{Block: 1})
	require.NoError(t, err)
	_, err = s.Rebuild(context.Background())
	require.NoError(t, err)

	opps, stats, err := s.Trigger(context.Background(), Trigger{Block: 2, Touched: []common.Address{unrelated}})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Evaluated)
	assert.Len(t, opps, 1)
}

func TestSessionParentCancelled(t *testing.T) {
	reg, _ := profitableCycle(t)
	obs := &recordingObserver{}
	s := newTestSession(t, reg, obs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.Trigger(ctx, Trigger{Block: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrSuperseded)
	require.Len(t, obs.errs, 1)
	assert.Error(t, obs.errs[0])

	// a cancelled pass does not count as the first evaluation
	_, stats, err := s.Trigger(context.Background(), Trigger{Block: 2, Touched: []common.Address{}})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Evaluated)
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(nil, SessionConfig{})
	assert.Error(t, err)

	_, err = NewSession(NewRegistry(), SessionConfig{MaxHops: 1, Optimize: params(1, 1, ModeGreedy)})
	assert.Error(t, err)

	_, err = NewSession(NewRegistry(), SessionConfig{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
