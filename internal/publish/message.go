// Package publish hands reported opportunities to whatever executes them.
package publish

import (
	"fmt"
	"time"

	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/sugawarayuuta/sonnet"
)

// HopMessage is one hop of a published opportunity
type HopMessage struct {
	Pool       string `json:"pool"`
	DEX        string `json:"dex"`
	TokenIn    string `json:"token_in"`
	TokenOut   string `json:"token_out"`
	ZeroForOne bool   `json:"zero_for_one"`
	FeeBps     uint32 `json:"fee_bps"`
	AmountIn   string `json:"amount_in"`
	AmountOut  string `json:"amount_out"`
}

// Message is the wire form of an opportunity. Amounts are base-10 strings
// in the token's smallest unit.
type Message struct {
	PathKey         string       `json:"path_key"`
	Route           string       `json:"route"`
	Base            string       `json:"base"`
	BaseSymbol      string       `json:"base_symbol,omitempty"`
	AmountIn        string       `json:"amount_in"`
	AmountOut       string       `json:"amount_out"`
	Profit          string       `json:"profit"`
	ProfitDecimal   string       `json:"profit_decimal"`
	SnapshotVersion uint64       `json:"snapshot_version"`
	Hops            []HopMessage `json:"hops"`
}

// Batch is everything one pass reported, best first
type Batch struct {
	PassID        string    `json:"pass_id"`
	Block         uint64    `json:"block"`
	Evaluated     int       `json:"evaluated"`
	BestProfit    string    `json:"best_profit"`
	Opportunities []Message `json:"opportunities"`
	PublishedAt   int64     `json:"published_at_ms"`
}

func NewBatch(opps []*arbitrage.Opportunity, stats *arbitrage.PassStats) Batch {
	b := Batch{
		Opportunities: make([]Message, 0, len(opps)),
		BestProfit:    "0",
		PublishedAt:   time.Now().UnixMilli(),
	}
	if stats != nil {
		b.PassID = stats.PassID
		b.Block = stats.Block
		b.Evaluated = stats.Evaluated
		if stats.BestProfit != nil {
			b.BestProfit = stats.BestProfit.String()
		}
	}
	for _, o := range opps {
		b.Opportunities = append(b.Opportunities, toMessage(o))
	}
	return b
}

func toMessage(o *arbitrage.Opportunity) Message {
	m := Message{
		PathKey:         o.Path.Key(),
		Route:           o.Path.String(),
		Base:            o.Base.Address.Hex(),
		BaseSymbol:      o.Base.Symbol,
		AmountIn:        o.AmountIn.String(),
		AmountOut:       o.AmountOut.String(),
		Profit:          o.Profit.String(),
		ProfitDecimal:   o.ProfitDecimal.String(),
		SnapshotVersion: o.SnapshotVersion,
		Hops:            make([]HopMessage, len(o.Hops)),
	}
	for i, h := range o.Hops {
		m.Hops[i] = HopMessage{
			Pool:       h.Pool.Hex(),
			DEX:        h.DEX,
			TokenIn:    h.TokenIn.Hex(),
			TokenOut:   h.TokenOut.Hex(),
			ZeroForOne: h.ZeroForOne,
			FeeBps:     h.FeeBps,
			AmountIn:   h.AmountIn.String(),
			AmountOut:  h.AmountOut.String(),
		}
	}
	return m
}

func Encode(b Batch) ([]byte, error) {
	data, err := sonnet.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", b.PassID, err)
	}
	return data, nil
}

func Decode(data []byte) (Batch, error) {
	var b Batch
	if err := sonnet.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("decode batch: %w", err)
	}
	return b, nil
}
