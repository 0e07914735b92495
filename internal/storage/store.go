package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
)

const schema = `
CREATE TABLE IF NOT EXISTS pools (
	address    TEXT PRIMARY KEY,
	dex        TEXT NOT NULL,
	variant    TEXT NOT NULL,
	token0     TEXT NOT NULL,
	token1     TEXT NOT NULL,
	decimals0  INTEGER NOT NULL,
	decimals1  INTEGER NOT NULL,
	symbol0    TEXT NOT NULL DEFAULT '',
	symbol1    TEXT NOT NULL DEFAULT '',
	fee_bps    INTEGER NOT NULL,
	created_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pools_dex ON pools(dex);

CREATE TABLE IF NOT EXISTS cursors (
	name  TEXT PRIMARY KEY,
	block INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS opportunities (
	pass_id          TEXT NOT NULL,
	path_key         TEXT NOT NULL,
	block_number     INTEGER NOT NULL,
	snapshot_version INTEGER NOT NULL,
	hops             INTEGER NOT NULL,
	amount_in        TEXT NOT NULL,
	amount_out       TEXT NOT NULL,
	profit           TEXT NOT NULL,
	profit_decimal   TEXT NOT NULL,
	route            TEXT NOT NULL,
	PRIMARY KEY (pass_id, path_key)
);
CREATE INDEX IF NOT EXISTS idx_opportunities_block ON opportunities(block_number);
`

// PoolStore persists pool metadata, discovery cursors and reported
// opportunities. Reserves are never stored; they are read from chain.
type PoolStore struct {
	db *sql.DB
}

func NewPoolStore(dbPath string) (*PoolStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}

	return &PoolStore{db: db}, nil
}

func (s *PoolStore) Close() error {
	return s.db.Close()
}

// PoolRecord is a stored pool plus the block it was created at
type PoolRecord struct {
	Pool      arbitrage.Pool
	CreatedAt uint64
}

// SavePools upserts pool metadata in one transaction
func (s *PoolStore) SavePools(records []PoolRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO pools
		(address, dex, variant, token0, token1, decimals0, decimals1, symbol0, symbol1, fee_bps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		p := rec.Pool
		_, err := stmt.Exec(
			p.Address.Hex(),
			p.DEX,
			p.Variant.String(),
			p.Token0.Address.Hex(),
			p.Token1.Address.Hex(),
			p.Token0.Decimals,
			p.Token1.Decimals,
			p.Token0.Symbol,
			p.Token1.Symbol,
			p.FeeBps,
			rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("save pool %s: %w", p.Address.Hex(), err)
		}
	}
	return tx.Commit()
}

// LoadPools returns every stored pool, optionally only those of the given
// DEXes, ordered by creation block. Reserves are left nil.
func (s *PoolStore) LoadPools(dexes ...string) ([]arbitrage.Pool, error) {
	query := `SELECT address, dex, variant, token0, token1, decimals0, decimals1, symbol0, symbol1, fee_bps
		FROM pools`
	args := make([]any, 0, len(dexes))
	if len(dexes) > 0 {
		query += " WHERE dex IN (?" + strings.Repeat(", ?", len(dexes)-1) + ")"
		for _, d := range dexes {
			args = append(args, d)
		}
	}
	query += " ORDER BY created_at, address"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer rows.Close()

	var pools []arbitrage.Pool
	for rows.Next() {
		var (
			addr, dex, variant, t0, t1, sym0, sym1 string
			dec0, dec1                             int
			fee                                    uint32
		)
		if err := rows.Scan(&addr, &dex, &variant, &t0, &t1, &dec0, &dec1, &sym0, &sym1, &fee); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		v, err := arbitrage.ParseVariant(variant)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", addr, err)
		}
		pools = append(pools, arbitrage.Pool{
			Address: common.HexToAddress(addr),
			DEX:     dex,
			Variant: v,
			Token0:  arbitrage.Token{Address: common.HexToAddress(t0), Decimals: dec0, Symbol: sym0},
			Token1:  arbitrage.Token{Address: common.HexToAddress(t1), Decimals: dec1, Symbol: sym1},
			FeeBps:  fee,
		})
	}
	return pools, rows.Err()
}

// Cursor returns the last processed block recorded under name
func (s *PoolStore) Cursor(name string) (uint64, bool, error) {
	var block uint64
	err := s.db.QueryRow("SELECT block FROM cursors WHERE name = ?", name).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor %s: %w", name, err)
	}
	return block, true, nil
}

func (s *PoolStore) SetCursor(name string, block uint64) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO cursors (name, block) VALUES (?, ?)", name, block)
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", name, err)
	}
	return nil
}

// RecordOpportunities appends the opportunities of one pass
func (s *PoolStore) RecordOpportunities(opps []*arbitrage.Opportunity) error {
	if len(opps) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO opportunities
		(pass_id, path_key, block_number, snapshot_version, hops, amount_in, amount_out, profit, profit_decimal, route)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range opps {
		_, err := stmt.Exec(
			o.PassID,
			o.Path.Key(),
			o.BlockNumber,
			o.SnapshotVersion,
			o.Path.Len(),
			o.AmountIn.String(),
			o.AmountOut.String(),
			o.Profit.String(),
			o.ProfitDecimal.String(),
			o.Path.String(),
		)
		if err != nil {
			return fmt.Errorf("record opportunity %s: %w", o.Path.Key(), err)
		}
	}
	return tx.Commit()
}

// OpportunityRecord is a row of the opportunities table
type OpportunityRecord struct {
	PassID      string
	PathKey     string
	BlockNumber uint64
	Hops        int
	AmountIn    *big.Int
	Profit      *big.Int
	Route       string
}

// Opportunities returns the recorded opportunities of block, most
// profitable first.
func (s *PoolStore) Opportunities(block uint64) ([]OpportunityRecord, error) {
	rows, err := s.db.Query(`SELECT pass_id, path_key, block_number, hops, amount_in, profit, route
		FROM opportunities WHERE block_number = ?`, block)
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()

	var out []OpportunityRecord
	for rows.Next() {
		var (
			rec              OpportunityRecord
			amountIn, profit string
		)
		if err := rows.Scan(&rec.PassID, &rec.PathKey, &rec.BlockNumber, &rec.Hops, &amountIn, &profit, &rec.Route); err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		rec.AmountIn, _ = new(big.Int).SetString(amountIn, 10)
		rec.Profit, _ = new(big.Int).SetString(profit, 10)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// profit is stored as text, order in go
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Profit.Cmp(out[j].Profit) > 0
	})
	return out, nil
}

// stats for monitoring the store
func (s *PoolStore) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"pools", "cursors", "opportunities"} {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, err
		}
		stats[table+"_entries"] = count
	}
	return stats, nil
}
