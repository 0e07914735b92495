// Package export writes reported opportunities to parquet for offline analysis.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// OpportunityRow is one reported opportunity. Amounts are base-10 strings
// since they overflow INT64.
type OpportunityRow struct {
	PassID          string `parquet:"name=pass_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Block           int64  `parquet:"name=block, type=INT64"`
	SnapshotVersion int64  `parquet:"name=snapshot_version, type=INT64"`
	Rank            int32  `parquet:"name=rank, type=INT32"`
	PathKey         string `parquet:"name=path_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Route           string `parquet:"name=route, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pools           string `parquet:"name=pools, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hops            int32  `parquet:"name=hops, type=INT32"`
	Base            string `parquet:"name=base, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountIn        string `parquet:"name=amount_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountOut       string `parquet:"name=amount_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	Profit          string `parquet:"name=profit, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProfitDecimal   string `parquet:"name=profit_decimal, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAtMs    int64  `parquet:"name=recorded_at_ms, type=INT64"`
}

const parallelism = 4

// ParquetWriter appends rows to a single file until Close.
type ParquetWriter struct {
	mu   sync.Mutex
	fw   source.ParquetFile
	pw   *writer.ParquetWriter
	rows int
}

func NewParquetWriter(path string) (*ParquetWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(OpportunityRow), parallelism)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	return &ParquetWriter{fw: fw, pw: pw}, nil
}

// Write appends one row per opportunity; opps are expected best first.
func (w *ParquetWriter) Write(opps []*arbitrage.Opportunity) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now().UnixMilli()
	for i, o := range opps {
		if err := w.pw.Write(Row(o, i+1, now)); err != nil {
			return fmt.Errorf("write row %s: %w", o.Path.Key(), err)
		}
		w.rows++
	}
	return nil
}

// Rows is how many rows were written so far
func (w *ParquetWriter) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close flushes the footer; the file is unreadable before that.
func (w *ParquetWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.pw.WriteStop(); err != nil {
		w.fw.Close()
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return w.fw.Close()
}

func Row(o *arbitrage.Opportunity, rank int, recordedAtMs int64) OpportunityRow {
	pools := make([]string, 0, o.Path.Len())
	for _, p := range o.Path.Pools() {
		pools = append(pools, p.Hex())
	}
	return OpportunityRow{
		PassID:          o.PassID,
		Block:           int64(o.BlockNumber),
		SnapshotVersion: int64(o.SnapshotVersion),
		Rank:            int32(rank),
		PathKey:         o.Path.Key(),
		Route:           o.Path.String(),
		Pools:           strings.Join(pools, ","),
		Hops:            int32(o.Path.Len()),
		Base:            o.Base.Address.Hex(),
		AmountIn:        o.AmountIn.String(),
		AmountOut:       o.AmountOut.String(),
		Profit:          o.Profit.String(),
		ProfitDecimal:   o.ProfitDecimal.String(),
		RecordedAtMs:    recordedAtMs,
	}
}

// ReadRows loads every row of a finished export file
func ReadRows(path string) ([]OpportunityRow, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(OpportunityRow), parallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]OpportunityRow, int(pr.GetNumRows()))
	if len(rows) == 0 {
		return rows, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return rows, nil
}
