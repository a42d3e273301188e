package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"swapbank/native/bank"
)

// Source is the read surface of the engine needed for a snapshot.
type Source interface {
	Records() []bank.BalanceRecord
	Totals() bank.Totals
	Assets() []bank.AssetDescriptor
}

// Result describes a written snapshot.
type Result struct {
	Path      string    `json:"path"`
	Rows      int       `json:"rows"`
	Custodied string    `json:"custodied"`
	TakenAt   time.Time `json:"taken_at"`
}

type balanceRow struct {
	Principal string `parquet:"name=principal, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Asset     string `parquet:"name=asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Symbol    string `parquet:"name=symbol, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Decimals  int32  `parquet:"name=decimals, type=INT32"`
	Amount    string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TakenAt   string `parquet:"name=taken_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// Snapshot writes every balance held by src to a parquet file under dir.
// Rows are ordered by principal then asset.
func Snapshot(dir string, src Source, now time.Time) (Result, error) {
	if strings.TrimSpace(dir) == "" {
		return Result{}, fmt.Errorf("export: directory required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Result{}, fmt.Errorf("export: create directory: %w", err)
	}
	records := src.Records()
	sort.Slice(records, func(i, j int) bool {
		if records[i].Principal != records[j].Principal {
			return records[i].Principal.Cmp(records[j].Principal) < 0
		}
		return records[i].Asset.Cmp(records[j].Asset) < 0
	})
	assets := make(map[common.Address]bank.AssetDescriptor)
	for _, desc := range src.Assets() {
		assets[desc.ID] = desc
	}
	takenAt := now.UTC()
	path := filepath.Join(dir, fmt.Sprintf("ledger-%s.parquet", takenAt.Format("20060102T150405Z")))
	if err := writeParquet(path, records, assets, takenAt); err != nil {
		return Result{}, err
	}
	totals := src.Totals()
	custodied := "0"
	if totals.Custodied != nil {
		custodied = totals.Custodied.Dec()
	}
	return Result{Path: path, Rows: len(records), Custodied: custodied, TakenAt: takenAt}, nil
}

func writeParquet(path string, records []bank.BalanceRecord, assets map[common.Address]bank.AssetDescriptor, takenAt time.Time) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(balanceRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	stamp := takenAt.Format(time.RFC3339)
	for _, rec := range records {
		desc := assets[rec.Asset]
		row := &balanceRow{
			Principal: strings.ToLower(rec.Principal.Hex()),
			Asset:     strings.ToLower(rec.Asset.Hex()),
			Symbol:    desc.Symbol,
			Decimals:  int32(desc.Decimals),
			Amount:    "0",
			TakenAt:   stamp,
		}
		if rec.Amount != nil {
			row.Amount = rec.Amount.Dec()
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}
