package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var csvHeader = []string{"seq", "id", "type", "who", "amount", "attributes", "digest", "prev_digest", "created_at"}

// flatten renders the attribute map as sorted key=value pairs.
func flatten(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, ";")
}

func actor(attrs map[string]string) string {
	for _, key := range []string{"who", "to", "by"} {
		if v := attrs[key]; v != "" {
			return v
		}
	}
	return ""
}

func writeCSV(path string, records []record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pool-audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("pool-audit: write csv header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatUint(rec.Seq, 10),
			rec.ID,
			rec.Type,
			actor(rec.Attributes),
			rec.Attributes["amount"],
			flatten(rec.Attributes),
			rec.Digest,
			rec.PrevDigest,
			rec.CreatedAt,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("pool-audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("pool-audit: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	ID         string `parquet:"name=id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Type       string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Who        string `parquet:"name=who, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount     string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Attributes string `parquet:"name=attributes, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Digest     string `parquet:"name=digest, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PrevDigest string `parquet:"name=prev_digest, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CreatedAt  string `parquet:"name=created_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func writeParquet(path string, records []record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pool-audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("pool-audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &parquetRow{
			Seq:        int64(rec.Seq),
			ID:         rec.ID,
			Type:       rec.Type,
			Who:        actor(rec.Attributes),
			Amount:     rec.Attributes["amount"],
			Attributes: rec.RawAttrs,
			Digest:     rec.Digest,
			PrevDigest: rec.PrevDigest,
			CreatedAt:  rec.CreatedAt,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("pool-audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("pool-audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("pool-audit: close parquet file: %w", err)
	}
	return nil
}
