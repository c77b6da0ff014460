package sinks

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// csvHeader is the option row schema. Columns are append-only.
var csvHeader = []string{
	"timestamp", "index", "expiry_rule", "expiry", "offset", "strike", "type",
	"last_price", "bid", "ask", "volume", "oi", "iv", "delta", "gamma", "theta", "vega",
}

var overviewHeader = []string{
	"timestamp", "cycle", "index", "expiry_rule", "expiry", "options_count",
	"pcr", "strike_coverage", "field_coverage", "status",
}

// CSVSink writes the partitioned CSV layout
// <root>/<INDEX>/<EXPIRY_KEY>/<OFFSET>/<YYYY-MM-DD>.csv. Rows append within
// a day; each append is a single write so lines stay atomic.
type CSVSink struct {
	root string
	mu   sync.Mutex
}

// NewCSVSink creates the sink rooted at dir.
func NewCSVSink(root string) *CSVSink {
	return &CSVSink{root: root}
}

func (c *CSVSink) Name() string { return "csv" }

func (c *CSVSink) WriteOptions(_ context.Context, rows []OptionRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// group rows per partition file, one append per file
	groups := make(map[string][]OptionRow)
	for _, row := range rows {
		groups[c.optionPath(row)] = append(groups[c.optionPath(row)], row)
	}
	for path, group := range groups {
		if err := appendCSV(path, csvHeader, optionRecords(group)); err != nil {
			return fmt.Errorf("csv sink: %w", err)
		}
	}
	return nil
}

func (c *CSVSink) optionPath(row OptionRow) string {
	day := row.Timestamp.UTC().Format("2006-01-02")
	return filepath.Join(c.root, row.Index, row.ExpiryRule, strconv.Itoa(row.Offset), day+".csv")
}

func (c *CSVSink) WriteOverview(_ context.Context, ov OverviewRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	day := ov.Timestamp.UTC().Format("2006-01-02")
	path := filepath.Join(c.root, ov.Index, ov.ExpiryRule, "overview", day+".csv")
	rec := []string{
		ov.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatInt(ov.Cycle, 10),
		ov.Index,
		ov.ExpiryRule,
		ov.Expiry.Format("2006-01-02"),
		strconv.Itoa(ov.OptionsCount),
		formatFloat(ov.PCR),
		formatFloat(ov.StrikeCoverage),
		formatFloat(ov.FieldCoverage),
		ov.Status,
	}
	return appendCSV(path, overviewHeader, [][]string{rec})
}

func (c *CSVSink) Close() error { return nil }

func optionRecords(rows []OptionRow) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Index,
			r.ExpiryRule,
			r.Expiry.Format("2006-01-02"),
			strconv.Itoa(r.Offset),
			formatFloat(r.Strike),
			r.Type,
			formatFloat(r.LastPrice),
			formatFloat(r.Bid),
			formatFloat(r.Ask),
			strconv.FormatInt(r.Volume, 10),
			strconv.FormatInt(r.OI, 10),
			formatFloat(r.IV),
			formatFloat(r.Delta),
			formatFloat(r.Gamma),
			formatFloat(r.Theta),
			formatFloat(r.Vega),
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// appendCSV appends records to path, writing the header first when the file
// is new. The encoded batch flushes in one underlying write.
func appendCSV(path string, header []string, records [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	info, statErr := os.Stat(path)
	isNew := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Error().Str("path", path).Err(err).Msg("csv append failed")
		return err
	}
	return nil
}
