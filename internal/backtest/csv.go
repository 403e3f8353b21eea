package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"taoquant_grid/internal/core"
	"time"

	"github.com/shopspring/decimal"
)

var barColumns = []string{"time", "open", "high", "low", "close", "volume"}

// ReadBarsCSV reads bars with a header row of time,open,high,low,close,volume.
// Time is RFC3339 or unix seconds or milliseconds.
func ReadBarsCSV(r io.Reader) ([]core.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read bar header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range barColumns {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("bar header is missing column %q", c)
		}
	}

	var bars []core.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bar line %d: %w", line, err)
		}
		b, err := parseBar(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("bar line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// ReadBarsFile opens and reads a bar CSV file
func ReadBarsFile(path string) ([]core.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bars: %w", err)
	}
	defer f.Close()
	return ReadBarsCSV(f)
}

func parseBar(rec []string, idx map[string]int) (core.Bar, error) {
	field := func(name string) string { return strings.TrimSpace(rec[idx[name]]) }

	at, err := parseTime(field("time"))
	if err != nil {
		return core.Bar{}, err
	}
	var vals [5]decimal.Decimal
	for i, name := range barColumns[1:] {
		v, err := decimal.NewFromString(field(name))
		if err != nil {
			return core.Bar{}, fmt.Errorf("column %s: %w", name, err)
		}
		vals[i] = v
	}
	b := core.Bar{Time: at, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}
	if b.High.LessThan(b.Low) {
		return core.Bar{}, fmt.Errorf("high %s below low %s", b.High, b.Low)
	}
	return b, nil
}

func parseTime(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", s, err)
	}
	return t.UTC(), nil
}
