// Package store persists evaluation records so a search can be resumed.
package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/autotune/tune"
)

// FilePrefix names ledger files: data_storage_<yyyymmddHHMMSS>.csv.
const FilePrefix = "data_storage_"

// Bookkeeping columns after the field and performance columns.
const (
	ColumnFitness  = "fitness"
	ColumnError    = "error"
	ColumnBackup   = "backup"
	ColumnDuration = "duration_s"
	ColumnTime     = "timestamp"
)

// CSV is a Ledger backed by one CSV file in a store directory.
type CSV struct {
	mu     sync.Mutex
	path   string
	fields tune.Fields
	header []string
}

// NewCSV opens a ledger in dir. With resume, the newest existing ledger file
// is appended to; otherwise a new file is started.
func NewCSV(dir string, fields tune.Fields, resume bool) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	c := &CSV{fields: fields, header: Header(fields)}
	if resume {
		latest, err := LatestFile(dir)
		if err != nil {
			return nil, err
		}
		if latest != "" {
			c.path = latest
			logrus.Infof("store: resuming from %s", latest)
			return c, nil
		}
		logrus.Warnf("store: no ledger in %s to resume from; starting a new one", dir)
	}
	c.path = filepath.Join(dir, FilePrefix+time.Now().Format("20060102150405")+".csv")
	return c, nil
}

// Path is the ledger file.
func (c *CSV) Path() string { return c.path }

// Header is the column layout for fields.
func Header(fields tune.Fields) []string {
	h := append([]string{}, fields.Names()...)
	h = append(h, tune.PerformanceColumns...)
	return append(h, ColumnFitness, ColumnError, ColumnBackup, ColumnDuration, ColumnTime)
}

// LatestFile returns the newest ledger file in dir by name, or "" if none.
func LatestFile(dir string) (string, error) {
	files, err := ledgerFiles(dir)
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[len(files)-1], nil
}

func ledgerFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), FilePrefix) && filepath.Ext(e.Name()) == ".csv" {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Save appends rec. The header is written when the file is new.
func (c *CSV) Save(_ context.Context, rec tune.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, statErr := os.Stat(c.path)
	fresh := errors.Is(statErr, fs.ErrNotExist)
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	w := csv.NewWriter(f)
	if fresh {
		_ = w.Write(c.header)
	}
	_ = w.Write(c.row(rec))
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("store: writing %s: %w", c.path, err)
	}
	return f.Close()
}

func (c *CSV) row(rec tune.Record) []string {
	out := make([]string, 0, len(c.header))
	for _, f := range c.fields {
		v, ok := rec.Params.Get(f.Name)
		if !ok {
			out = append(out, "")
			continue
		}
		out = append(out, tune.FormatFloat(v))
	}
	for _, v := range rec.Perf.Values() {
		out = append(out, tune.FormatFloat(v))
	}
	return append(out,
		strconv.FormatFloat(rec.Fitness, 'g', -1, 64),
		SanitizeCell(rec.Error),
		SanitizeCell(rec.Backup),
		strconv.FormatFloat(rec.Duration.Seconds(), 'f', 3, 64),
		time.Now().Format(time.RFC3339),
	)
}

// SanitizeCell neutralizes text that spreadsheet tools would run as a formula.
func SanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if s != "" && strings.ContainsRune("=+-@", rune(s[0])) {
		return "'" + s
	}
	return s
}

// Load returns every record whose row carries all field columns.
func (c *CSV) Load(_ context.Context) ([]tune.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := ReadRows(c.path)
	if err != nil {
		return nil, err
	}
	return RecordsFromRows(rows, c.fields), nil
}

// Best returns up to k feasible records, lowest fitness first.
func (c *CSV) Best(ctx context.Context, k int) ([]tune.Record, error) {
	recs, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	return BestOf(recs, k), nil
}

func (c *CSV) Close() error { return nil }

// ReadRows reads a CSV file into column → value maps. A missing file has no rows.
func ReadRows(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	out := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		m := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				m[h] = rec[i]
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// LoadHistory reads every ledger file in dir, oldest first.
func LoadHistory(dir string) ([]map[string]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store: history: %s is not a directory", dir)
	}
	files, err := ledgerFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []map[string]string
	for _, f := range files {
		rows, err := ReadRows(f)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// FilterRows keeps rows whose columns equal every entry of filter.
func FilterRows(rows []map[string]string, filter map[string]string) []map[string]string {
	if len(filter) == 0 {
		return rows
	}
	out := []map[string]string{}
	for _, r := range rows {
		match := true
		for k, v := range filter {
			if r[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, r)
		}
	}
	return out
}

// RecordsFromRows converts ledger rows, skipping rows missing a field column.
func RecordsFromRows(rows []map[string]string, fields tune.Fields) []tune.Record {
	out := make([]tune.Record, 0, len(rows))
rows:
	for _, r := range rows {
		values := make([]float64, len(fields))
		for i, f := range fields {
			s, ok := r[f.Name]
			if !ok || s == "" {
				continue rows
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				continue rows
			}
			values[i] = v
		}
		rec := tune.Record{
			Params: tune.ParamsFromValues(values, fields),
			Perf:   tune.PerformanceIndexFromRow(r),
			Error:  strings.TrimPrefix(r[ColumnError], "'"),
			Backup: strings.TrimPrefix(r[ColumnBackup], "'"),
		}
		rec.Fitness = math.Inf(1)
		if v, err := strconv.ParseFloat(r[ColumnFitness], 64); err == nil {
			rec.Fitness = v
		}
		if v, err := strconv.ParseFloat(r[ColumnDuration], 64); err == nil {
			rec.Duration = time.Duration(v * float64(time.Second))
		}
		out = append(out, rec)
	}
	return out
}

// BestOf returns up to k feasible records, lowest fitness first, ties in input order.
func BestOf(recs []tune.Record, k int) []tune.Record {
	feasible := make([]tune.Record, 0, len(recs))
	for _, r := range recs {
		if r.Feasible() {
			feasible = append(feasible, r)
		}
	}
	sort.SliceStable(feasible, func(i, j int) bool { return feasible[i].Fitness < feasible[j].Fitness })
	if k >= 0 && len(feasible) > k {
		feasible = feasible[:k]
	}
	return feasible
}
