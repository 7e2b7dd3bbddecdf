// Package cache memoizes predictor outputs on disk, keyed by the exact
// feature vector.
package cache

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LabelColumn is the CSV column holding the cached value.
const LabelColumn = "label"

// FileName is the cache file created inside the cache directory.
const FileName = "predict.csv"

type row struct {
	features []float64
	label    float64
}

// Cache is an append-only feature → label table; the newest row for a
// feature vector wins. Rows added with Update are pending until Save writes
// them out.
type Cache struct {
	mu        sync.Mutex
	path      string
	names     []string
	persisted []row
	pending   []row
	index     map[string]int // key → position in persisted ++ pending
}

// Open loads dir/predict.csv if present. names label the feature columns;
// when nil they are taken from the existing header, or generated.
func Open(dir string, names []string) (*Cache, error) {
	c := &Cache{path: filepath.Join(dir, FileName), names: names, index: make(map[string]int)}
	f, err := os.Open(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("cache: reading %s: %w", c.path, err)
	}
	if len(records) == 0 {
		return c, nil
	}
	header := records[0]
	labelAt := -1
	for i, h := range header {
		if h == LabelColumn {
			labelAt = i
		}
	}
	if labelAt < 0 {
		return nil, fmt.Errorf("cache: %s has no %q column", c.path, LabelColumn)
	}
	if c.names == nil {
		for i, h := range header {
			if i != labelAt {
				c.names = append(c.names, h)
			}
		}
	}
	for n, rec := range records[1:] {
		r, err := parseRow(rec, labelAt)
		if err != nil {
			logrus.Warnf("cache: skipping %s line %d: %v", c.path, n+2, err)
			continue
		}
		c.index[key(r.features)] = len(c.persisted)
		c.persisted = append(c.persisted, r)
	}
	logrus.Debugf("cache: loaded %d rows from %s", len(c.persisted), c.path)
	return c, nil
}

func parseRow(rec []string, labelAt int) (row, error) {
	var r row
	for i, s := range rec {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return row{}, err
		}
		if i == labelAt {
			r.label = v
		} else {
			r.features = append(r.features, v)
		}
	}
	return r, nil
}

func key(features []float64) string {
	parts := make([]string, len(features))
	for i, f := range features {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Lookup returns the cached label for features.
func (c *Cache) Lookup(features []float64) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[key(features)]
	if !ok {
		return 0, false
	}
	return c.at(i).label, true
}

func (c *Cache) at(i int) row {
	if i < len(c.persisted) {
		return c.persisted[i]
	}
	return c.pending[i-len(c.persisted)]
}

// Update appends a new observation. It supersedes any earlier row with the
// same features; repeating the current label adds nothing.
func (c *Cache) Update(features []float64, label float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(features)
	if i, ok := c.index[k]; ok && c.at(i).label == label {
		return
	}
	f := make([]float64, len(features))
	copy(f, features)
	c.index[k] = len(c.persisted) + len(c.pending)
	c.pending = append(c.pending, row{features: f, label: label})
}

// Len counts all rows.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.persisted) + len(c.pending)
}

// Pending counts rows not yet saved.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Save rewrites the cache file with every row. It does nothing without pending rows.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	w := csv.NewWriter(f)
	width := len(c.pending[0].features)
	_ = w.Write(append(c.header(width), LabelColumn))
	for _, r := range append(c.persisted, c.pending...) {
		rec := make([]string, 0, len(r.features)+1)
		for _, v := range r.features {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		_ = w.Write(append(rec, strconv.FormatFloat(r.label, 'g', -1, 64)))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("cache: writing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	c.persisted = append(c.persisted, c.pending...)
	c.pending = nil
	return nil
}

func (c *Cache) header(width int) []string {
	if len(c.names) == width {
		return append([]string(nil), c.names...)
	}
	h := make([]string, width)
	for i := range h {
		h[i] = "f" + strconv.Itoa(i)
	}
	return h
}
