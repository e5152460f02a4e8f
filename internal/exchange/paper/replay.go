package paper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrReplayExhausted = errors.New("replay: no more ticks")

// Replay feeds recorded prices, one line per TickerPrice call. It reads a
// single .jsonl file or every .jsonl file of a directory in name order, so
// the per-day files written by cmd/marketdata replay chronologically.
type Replay struct {
	// Loop restarts from the first file once the last is exhausted;
	// otherwise the final price repeats.
	Loop bool

	mu      sync.Mutex
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
	last    decimal.Decimal
}

func NewReplay(path string, loop bool) (*Replay, error) {
	paths, err := replayPaths(path)
	if err != nil {
		return nil, err
	}
	r := &Replay{Loop: loop, paths: paths}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replay) TickerPrice(ctx context.Context, _ string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	price, err := r.next()
	if errors.Is(err, io.EOF) {
		if r.Loop {
			r.index = 0
			if err := r.open(); err != nil {
				return decimal.Zero, err
			}
			price, err = r.next()
		} else if r.last.Cmp(decimal.Zero) > 0 {
			return r.last, nil
		}
	}
	if errors.Is(err, io.EOF) {
		return decimal.Zero, ErrReplayExhausted
	}
	if err != nil {
		return decimal.Zero, err
	}
	r.last = price
	return price, nil
}

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeFile()
}

func (r *Replay) next() (decimal.Decimal, error) {
	for {
		if r.scanner == nil {
			if err := r.open(); err != nil {
				return decimal.Zero, err
			}
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return decimal.Zero, err
			}
			_ = r.closeFile()
			r.index++
			if r.index >= len(r.paths) {
				return decimal.Zero, io.EOF
			}
			continue
		}
		if price, ok := parseTickLine(r.scanner.Bytes()); ok {
			return price, nil
		}
	}
}

func (r *Replay) open() error {
	if r.index >= len(r.paths) {
		return io.EOF
	}
	f, err := os.Open(r.paths[r.index])
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	r.file, r.scanner = f, sc
	return nil
}

func (r *Replay) closeFile() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.scanner = nil, nil
	return err
}

// parseTickLine takes the first of price, close or p. Lines without a
// positive price are skipped.
func parseTickLine(line []byte) (decimal.Decimal, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return decimal.Zero, false
	}
	for _, key := range []string{"price", "close", "p"} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		s := strings.Trim(strings.TrimSpace(string(v)), `"`)
		price, err := decimal.NewFromString(s)
		if err != nil || price.Cmp(decimal.Zero) <= 0 {
			return decimal.Zero, false
		}
		return price, true
	}
	return decimal.Zero, false
}

func replayPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	if len(paths) == 0 {
		return nil, errors.New("replay: no .jsonl files in " + path)
	}
	sort.Strings(paths)
	return paths, nil
}
