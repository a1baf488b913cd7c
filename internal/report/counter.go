// Package report tallies qualifying comments per community and persists the
// tally as a plain-text report.
package report

import (
	"bufio"
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Entry is one community's tally.
type Entry struct {
	Group string
	Count int64
}

// Counter counts qualifying comments per group. It is safe for concurrent
// use so the status server can read it while a run is in progress.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int64)}
}

// Inc adds one to group's count.
func (c *Counter) Inc(group string) {
	c.mu.Lock()
	c.counts[group]++
	c.mu.Unlock()
}

// Len returns the number of distinct groups seen.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}

// Total returns the sum of all counts.
func (c *Counter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, v := range c.counts {
		n += v
	}
	return n
}

// Sorted returns entries by descending count, ties by ascending group name.
func (c *Counter) Sorted() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.counts))
	for g, n := range c.counts {
		out = append(out, Entry{Group: g, Count: n})
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int {
		if a.Count != b.Count {
			return cmp.Compare(b.Count, a.Count)
		}
		return strings.Compare(a.Group, b.Group)
	})
	return out
}

// Top returns at most n entries of Sorted. n <= 0 returns all of them.
func (c *Counter) Top(n int) []Entry {
	all := c.Sorted()
	if n > 0 && n < len(all) {
		return all[:n]
	}
	return all
}

// WriteFile replaces the report at path with one "group: count" line per
// entry and returns the size of the written file. The file is written to a
// temporary sibling and renamed into place, so readers never see a partial
// report.
func (c *Counter) WriteFile(path string) (int64, error) {
	entries := c.Sorted()

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("creating report: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	for _, e := range entries {
		bw.WriteString(e.Group)
		bw.WriteString(": ")
		bw.WriteString(strconv.FormatInt(e.Count, 10))
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("writing report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("writing report: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return 0, fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("replacing report: %w", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat report: %w", err)
	}
	return fi.Size(), nil
}

// ReadFile parses a report written by WriteFile.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := sc.Text()
		if text == "" {
			continue
		}
		i := strings.LastIndex(text, ": ")
		if i < 0 {
			return nil, fmt.Errorf("%s:%d: malformed line %q", path, lineNo, text)
		}
		n, err := strconv.ParseInt(text[i+2:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad count: %w", path, lineNo, err)
		}
		out = append(out, Entry{Group: text[:i], Count: n})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return out, nil
}

// Load rebuilds a Counter from a report file.
func Load(path string) (*Counter, error) {
	entries, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := NewCounter()
	for _, e := range entries {
		c.counts[e.Group] += e.Count
	}
	return c, nil
}
