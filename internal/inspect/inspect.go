// Package inspect summarizes and merges the shards a parse run produced.
package inspect

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/threadcorpus/internal/codec"
	"github.com/kalambet/threadcorpus/internal/thread"
)

// ShardFile is a shard found on disk.
type ShardFile struct {
	Path  string
	Index int
}

// ShardStats describes one shard's contents.
type ShardStats struct {
	Path            string
	Index           int
	Chains          int64
	Queries         int64 // turns labelled with the query role
	Turns           int64
	Bytes           int64 // uncompressed
	CompressedBytes int64
}

// Summary totals ShardStats over a set of shards.
type Summary struct {
	Shards          []ShardStats
	Chains          int64
	Queries         int64
	Turns           int64
	Bytes           int64
	CompressedBytes int64
}

// FindShards lists <base>_<n><ext> files in dir ordered by n. A codec
// extension on base is ignored.
func FindShards(dir, base string, c codec.Codec) ([]ShardFile, error) {
	base = strings.TrimSuffix(base, c.Ext)
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(base)+"_*"+c.Ext))
	if err != nil {
		return nil, fmt.Errorf("listing shards: %w", err)
	}

	var out []ShardFile
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), base+"_"), c.Ext)
		var n int
		if _, err := fmt.Sscanf(name, "%d", &n); err != nil || fmt.Sprint(n) != name || n < 1 {
			continue
		}
		out = append(out, ShardFile{Path: m, Index: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Stats reads every shard concurrently and returns per-shard and total
// counts. Shards must already be closed.
func Stats(ctx context.Context, shards []ShardFile, c codec.Codec) (Summary, error) {
	results := make([]ShardStats, len(shards))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, sf := range shards {
		g.Go(func() error {
			st, err := shardStats(gCtx, sf, c)
			if err != nil {
				return err
			}
			results[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	sum := Summary{Shards: results}
	for _, st := range results {
		sum.Chains += st.Chains
		sum.Queries += st.Queries
		sum.Turns += st.Turns
		sum.Bytes += st.Bytes
		sum.CompressedBytes += st.CompressedBytes
	}
	return sum, nil
}

var (
	queryPrefix  = []byte(thread.RoleQuery + ": ")
	answerPrefix = []byte(thread.RoleAnswer + ": ")
	separator    = []byte(thread.Separator)
)

func shardStats(ctx context.Context, sf ShardFile, c codec.Codec) (ShardStats, error) {
	st := ShardStats{Path: sf.Path, Index: sf.Index}

	f, err := os.Open(sf.Path)
	if err != nil {
		return st, fmt.Errorf("opening shard: %w", err)
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil {
		st.CompressedBytes = fi.Size()
	}

	r, err := c.NewReader(bufio.NewReader(f))
	if err != nil {
		return st, fmt.Errorf("opening %s: %w", sf.Path, err)
	}
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for n := 0; sc.Scan(); n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
		}
		line := sc.Bytes()
		st.Bytes += int64(len(line)) + 1
		switch {
		case bytes.HasPrefix(line, queryPrefix):
			st.Queries++
			st.Turns++
		case bytes.HasPrefix(line, answerPrefix):
			st.Turns++
		case bytes.Equal(line, separator):
			st.Chains++
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("reading %s: %w", sf.Path, err)
	}
	return st, nil
}

// Merge decompresses shards in order into a single file at to and returns
// the number of bytes written. The output is compressed when to carries a
// compression extension and plain text otherwise.
func Merge(ctx context.Context, shards []ShardFile, c codec.Codec, to string) (int64, error) {
	outCodec, ok := codec.ForPath(to)
	if !ok {
		outCodec, _ = codec.Lookup("none")
	}

	tmp, err := os.CreateTemp(filepath.Dir(to), "."+filepath.Base(to)+".*")
	if err != nil {
		return 0, fmt.Errorf("creating merge output: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriterSize(tmp, 1<<20)
	enc, err := outCodec.NewWriter(bw)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("starting %s encoder: %w", outCodec.Name, err)
	}

	var total int64
	for _, sf := range shards {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return total, err
		}
		n, err := copyShard(enc, sf, c)
		total += n
		if err != nil {
			tmp.Close()
			return total, err
		}
	}

	if err := enc.Close(); err != nil {
		tmp.Close()
		return total, fmt.Errorf("finishing merge output: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return total, fmt.Errorf("finishing merge output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return total, fmt.Errorf("finishing merge output: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return total, err
	}
	if err := os.Rename(tmp.Name(), to); err != nil {
		return total, fmt.Errorf("replacing %s: %w", to, err)
	}
	return total, nil
}

func copyShard(w io.Writer, sf ShardFile, c codec.Codec) (int64, error) {
	f, err := os.Open(sf.Path)
	if err != nil {
		return 0, fmt.Errorf("opening shard: %w", err)
	}
	defer f.Close()

	r, err := c.NewReader(bufio.NewReader(f))
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", sf.Path, err)
	}
	defer r.Close()

	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("copying %s: %w", sf.Path, err)
	}
	return n, nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
