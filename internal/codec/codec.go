// Package codec maps compression names and file extensions to streaming
// readers and writers. Archives, output shards and shard inspection all
// resolve their compression through the same registry.
package codec

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Pushshift-style zstd dumps are written with --long=31.
const maxZstdWindow = 1 << 31

// Codec is a named compression format.
type Codec struct {
	Name      string
	Ext       string
	NewWriter func(w io.Writer) (io.WriteCloser, error)
	NewReader func(r io.Reader) (io.ReadCloser, error)
}

var registry = map[string]Codec{
	"bz2": {
		Name: "bz2",
		Ext:  ".bz2",
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		},
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			return bzip2.NewReader(r, nil)
		},
	},
	"zst": {
		Name: "zst",
		Ext:  ".zst",
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		},
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r, zstd.WithDecoderMaxWindow(maxZstdWindow))
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		},
	},
	"gz": {
		Name: "gz",
		Ext:  ".gz",
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(w, gzip.DefaultCompression)
		},
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	},
	"none": {
		Name: "none",
		Ext:  ".txt",
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return nopWriteCloser{w}, nil
		},
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(r), nil
		},
	},
}

// aliases lets configuration use the common long names.
var aliases = map[string]string{
	"bzip2": "bz2",
	"zstd":  "zst",
	"gzip":  "gz",
	"plain": "none",
}

// Lookup returns the codec registered under name (case-insensitive).
func Lookup(name string) (Codec, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if a, ok := aliases[n]; ok {
		n = a
	}
	c, ok := registry[n]
	if !ok {
		return Codec{}, fmt.Errorf("unknown compression %q (want one of %s)", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// ForPath picks a codec from the file extension. Plain JSON line files map
// to "none". The second return is false for unrecognized files.
func ForPath(path string) (Codec, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bz2":
		return registry["bz2"], true
	case ".zst":
		return registry["zst"], true
	case ".gz":
		return registry["gz"], true
	case ".json", ".jsonl", ".ndjson":
		return registry["none"], true
	}
	return Codec{}, false
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
