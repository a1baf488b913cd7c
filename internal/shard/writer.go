// Package shard writes the corpus into a series of compressed files, each
// closed once it has taken in a configured number of bytes.
package shard

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/threadcorpus/internal/codec"
)

// Info describes a shard that has been closed.
type Info struct {
	Path            string
	Bytes           int64 // uncompressed bytes written
	CompressedBytes int64
}

// Writer appends to the current shard and rotates to a fresh one after the
// soft cap is reached. Shards are named <base>_<n><ext> and an existing file
// is never reused or overwritten.
type Writer struct {
	dir      string
	base     string
	codec    codec.Codec
	capBytes int64
	logger   *slog.Logger

	file    *os.File
	buf     *bufio.Writer
	enc     io.WriteCloser
	path    string
	written int64

	// OnOpen, if set, is called with the path of each newly created shard.
	OnOpen func(path string)
	// OnClose, if set, is called after each shard is finalized.
	OnClose func(Info)
}

// New creates a Writer placing shards in dir. A codec extension already on
// base is dropped. No file is created until the first Write.
func New(dir, base string, c codec.Codec, capBytes int64) *Writer {
	base = strings.TrimSuffix(base, c.Ext)
	return &Writer{
		dir:      dir,
		base:     base,
		codec:    c,
		capBytes: capBytes,
		logger:   slog.Default(),
	}
}

// Write appends p to the current shard, opening one first if needed. The
// shard is closed when its byte count reaches the cap, so a single write
// may carry it past the cap.
func (w *Writer) Write(p []byte) (int, error) {
	if w.enc == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.enc.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("writing shard %s: %w", w.path, err)
	}
	if w.written >= w.capBytes {
		if err := w.closeCurrent(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Current returns the open shard path and its byte count, or "" when no
// shard is open.
func (w *Writer) Current() (string, int64) {
	if w.enc == nil {
		return "", 0
	}
	return w.path, w.written
}

// Close finalizes the open shard, if any.
func (w *Writer) Close() error {
	if w.enc == nil {
		return nil
	}
	return w.closeCurrent()
}

// NextPath returns the first <base>_<n><ext> path, n >= 1, that does not
// exist yet.
func (w *Writer) NextPath() (string, error) {
	for n := 1; ; n++ {
		p := filepath.Join(w.dir, fmt.Sprintf("%s_%d%s", w.base, n, w.codec.Ext))
		_, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking shard %s: %w", p, err)
		}
	}
}

func (w *Writer) open() error {
	path, err := w.NextPath()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating shard: %w", err)
	}
	buf := bufio.NewWriterSize(f, 1<<16)
	enc, err := w.codec.NewWriter(buf)
	if err != nil {
		f.Close()
		return fmt.Errorf("starting %s encoder: %w", w.codec.Name, err)
	}

	w.file, w.buf, w.enc = f, buf, enc
	w.path, w.written = path, 0
	w.logger.Debug("shard opened", "path", path)
	if w.OnOpen != nil {
		w.OnOpen(path)
	}
	return nil
}

func (w *Writer) closeCurrent() error {
	info := Info{Path: w.path, Bytes: w.written}
	f := w.file
	encErr := w.enc.Close()
	flushErr := w.buf.Flush()
	w.file, w.buf, w.enc = nil, nil, nil
	w.path, w.written = "", 0

	if fi, err := f.Stat(); err == nil {
		info.CompressedBytes = fi.Size()
	}
	closeErr := f.Close()
	if err := errors.Join(encErr, flushErr, closeErr); err != nil {
		return fmt.Errorf("closing shard %s: %w", info.Path, err)
	}

	w.logger.Info("shard closed",
		"path", info.Path,
		"written", humanize.Bytes(uint64(info.Bytes)),
		"compressed", humanize.Bytes(uint64(info.CompressedBytes)),
	)
	if w.OnClose != nil {
		w.OnClose(info)
	}
	return nil
}
