package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/kalambet/threadcorpus/internal/codec"
)

// Stats counts what a Stream call consumed.
type Stats struct {
	Files   int
	Lines   int64
	Skipped int64
	Records int64
}

// Reader enumerates archives under a directory and streams their records.
type Reader struct {
	path   string
	fields Fields
	logger *slog.Logger

	// OnFile, if set, is called before each archive is opened.
	OnFile func(path string)
}

// NewReader creates a Reader over path, which may be a directory of
// archives or a single archive file.
func NewReader(path string, fields Fields) *Reader {
	return &Reader{
		path:   path,
		fields: fields.withDefaults(),
		logger: slog.Default(),
	}
}

// Files returns the archives Stream will read, in lexical order. Files with
// unrecognized extensions are ignored.
func (r *Reader) Files() ([]string, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("reading input %s: %w", r.path, err)
	}
	if !info.IsDir() {
		if _, ok := codec.ForPath(r.path); !ok {
			return nil, fmt.Errorf("unsupported archive type: %s", r.path)
		}
		return []string{r.path}, nil
	}

	entries, err := os.ReadDir(r.path)
	if err != nil {
		return nil, fmt.Errorf("listing input directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := codec.ForPath(e.Name()); !ok {
			continue
		}
		files = append(files, filepath.Join(r.path, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Stream decodes every record of every archive and hands it to fn in file
// order. Incomplete lines are skipped. A decoding failure or an error from fn
// stops the stream and is returned. Cancellation is checked between lines.
func (r *Reader) Stream(ctx context.Context, fn func(Record) error) (Stats, error) {
	var st Stats
	files, err := r.Files()
	if err != nil {
		return st, err
	}
	for _, path := range files {
		if r.OnFile != nil {
			r.OnFile(path)
		}
		r.logger.Info("loading archive", "file", filepath.Base(path))
		if err := r.streamFile(ctx, path, &st, fn); err != nil {
			return st, err
		}
		st.Files++
	}
	return st, nil
}

func (r *Reader) streamFile(ctx context.Context, path string, st *Stats, fn func(Record) error) error {
	c, _ := codec.ForPath(path)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	dec, err := c.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return fmt.Errorf("opening %s stream %s: %w", c.Name, path, err)
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 1<<20)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			st.Lines++
			if !Complete(line) {
				st.Skipped++
			} else {
				rec, err := Decode(line, r.fields)
				if err != nil {
					var fe *FieldError
					if errors.As(err, &fe) {
						fe.File = path
						fe.Line = lineNo
					}
					return err
				}
				st.Records++
				if err := fn(rec); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading %s: %w", path, readErr)
		}
	}
}
