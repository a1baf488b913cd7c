// Package pipeline drives a parse run: it streams archive records through
// the qualification filter into the cache, and flushes the cache into
// output shards whenever it fills up and once more at the end.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/threadcorpus/internal/archive"
	"github.com/kalambet/threadcorpus/internal/codec"
	"github.com/kalambet/threadcorpus/internal/metrics"
	"github.com/kalambet/threadcorpus/internal/qualify"
	"github.com/kalambet/threadcorpus/internal/report"
	"github.com/kalambet/threadcorpus/internal/shard"
	"github.com/kalambet/threadcorpus/internal/storage"
	"github.com/kalambet/threadcorpus/internal/thread"
)

// ErrOutputNotDir is returned when the output path exists but is not a
// directory.
var ErrOutputNotDir = errors.New("output path is not a directory")

const (
	reasonCapacity = "capacity"
	reasonFinal    = "final"
)

// Options configures one parse run.
type Options struct {
	InputPath      string
	Fields         archive.Fields
	Rules          qualify.Rules
	OutputDir      string
	BaseName       string
	Codec          codec.Codec
	ReportFile     string // file name inside OutputDir
	CacheCapacity  int
	OutputFileSize int64
	ReportInterval int64 // log progress every N qualified records; 0 disables
}

func (o Options) validate() error {
	switch {
	case o.InputPath == "":
		return errors.New("input path is empty")
	case o.OutputDir == "":
		return errors.New("output directory is empty")
	case o.BaseName == "":
		return errors.New("output base name is empty")
	case o.Codec.NewWriter == nil:
		return errors.New("output codec is not set")
	case o.ReportFile == "":
		return errors.New("report file name is empty")
	case o.CacheCapacity <= 0:
		return fmt.Errorf("cache capacity must be positive, got %d", o.CacheCapacity)
	case o.OutputFileSize <= 0:
		return fmt.Errorf("output file size must be positive, got %d", o.OutputFileSize)
	}
	return nil
}

// Ledger records runs, flushes and shards. Failures are logged and never
// abort a run.
type Ledger interface {
	StartRun(r storage.Run) (string, error)
	FinishRun(id string, status storage.RunStatus, totals storage.RunTotals, errMsg string) error
	RecordFlush(f storage.Flush) error
	RecordShard(s storage.Shard) error
}

// Result summarizes a finished run.
type Result struct {
	RunID      string
	Files      int
	Lines      int64
	Skipped    int64
	Records    int64
	Qualified  int64
	Flushes    int
	Chains     int64
	Turns      int64
	Dropped    int64
	Demoted    int64
	Bytes      int64
	Shards     []shard.Info
	Groups     int
	ReportSize int64
	Elapsed    time.Duration
}

// RunContext is the mutable state of a single run. It is owned by the
// driver goroutine.
type RunContext struct {
	ID      string
	Started time.Time
	Cache   *thread.Cache
	Counter *report.Counter
	Writer  *shard.Writer
	Result  Result
}

// Driver runs the parse pipeline. A Driver performs a single run.
type Driver struct {
	opts    Options
	filter  *qualify.Filter
	counter *report.Counter
	ledger  Ledger
	metrics *metrics.Parser
	logger  *slog.Logger

	progress progress
}

// New creates a Driver. ledger and m may be nil.
func New(opts Options, ledger Ledger, m *metrics.Parser) *Driver {
	return &Driver{
		opts:    opts,
		filter:  qualify.New(opts.Rules),
		counter: report.NewCounter(),
		ledger:  ledger,
		metrics: m,
		logger:  slog.Default(),
	}
}

// Counter returns the run's per-group tally. It may be read while the run
// is in progress.
func (d *Driver) Counter() *report.Counter { return d.counter }

// Progress returns a snapshot of the run's progress.
func (d *Driver) Progress() Snapshot { return d.progress.get() }

// ReportPath returns where the group report is written.
func (d *Driver) ReportPath() string {
	return filepath.Join(d.opts.OutputDir, d.opts.ReportFile)
}

// Run processes the whole input. Cancelling ctx stops the stream between
// records; the partial cache is then discarded, the open shard is closed
// and ctx's error is returned.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	if err := d.opts.validate(); err != nil {
		return Result{}, err
	}
	if err := prepareOutputDir(d.opts.OutputDir); err != nil {
		return Result{}, err
	}

	rc := d.newRunContext()
	d.startLedger(rc)
	d.logger.Info("parse started",
		"run_id", rc.ID,
		"input", d.opts.InputPath,
		"output", d.opts.OutputDir,
		"compression", d.opts.Codec.Name,
		"cache_capacity", d.opts.CacheCapacity,
		"output_file_size", humanize.Bytes(uint64(d.opts.OutputFileSize)),
	)
	d.setState(StateStreaming)

	reader := archive.NewReader(d.opts.InputPath, d.opts.Fields)
	reader.OnFile = func(path string) {
		d.progress.update(func(s *Snapshot) { s.File = filepath.Base(path) })
	}
	st, err := reader.Stream(ctx, func(rec archive.Record) error {
		return d.accept(rc, rec)
	})
	rc.Result.Files = st.Files
	rc.Result.Lines = st.Lines
	rc.Result.Skipped = st.Skipped
	d.metrics.SkippedLines(st.Skipped)

	if err != nil {
		closeErr := rc.Writer.Close()
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			d.finish(rc, StateCancelled, closeErr)
			d.logger.Warn("parse cancelled, cached lines discarded", "cached", rc.Cache.Len())
			return rc.Result, err
		}
		err = errors.Join(err, closeErr)
		d.finish(rc, StateFailed, err)
		return rc.Result, err
	}

	d.setState(StateStreamExhausted)
	d.setState(StateFinalFlush)
	if err := d.flush(rc, reasonFinal); err != nil {
		err = errors.Join(err, rc.Writer.Close())
		d.finish(rc, StateFailed, err)
		return rc.Result, err
	}
	if err := rc.Writer.Close(); err != nil {
		d.finish(rc, StateFailed, err)
		return rc.Result, err
	}

	d.finish(rc, StateDone, nil)
	return rc.Result, nil
}

func (d *Driver) newRunContext() *RunContext {
	rc := &RunContext{
		Started: time.Now(),
		Cache:   thread.NewCache(d.opts.CacheCapacity),
		Counter: d.counter,
		Writer:  shard.New(d.opts.OutputDir, d.opts.BaseName, d.opts.Codec, d.opts.OutputFileSize),
	}
	rc.Writer.OnOpen = func(path string) { d.shardOpened(rc, path) }
	rc.Writer.OnClose = func(info shard.Info) { d.shardClosed(rc, info) }
	d.progress.update(func(s *Snapshot) {
		*s = Snapshot{StartedAt: rc.Started}
	})
	return rc
}

func (d *Driver) accept(rc *RunContext, rec archive.Record) error {
	rc.Result.Records++
	ok := d.filter.Qualifies(&rec)
	d.metrics.Record(ok)
	if !ok {
		d.publish(rc)
		return nil
	}

	rc.Counter.Inc(rec.Group)
	rc.Cache.Put(thread.NewLine(rec))
	rc.Result.Qualified++
	d.publish(rc)

	if d.opts.ReportInterval > 0 && rc.Result.Qualified%d.opts.ReportInterval == 0 {
		d.logger.Info("progress",
			"qualified", rc.Result.Qualified,
			"records", rc.Result.Records,
			"cached", rc.Cache.Len(),
			"chains", rc.Result.Chains,
			"elapsed", time.Since(rc.Started).Round(time.Second),
		)
	}

	if rc.Cache.OverCapacity() {
		if err := d.flush(rc, reasonCapacity); err != nil {
			return err
		}
		d.setState(StateStreaming)
	}
	return nil
}

// flush runs one reconcile, emit and report cycle and clears the cache.
func (d *Driver) flush(rc *RunContext, reason string) error {
	start := time.Now()
	lines := rc.Cache.Len()

	d.setState(StateReconciling)
	rs := thread.Reconcile(rc.Cache)

	d.setState(StateEmitting)
	es, err := thread.Emit(rc.Cache, rc.Writer)
	rc.Result.Chains += int64(es.Chains)
	rc.Result.Turns += int64(es.Turns)
	rc.Result.Dropped += int64(es.Dropped)
	rc.Result.Demoted += int64(rs.Demoted)
	rc.Result.Bytes += es.Bytes
	if err != nil {
		return fmt.Errorf("emitting chains: %w", err)
	}

	d.setState(StateReporting)
	size, err := rc.Counter.WriteFile(d.ReportPath())
	if err != nil {
		return err
	}
	rc.Result.ReportSize = size
	rc.Result.Groups = rc.Counter.Len()

	rc.Cache.Reset()
	rc.Result.Flushes++
	took := time.Since(start)

	d.logger.Info("flush complete",
		"reason", reason,
		"lines", lines,
		"demoted", rs.Demoted,
		"chains", es.Chains,
		"dropped", es.Dropped,
		"written", humanize.Bytes(uint64(es.Bytes)),
		"report_size", humanize.Bytes(uint64(size)),
		"took", took.Round(time.Millisecond),
	)
	d.metrics.Flush(reason, took, es.Chains, es.Dropped, rs.Demoted, es.Bytes)
	d.publish(rc)

	if d.ledger != nil && rc.ID != "" {
		err := d.ledger.RecordFlush(storage.Flush{
			RunID:   rc.ID,
			Seq:     rc.Result.Flushes,
			Reason:  reason,
			Lines:   lines,
			Demoted: rs.Demoted,
			Chains:  es.Chains,
			Turns:   es.Turns,
			Dropped: es.Dropped,
			Bytes:   es.Bytes,
		})
		if err != nil {
			d.logger.Warn("ledger: recording flush failed", "error", err)
		}
	}
	return nil
}

func (d *Driver) shardOpened(rc *RunContext, path string) {
	d.progress.update(func(s *Snapshot) {
		s.Shard = path
		s.ShardBytes = 0
		s.ShardsOpened++
	})
	d.logger.Info("writing shard", "path", path, "run_id", rc.ID)
}

func (d *Driver) shardClosed(rc *RunContext, info shard.Info) {
	rc.Result.Shards = append(rc.Result.Shards, info)
	d.metrics.ShardClosed()
	d.progress.update(func(s *Snapshot) { s.ShardsClosed = len(rc.Result.Shards) })

	if d.ledger != nil && rc.ID != "" {
		err := d.ledger.RecordShard(storage.Shard{
			RunID:           rc.ID,
			Path:            info.Path,
			Bytes:           info.Bytes,
			CompressedBytes: info.CompressedBytes,
		})
		if err != nil {
			d.logger.Warn("ledger: recording shard failed", "path", info.Path, "error", err)
		}
	}
}

func (d *Driver) publish(rc *RunContext) {
	shardPath, shardBytes := rc.Writer.Current()
	d.progress.update(func(s *Snapshot) {
		s.RunID = rc.ID
		s.Records = rc.Result.Records
		s.Qualified = rc.Result.Qualified
		s.CacheLines = rc.Cache.Len()
		s.Flushes = rc.Result.Flushes
		s.Chains = rc.Result.Chains
		s.Turns = rc.Result.Turns
		s.BytesWritten = rc.Result.Bytes
		s.Shard = shardPath
		s.ShardBytes = shardBytes
	})
	d.metrics.CacheLines(rc.Cache.Len())
}

func (d *Driver) setState(s State) {
	d.progress.update(func(snap *Snapshot) { snap.State = s.String() })
	d.metrics.State(s.String(), StateNames())
	d.logger.Debug("state", "state", s.String())
}

func (d *Driver) startLedger(rc *RunContext) {
	if d.ledger == nil {
		return
	}
	settings, _ := json.Marshal(map[string]any{
		"cache_capacity":   d.opts.CacheCapacity,
		"output_file_size": d.opts.OutputFileSize,
		"base_name":        d.opts.BaseName,
		"report_file":      d.opts.ReportFile,
		"rules":            d.opts.Rules,
	})
	id, err := d.ledger.StartRun(storage.Run{
		StartedAt:   rc.Started,
		Input:       d.opts.InputPath,
		OutputDir:   d.opts.OutputDir,
		Compression: d.opts.Codec.Name,
		Settings:    string(settings),
	})
	if err != nil {
		d.logger.Warn("ledger: starting run failed", "error", err)
		return
	}
	rc.ID = id
	rc.Result.RunID = id
}

func (d *Driver) finish(rc *RunContext, s State, runErr error) {
	rc.Result.Elapsed = time.Since(rc.Started)
	d.setState(s)
	d.publish(rc)
	d.progress.update(func(snap *Snapshot) { snap.FinishedAt = time.Now() })

	switch s {
	case StateDone:
		d.logger.Info("parse finished",
			"chains", rc.Result.Chains,
			"shards", len(rc.Result.Shards),
			"written", humanize.Bytes(uint64(rc.Result.Bytes)),
			"elapsed", rc.Result.Elapsed.Round(time.Second),
		)
	case StateFailed:
		d.logger.Error("parse failed", "error", runErr)
	}

	if d.ledger == nil || rc.ID == "" {
		return
	}
	status := storage.RunCompleted
	var msg string
	switch s {
	case StateCancelled:
		status = storage.RunCancelled
	case StateFailed:
		status = storage.RunFailed
	}
	if runErr != nil {
		msg = runErr.Error()
	}
	totals := storage.RunTotals{
		Records:   rc.Result.Records,
		Qualified: rc.Result.Qualified,
		Chains:    rc.Result.Chains,
		Turns:     rc.Result.Turns,
		Shards:    int64(len(rc.Result.Shards)),
	}
	if err := d.ledger.FinishRun(rc.ID, status, totals, msg); err != nil {
		d.logger.Warn("ledger: finishing run failed", "error", err)
	}
}

// prepareOutputDir creates dir unless it already exists as a directory.
func prepareOutputDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%w: %s", ErrOutputNotDir, dir)
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("checking output directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return nil
}
