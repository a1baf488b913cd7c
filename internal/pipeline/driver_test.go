package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/threadcorpus/internal/archive"
	"github.com/kalambet/threadcorpus/internal/codec"
	"github.com/kalambet/threadcorpus/internal/metrics"
	"github.com/kalambet/threadcorpus/internal/storage"
)

type comment struct {
	id, parent, author, group, body string
	ups                             int
}

func (c comment) json() string {
	parent := "null"
	if c.parent != "" {
		parent = fmt.Sprintf("%q", c.parent)
	}
	return fmt.Sprintf(`{"name":%q,"body":%q,"ups":%d,"downs":0,"author":%q,"parent_id":%s,"subreddit":%q}`,
		c.id, c.body, c.ups, c.author, parent, c.group)
}

func mustCodec(t *testing.T, name string) codec.Codec {
	t.Helper()
	c, err := codec.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", name, err)
	}
	return c
}

// writeArchive writes lines as a bz2 archive and returns its directory.
func writeArchive(t *testing.T, name string, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w, err := mustCodec(t, "bz2").NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return dir
}

func jsonLines(cs ...comment) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.json()
	}
	return out
}

func testOptions(t *testing.T, input string) Options {
	t.Helper()
	return Options{
		InputPath:      input,
		Fields:         archive.DefaultFields(),
		OutputDir:      filepath.Join(t.TempDir(), "parsed"),
		BaseName:       "corpus",
		Codec:          mustCodec(t, "bz2"),
		ReportFile:     "subreddits.txt",
		CacheCapacity:  100,
		OutputFileSize: 1 << 20,
	}
}

// readCorpus decompresses every shard in dir in index order.
func readCorpus(t *testing.T, dir string, c codec.Codec) string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "corpus_*"+c.Ext))
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return paths[i] < paths[j]
	})
	var b strings.Builder
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			t.Fatal(err)
		}
		r, err := c.NewReader(f)
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		f.Close()
		if err != nil {
			t.Fatalf("reading %s: %v", p, err)
		}
		b.Write(data)
	}
	return b.String()
}

type fakeLedger struct {
	fail    bool
	runs    map[string]storage.RunStatus
	totals  storage.RunTotals
	errMsg  string
	flushes []storage.Flush
	shards  []storage.Shard
}

var errLedgerDown = errors.New("ledger down")

// reportingLedger snapshots the report file each time a flush is recorded.
type reportingLedger struct {
	fakeLedger
	path    string
	reports []string
}

func (l *reportingLedger) RecordFlush(f storage.Flush) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	l.reports = append(l.reports, string(data))
	return l.fakeLedger.RecordFlush(f)
}

func (l *fakeLedger) StartRun(r storage.Run) (string, error) {
	if l.fail {
		return "", errLedgerDown
	}
	if l.runs == nil {
		l.runs = make(map[string]storage.RunStatus)
	}
	l.runs["run-1"] = storage.RunRunning
	return "run-1", nil
}

func (l *fakeLedger) FinishRun(id string, status storage.RunStatus, totals storage.RunTotals, errMsg string) error {
	if l.fail {
		return errLedgerDown
	}
	l.runs[id] = status
	l.totals = totals
	l.errMsg = errMsg
	return nil
}

func (l *fakeLedger) RecordFlush(f storage.Flush) error {
	if l.fail {
		return errLedgerDown
	}
	l.flushes = append(l.flushes, f)
	return nil
}

func (l *fakeLedger) RecordShard(s storage.Shard) error {
	if l.fail {
		return errLedgerDown
	}
	l.shards = append(l.shards, s)
	return nil
}

var editorThread = []comment{
	{id: "t1_a", author: "alice", group: "golang", body: "what is the best editor"},
	{id: "t1_b", parent: "t1_a", author: "bob", group: "golang", body: "vim obviously, no contest", ups: 5},
	{id: "t1_c", parent: "t1_b", author: "alice", group: "golang", body: "why vim over emacs though"},
	{id: "t1_d", parent: "t1_c", author: "bob", group: "golang", body: "modal editing is faster"},
	{id: "t1_e", author: "carol", group: "zig", body: "anyone here use zig?"},
	{id: "t1_f", parent: "t1_e", author: "dave", group: "zig", body: "yes, daily at work"},
	{id: "t1_g", parent: "t1_e", author: "erin", group: "zig", body: "nope"},
}

func TestRun_EndToEnd(t *testing.T) {
	lines := jsonLines(editorThread...)
	lines = append(lines, `{"name":"t1_x","body":"truncated`)
	input := writeArchive(t, "RC_2015-01.bz2", lines...)

	opts := testOptions(t, input)
	ledger := &fakeLedger{}
	reg := prometheus.NewRegistry()
	d := New(opts, ledger, metrics.NewParser(reg))

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "X: what is the best editor\n" +
		"A: vim obviously, no contest\n" +
		"X: why vim over emacs though\n" +
		"A: modal editing is faster\n" +
		"===\n" +
		"X: anyone here use zig?\n" +
		"A: yes, daily at work\n" +
		"===\n"
	if got := readCorpus(t, opts.OutputDir, opts.Codec); got != want {
		t.Errorf("corpus:\n%s\nwant:\n%s", got, want)
	}

	report, err := os.ReadFile(filepath.Join(opts.OutputDir, "subreddits.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(report) != "golang: 4\nzig: 2\n" {
		t.Errorf("report = %q", report)
	}

	if res.Files != 1 || res.Lines != 8 || res.Skipped != 1 || res.Records != 7 || res.Qualified != 6 {
		t.Errorf("counts = %+v", res)
	}
	if res.Chains != 2 || res.Turns != 6 || res.Flushes != 1 || len(res.Shards) != 1 {
		t.Errorf("output = %+v", res)
	}
	if res.RunID != "run-1" {
		t.Errorf("RunID = %q", res.RunID)
	}

	if ledger.runs["run-1"] != storage.RunCompleted {
		t.Errorf("ledger status = %q", ledger.runs["run-1"])
	}
	if diff := cmp.Diff(storage.RunTotals{Records: 7, Qualified: 6, Chains: 2, Turns: 6, Shards: 1}, ledger.totals); diff != "" {
		t.Errorf("ledger totals (-want +got):\n%s", diff)
	}
	if len(ledger.flushes) != 1 || ledger.flushes[0].Reason != "final" {
		t.Errorf("ledger flushes = %+v", ledger.flushes)
	}
	if len(ledger.shards) != 1 || ledger.shards[0].Path != filepath.Join(opts.OutputDir, "corpus_1.bz2") {
		t.Errorf("ledger shards = %+v", ledger.shards)
	}

	snap := d.Progress()
	if snap.State != "done" || snap.Chains != 2 || snap.ShardsOpened != 1 || snap.ShardsClosed != 1 || snap.Shard != "" {
		t.Errorf("progress = %+v", snap)
	}
}

func TestRun_CrossCycleLinksNotReconstructed(t *testing.T) {
	input := writeArchive(t, "dump.bz2", jsonLines(
		comment{id: "A", author: "a", group: "g", body: "first root post"},
		comment{id: "B", parent: "A", author: "b", group: "g", body: "reply to the first"},
		comment{id: "C", author: "c", group: "g", body: "lonely root post"},
		comment{id: "D", parent: "B", author: "a", group: "g", body: "late follow-up on B"},
		comment{id: "E", parent: "D", author: "b", group: "g", body: "answer to the late one"},
	)...)

	opts := testOptions(t, input)
	opts.CacheCapacity = 2
	ledger := &fakeLedger{}
	res, err := New(opts, ledger, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "X: first root post\nA: reply to the first\n===\n" +
		"X: late follow-up on B\nA: answer to the late one\n===\n"
	if got := readCorpus(t, opts.OutputDir, opts.Codec); got != want {
		t.Errorf("corpus:\n%s\nwant:\n%s", got, want)
	}
	if res.Flushes != 2 || res.Demoted != 1 {
		t.Errorf("flushes = %d demoted = %d, want 2 and 1", res.Flushes, res.Demoted)
	}
	if len(ledger.flushes) != 2 || ledger.flushes[0].Reason != "capacity" || ledger.flushes[1].Seq != 2 {
		t.Errorf("ledger flushes = %+v", ledger.flushes)
	}
}

func TestRun_RotatesShards(t *testing.T) {
	input := writeArchive(t, "dump.bz2", jsonLines(editorThread...)...)
	opts := testOptions(t, input)
	opts.OutputFileSize = 50

	d := New(opts, nil, nil)
	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Each chain write reaches the cap on its own.
	if len(res.Shards) != 2 {
		t.Fatalf("shards = %+v, want 2", res.Shards)
	}
	if filepath.Base(res.Shards[1].Path) != "corpus_2.bz2" {
		t.Errorf("second shard = %s", res.Shards[1].Path)
	}
	if res.RunID != "" {
		t.Errorf("RunID without ledger = %q", res.RunID)
	}
	if snap := d.Progress(); snap.ShardsOpened != 2 || snap.ShardsClosed != 2 {
		t.Errorf("opened = %d closed = %d, want 2 and 2", snap.ShardsOpened, snap.ShardsClosed)
	}
}

func TestRun_ReportStableAcrossEmptyFinalFlush(t *testing.T) {
	input := writeArchive(t, "dump.bz2", jsonLines(
		comment{id: "A", author: "a", group: "golang", body: "first root post"},
		comment{id: "B", parent: "A", author: "b", group: "zig", body: "reply to the first"},
		comment{id: "C", author: "c", group: "golang", body: "lonely root post"},
	)...)

	opts := testOptions(t, input)
	opts.CacheCapacity = 2
	ledger := &reportingLedger{path: filepath.Join(opts.OutputDir, opts.ReportFile)}
	res, err := New(opts, ledger, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Flushes != 2 || len(ledger.reports) != 2 {
		t.Fatalf("flushes = %d, reports seen = %d, want 2 and 2", res.Flushes, len(ledger.reports))
	}
	if ledger.flushes[1].Lines != 0 {
		t.Errorf("final flush lines = %d, want 0", ledger.flushes[1].Lines)
	}
	if diff := cmp.Diff(ledger.reports[0], ledger.reports[1]); diff != "" {
		t.Errorf("report changed on the empty final flush (-capacity +final):\n%s", diff)
	}
	if ledger.reports[1] != "golang: 2\nzig: 1\n" {
		t.Errorf("report = %q", ledger.reports[1])
	}
}

func TestRun_OutputNotDir(t *testing.T) {
	input := writeArchive(t, "dump.bz2", jsonLines(editorThread...)...)
	opts := testOptions(t, input)
	if err := os.WriteFile(opts.OutputDir, []byte("not a dir"), 0o644); err != nil {
		t.Fatal(err)
	}

	ledger := &fakeLedger{}
	_, err := New(opts, ledger, nil).Run(context.Background())
	if !errors.Is(err, ErrOutputNotDir) {
		t.Fatalf("Run = %v, want ErrOutputNotDir", err)
	}
	if len(ledger.runs) != 0 {
		t.Error("run recorded before output validation")
	}
}

func TestRun_MissingFieldIsFatal(t *testing.T) {
	input := writeArchive(t, "dump.bz2",
		comment{id: "A", author: "a", group: "g", body: "first root post"}.json(),
		`{"name":"B","body":"no author here","ups":1,"downs":0,"parent_id":"A","subreddit":"g"}`,
	)
	opts := testOptions(t, input)
	ledger := &fakeLedger{}

	_, err := New(opts, ledger, nil).Run(context.Background())
	var fe *archive.FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("Run = %v, want *archive.FieldError", err)
	}
	if fe.Field != "author" || fe.Line != 2 || !errors.Is(err, archive.ErrMissingField) {
		t.Errorf("FieldError = %+v", fe)
	}
	if ledger.runs["run-1"] != storage.RunFailed || ledger.errMsg == "" {
		t.Errorf("ledger status = %q msg = %q", ledger.runs["run-1"], ledger.errMsg)
	}
}

func TestRun_Cancelled(t *testing.T) {
	input := writeArchive(t, "dump.bz2", jsonLines(editorThread...)...)
	opts := testOptions(t, input)
	ledger := &fakeLedger{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(opts, ledger, nil)
	res, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if len(res.Shards) != 0 || res.Chains != 0 {
		t.Errorf("cancelled run produced output: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(opts.OutputDir, "subreddits.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("report written on cancel: %v", err)
	}
	if ledger.runs["run-1"] != storage.RunCancelled {
		t.Errorf("ledger status = %q", ledger.runs["run-1"])
	}
	if got := d.Progress().State; got != "cancelled" {
		t.Errorf("state = %q", got)
	}
}

func TestRun_LedgerFailuresDoNotAbort(t *testing.T) {
	input := writeArchive(t, "dump.bz2", jsonLines(editorThread...)...)
	opts := testOptions(t, input)

	res, err := New(opts, &fakeLedger{fail: true}, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Chains != 2 {
		t.Errorf("Chains = %d, want 2", res.Chains)
	}
}

func TestRun_SQLiteLedger(t *testing.T) {
	input := writeArchive(t, "dump.bz2", jsonLines(editorThread...)...)
	opts := testOptions(t, input)

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	res, err := New(opts, store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	run, err := store.GetRun(res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunCompleted || run.Chains != 2 || run.Shards != 1 || run.Compression != "bz2" {
		t.Errorf("run = %+v", run)
	}
	shards, err := store.ListShards(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != 1 || shards[0].Bytes != res.Bytes {
		t.Errorf("shards = %+v, want one of %d bytes", shards, res.Bytes)
	}
}

func TestRun_InvalidOptions(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	opts.CacheCapacity = 0
	if _, err := New(opts, nil, nil).Run(context.Background()); err == nil {
		t.Error("Run accepted zero cache capacity")
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateStreaming:       "streaming",
		StateStreamExhausted: "stream_exhausted",
		StateFinalFlush:      "final_flush",
		StateDone:            "done",
		State(99):            "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
	if !StateCancelled.Terminal() || StateReporting.Terminal() {
		t.Error("Terminal mismatch")
	}
}
