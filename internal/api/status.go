package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/threadcorpus/internal/pipeline"
	"github.com/kalambet/threadcorpus/internal/report"
	"github.com/kalambet/threadcorpus/internal/storage"
)

// ProgressSource exposes the live state of a parse run.
type ProgressSource interface {
	Progress() pipeline.Snapshot
}

// ReportSource exposes the per-group tally.
type ReportSource interface {
	Top(n int) []report.Entry
	Total() int64
}

// RunStore reads the run ledger.
type RunStore interface {
	ListRuns(limit int) ([]storage.Run, error)
	GetRun(id string) (storage.Run, error)
	ListFlushes(runID string) ([]storage.Flush, error)
	ListShards(runID string) ([]storage.Shard, error)
}

// StatusDeps holds what the status API reads from. Runs and Gatherer may be
// nil; the matching endpoints then answer 404.
type StatusDeps struct {
	Progress ProgressSource
	Report   ReportSource
	Runs     RunStore
	Gatherer prometheus.Gatherer
	Token    string // guards everything except /health when set
}

// NewStatusHandler builds the read-only status API. The same reads are
// offered as MCP tools over streamable HTTP at /mcp.
func NewStatusHandler(deps StatusDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/status", handleStatus(deps))
		r.Get("/report", handleReport(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		if deps.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
		}
		r.Handle("/mcp", server.NewStreamableHTTPServer(NewMCPServer(deps)))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func handleStatus(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Progress == nil {
			httpError(w, http.StatusNotFound, "not_found", "no parse run in this process")
			return
		}
		writeJSON(w, deps.Progress.Progress())
	}
}

type reportEntry struct {
	Group string `json:"group"`
	Count int64  `json:"count"`
}

type reportView struct {
	Total  int64         `json:"total"`
	Groups []reportEntry `json:"groups"`
}

func newReportView(src ReportSource, top int) reportView {
	entries := src.Top(top)
	out := make([]reportEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, reportEntry{Group: e.Group, Count: e.Count})
	}
	return reportView{Total: src.Total(), Groups: out}
}

func handleReport(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Report == nil {
			httpError(w, http.StatusNotFound, "not_found", "no report in this process")
			return
		}
		// top=0 returns every group.
		writeJSON(w, newReportView(deps.Report, parseIntParam(r, "top", 20, 10000)))
	}
}

type runView struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Input       string     `json:"input"`
	OutputDir   string     `json:"output_dir"`
	Compression string     `json:"compression"`
	Records     int64      `json:"records"`
	Qualified   int64      `json:"qualified"`
	Chains      int64      `json:"chains"`
	Turns       int64      `json:"turns"`
	Shards      int64      `json:"shards"`
	Error       string     `json:"error,omitempty"`
}

func newRunView(r storage.Run) runView {
	v := runView{
		ID:          r.ID,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		Input:       r.Input,
		OutputDir:   r.OutputDir,
		Compression: r.Compression,
		Records:     r.Records,
		Qualified:   r.Qualified,
		Chains:      r.Chains,
		Turns:       r.Turns,
		Shards:      r.Shards,
		Error:       r.Error,
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

func listRunViews(runs RunStore, limit int) ([]runView, error) {
	list, err := runs.ListRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]runView, 0, len(list))
	for _, run := range list {
		out = append(out, newRunView(run))
	}
	return out, nil
}

func handleListRuns(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Runs == nil {
			httpError(w, http.StatusNotFound, "not_found", "run ledger is disabled")
			return
		}
		out, err := listRunViews(deps.Runs, parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, out)
	}
}

type flushView struct {
	Seq     int    `json:"seq"`
	Reason  string `json:"reason"`
	Lines   int    `json:"lines"`
	Demoted int    `json:"demoted"`
	Chains  int    `json:"chains"`
	Dropped int    `json:"dropped"`
	Bytes   int64  `json:"bytes"`
}

type shardView struct {
	Path            string `json:"path"`
	Bytes           int64  `json:"bytes"`
	CompressedBytes int64  `json:"compressed_bytes"`
}

type runDetail struct {
	Run     runView     `json:"run"`
	Flushes []flushView `json:"flushes"`
	Shards  []shardView `json:"shards"`
}

// loadRunDetail reads a run with its flushes and shards. A missing run
// yields storage.ErrNotFound.
func loadRunDetail(runs RunStore, id string) (runDetail, error) {
	run, err := runs.GetRun(id)
	if err != nil {
		return runDetail{}, err
	}
	flushes, err := runs.ListFlushes(id)
	if err != nil {
		return runDetail{}, fmt.Errorf("failed to load flushes: %w", err)
	}
	shards, err := runs.ListShards(id)
	if err != nil {
		return runDetail{}, fmt.Errorf("failed to load shards: %w", err)
	}

	d := runDetail{
		Run:     newRunView(run),
		Flushes: make([]flushView, 0, len(flushes)),
		Shards:  make([]shardView, 0, len(shards)),
	}
	for _, f := range flushes {
		d.Flushes = append(d.Flushes, flushView{Seq: f.Seq, Reason: f.Reason, Lines: f.Lines, Demoted: f.Demoted, Chains: f.Chains, Dropped: f.Dropped, Bytes: f.Bytes})
	}
	for _, sh := range shards {
		d.Shards = append(d.Shards, shardView{Path: sh.Path, Bytes: sh.Bytes, CompressedBytes: sh.CompressedBytes})
	}
	return d, nil
}

func handleGetRun(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Runs == nil {
			httpError(w, http.StatusNotFound, "not_found", "run ledger is disabled")
			return
		}
		id := chi.URLParam(r, "id")
		detail, err := loadRunDetail(deps.Runs, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, detail)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
