package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kalambet/threadcorpus/internal/api"
	"github.com/kalambet/threadcorpus/internal/archive"
	"github.com/kalambet/threadcorpus/internal/codec"
	"github.com/kalambet/threadcorpus/internal/config"
	"github.com/kalambet/threadcorpus/internal/metrics"
	"github.com/kalambet/threadcorpus/internal/pipeline"
	"github.com/kalambet/threadcorpus/internal/qualify"
	"github.com/kalambet/threadcorpus/internal/storage"
)

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse archives into conversation shards",
	Long: `Stream every archive under the input directory, keep qualifying comments,
reconstruct reply chains and write them to compressed output shards.

Examples:
  threadcorpus parse
  threadcorpus parse --input ./datasets --output ./parsed
  threadcorpus parse --status-addr 127.0.0.1:9100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		input, _ := cmd.Flags().GetString("input")
		output, _ := cmd.Flags().GetString("output")
		statusAddr, _ := cmd.Flags().GetString("status-addr")
		noLedger, _ := cmd.Flags().GetBool("no-ledger")
		if input != "" {
			cfg.Archive.InputDir = input
		}
		if output != "" {
			cfg.Output.Dir = output
		}
		if statusAddr != "" {
			cfg.Status.Addr = statusAddr
		}
		return runParse(cmd.Context(), cfg, !noLedger)
	},
}

func init() {
	parseCmd.Flags().String("input", "", "archive file or directory (overrides archive.input_dir)")
	parseCmd.Flags().String("output", "", "output directory (overrides output.dir)")
	parseCmd.Flags().String("status-addr", "", "serve the status API on this address (overrides status.addr)")
	parseCmd.Flags().Bool("no-ledger", false, "do not record the run in the run ledger")
}

func parseOptions(cfg config.Config) (pipeline.Options, error) {
	c, err := codec.Lookup(cfg.Output.Compression)
	if err != nil {
		return pipeline.Options{}, err
	}
	fields := archive.DefaultFields()
	if cfg.Archive.IDField != "" {
		fields.ID = cfg.Archive.IDField
	}
	if cfg.Archive.GroupField != "" {
		fields.Group = cfg.Archive.GroupField
	}
	return pipeline.Options{
		InputPath: cfg.Archive.InputDir,
		Fields:    fields,
		Rules: qualify.Rules{
			CommunityAllowlist: cfg.Filter.CommunityAllowlist,
			CommunityDenylist:  cfg.Filter.CommunityDenylist,
			SubstringDenylist:  cfg.Filter.SubstringDenylist,
		},
		OutputDir:      cfg.Output.Dir,
		BaseName:       cfg.Output.BaseName,
		Codec:          c,
		ReportFile:     cfg.Output.ReportFile,
		CacheCapacity:  cfg.Parser.CacheCapacity,
		OutputFileSize: cfg.Parser.OutputFileSize,
		ReportInterval: int64(cfg.Parser.ReportInterval),
	}, nil
}

func runParse(parent context.Context, cfg config.Config, useLedger bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := parseOptions(cfg)
	if err != nil {
		return err
	}

	// Open the run ledger. The driver takes a nil interface when disabled.
	var (
		store  *storage.Store
		ledger pipeline.Ledger
	)
	if useLedger {
		store, err = storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				printWarning("closing storage: %v", err)
			}
		}()
		ledger = store
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	driver := pipeline.New(opts, ledger, metrics.NewParser(reg))

	if cfg.Status.Addr != "" {
		deps := api.StatusDeps{
			Progress: driver,
			Report:   driver.Counter(),
			Gatherer: reg,
			Token:    cfg.Status.Token,
		}
		if store != nil {
			deps.Runs = store
		}
		shutdown, err := serveStatus(ctx, cfg.Status.Addr, api.NewStatusHandler(deps))
		if err != nil {
			return err
		}
		defer shutdown()
	}

	printStep("Parsing %s into %s", opts.InputPath, opts.OutputDir)
	res, err := driver.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			printWarning("Parse interrupted after %s records; cached lines were discarded", countLabel(res.Records))
		}
		return err
	}

	printSuccess("Parse finished in %s", res.Elapsed.Round(time.Second))
	printStatus("Files", "%d", res.Files)
	printStatus("Records", "%s (%s qualified, %s incomplete lines skipped)",
		countLabel(res.Records), countLabel(res.Qualified), countLabel(res.Skipped))
	printStatus("Chains", "%s (%s turns, %s dropped)", countLabel(res.Chains), countLabel(res.Turns), countLabel(res.Dropped))
	var compressed int64
	for _, sh := range res.Shards {
		compressed += sh.CompressedBytes
	}
	printStatus("Output", "%d shards, %s", len(res.Shards), sizeLabel(res.Bytes, compressed))
	printStatus("Report", "%s (%d groups)", driver.ReportPath(), res.Groups)
	if res.RunID != "" {
		printStatus("Run", "%s", res.RunID)
	}
	return nil
}

// serveStatus starts the status API in the background. The returned func
// shuts it down.
func serveStatus(ctx context.Context, addr string, h http.Handler) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status server: %w", err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server error", "error", err)
		}
	}()
	slog.Info("status server listening", "addr", ln.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("status server shutdown", "error", err)
		}
	}, nil
}
