package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/threadcorpus/internal/api"
	"github.com/kalambet/threadcorpus/internal/config"
	"github.com/kalambet/threadcorpus/internal/report"
	"github.com/kalambet/threadcorpus/internal/storage"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the report and run ledger as MCP tools over stdio",
	Long: `Serve the report and run ledger as MCP tools over stdio.

The report is read once from the output directory at start. Progress of a
parse running in another process is available from its status server at /mcp.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Output.Dir = outputDir(cmd, cfg)

		deps, closeFn, err := mcpDeps(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		slog.Info("MCP server started (stdio transport)", "report", cfg.ReportPath())
		err = server.NewStdioServer(api.NewMCPServer(deps)).Listen(cmdContext(cmd), os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// mcpDeps loads the last report and opens the run ledger. A missing report
// serves an empty tally.
func mcpDeps(cfg config.Config) (api.StatusDeps, func(), error) {
	counter, err := report.Load(cfg.ReportPath())
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("no report yet; serving an empty tally", "path", cfg.ReportPath())
		counter = report.NewCounter()
	} else if err != nil {
		return api.StatusDeps{}, nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return api.StatusDeps{}, nil, fmt.Errorf("opening storage: %w", err)
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}
	return api.StatusDeps{Report: counter, Runs: store}, closeFn, nil
}
