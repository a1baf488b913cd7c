package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/threadcorpus/internal/codec"
	"github.com/kalambet/threadcorpus/internal/config"
	"github.com/kalambet/threadcorpus/internal/inspect"
	"github.com/kalambet/threadcorpus/internal/pipeline"
	"github.com/kalambet/threadcorpus/internal/report"
	"github.com/kalambet/threadcorpus/internal/storage"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of a running parse",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Status.Addr
		}
		if addr == "" {
			return errors.New("no status address; set status.addr or pass --addr")
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		client := newStatusClient(addr, cfg.Status.Token)
		resp, err := client.get(cmdContext(cmd), "/status")
		if err != nil {
			return err
		}
		var snap pipeline.Snapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}
		if asJSON {
			return printJSON(snap)
		}
		printSnapshot(snap)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("addr", "", "status server address (default: status.addr)")
	statusCmd.Flags().Bool("json", false, "print the raw snapshot as JSON")
}

func printSnapshot(s pipeline.Snapshot) {
	printStatus("State", "%s", s.State)
	if s.RunID != "" {
		printStatus("Run", "%s", s.RunID)
	}
	if s.File != "" {
		printStatus("File", "%s", s.File)
	}
	printStatus("Records", "%s (%s qualified)", countLabel(s.Records), countLabel(s.Qualified))
	printStatus("Cache", "%s lines, %d flushes", countLabel(int64(s.CacheLines)), s.Flushes)
	printStatus("Chains", "%s (%s turns)", countLabel(s.Chains), countLabel(s.Turns))
	printStatus("Written", "%s in %d closed shards", sizeLabel(s.BytesWritten, 0), s.ShardsClosed)
	if s.Shard != "" {
		printStatus("Current shard", "%s (%s)", s.Shard, sizeLabel(s.ShardBytes, 0))
	}
	printStatus("Elapsed", "%s", s.Elapsed)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the shards in the output directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := outputDir(cmd, cfg)
		c, err := codec.Lookup(cfg.Output.Compression)
		if err != nil {
			return err
		}
		shards, err := inspect.FindShards(dir, cfg.Output.BaseName, c)
		if err != nil {
			return err
		}
		if len(shards) == 0 {
			fmt.Println("No shards found.")
			return nil
		}
		sum, err := inspect.Stats(cmdContext(cmd), shards, c)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SHARD\tCHAINS\tTURNS\tSIZE")
		for _, s := range sum.Shards {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				filepath.Base(s.Path), countLabel(s.Chains), countLabel(s.Turns), sizeLabel(s.Bytes, s.CompressedBytes))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			colorize(colorBold, "total"), countLabel(sum.Chains), countLabel(sum.Turns), sizeLabel(sum.Bytes, sum.CompressedBytes))
		return tw.Flush()
	},
}

// --- merge ---

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Concatenate all shards into one file",
	Long: `Decompress every shard in index order and write them to a single file.
The target is compressed when its extension names a codec (.bz2, .zst, .gz).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		to, _ := cmd.Flags().GetString("to")
		if to == "" {
			return errors.New("--to is required")
		}
		dir := outputDir(cmd, cfg)
		c, err := codec.Lookup(cfg.Output.Compression)
		if err != nil {
			return err
		}
		shards, err := inspect.FindShards(dir, cfg.Output.BaseName, c)
		if err != nil {
			return err
		}
		if len(shards) == 0 {
			return fmt.Errorf("no %s shards found in %s", cfg.Output.BaseName, dir)
		}
		n, err := inspect.Merge(cmdContext(cmd), shards, c, to)
		if err != nil {
			return err
		}
		printSuccess("Merged %d shards (%s) into %s", len(shards), sizeLabel(n, 0), to)
		return nil
	},
}

func init() {
	mergeCmd.Flags().String("to", "", "target file")
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the per-community report of the last parse",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		top, _ := cmd.Flags().GetInt("top")
		cfg.Output.Dir = outputDir(cmd, cfg)
		path := cfg.ReportPath()

		entries, err := report.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no report at %s; run parse first", path)
		}
		if err != nil {
			return err
		}
		var total int64
		for _, e := range entries {
			total += e.Count
		}
		if top > 0 && top < len(entries) {
			entries = entries[:top]
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\n", e.Group, countLabel(e.Count))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		printStatus("Groups", "%d", len(entries))
		printStatus("Total", "%s", countLabel(total))
		return nil
	},
}

func init() {
	reportCmd.Flags().Int("top", 0, "show only the N largest groups (0 shows all)")
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs [id]",
	Short: "List recorded parse runs, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		if len(args) == 1 {
			return showRun(store, args[0])
		}

		if prune, _ := cmd.Flags().GetInt("prune"); prune > 0 {
			n, err := store.PruneRuns(prune)
			if err != nil {
				return err
			}
			printSuccess("Pruned %d runs", n)
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := store.ListRuns(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %s  %-9s  %s chains  %s\n",
				colorize(colorCyan, shortID(r.ID)),
				r.StartedAt.Local().Format(time.DateTime),
				statusLabel(r.Status),
				countLabel(r.Chains),
				r.Input,
			)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsCmd.Flags().Int("prune", 0, "delete all but the N newest finished runs first")
}

func showRun(store *storage.Store, id string) error {
	run, err := store.GetRun(id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return err
	}
	flushes, err := store.ListFlushes(id)
	if err != nil {
		return err
	}
	shards, err := store.ListShards(id)
	if err != nil {
		return err
	}

	printStatus("Run", "%s", run.ID)
	printStatus("Status", "%s", statusLabel(run.Status))
	printStatus("Started", "%s", run.StartedAt.Local().Format(time.DateTime))
	if !run.FinishedAt.IsZero() {
		printStatus("Finished", "%s (%s)", run.FinishedAt.Local().Format(time.DateTime), run.FinishedAt.Sub(run.StartedAt))
	}
	printStatus("Input", "%s", run.Input)
	printStatus("Output", "%s (%s)", run.OutputDir, run.Compression)
	printStatus("Records", "%s (%s qualified)", countLabel(run.Records), countLabel(run.Qualified))
	printStatus("Chains", "%s (%s turns)", countLabel(run.Chains), countLabel(run.Turns))
	if run.Error != "" {
		printStatus("Error", "%s", colorize(colorRed, run.Error))
	}
	for _, f := range flushes {
		fmt.Printf("  flush %-3d %-8s  %s lines  %s chains  %s demoted  %s\n",
			f.Seq, f.Reason, countLabel(int64(f.Lines)), countLabel(int64(f.Chains)), countLabel(int64(f.Demoted)), sizeLabel(f.Bytes, 0))
	}
	for _, s := range shards {
		fmt.Printf("  shard %s  %s\n", s.Path, sizeLabel(s.Bytes, s.CompressedBytes))
	}
	return nil
}

func statusLabel(s storage.RunStatus) string {
	switch s {
	case storage.RunCompleted:
		return colorize(colorGreen, string(s))
	case storage.RunFailed:
		return colorize(colorRed, string(s))
	case storage.RunCancelled:
		return colorize(colorYellow, string(s))
	}
	return string(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFrom(configPath)
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(configPath, key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(configPath, args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("threadcorpus version %s\n", version)
	},
}

// outputDir returns --output when the command has it set, else output.dir.
func outputDir(cmd *cobra.Command, cfg config.Config) string {
	if f := cmd.Flags().Lookup("output"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return cfg.Output.Dir
}

func init() {
	for _, c := range []*cobra.Command{statsCmd, mergeCmd, reportCmd, mcpCmd} {
		c.Flags().String("output", "", "output directory (overrides output.dir)")
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
