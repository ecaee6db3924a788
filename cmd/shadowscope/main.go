package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowscope/shadowscope/internal/api"
	"github.com/shadowscope/shadowscope/internal/config"
	"github.com/shadowscope/shadowscope/internal/correlate"
	"github.com/shadowscope/shadowscope/internal/db"
	"github.com/shadowscope/shadowscope/internal/entities"
	"github.com/shadowscope/shadowscope/internal/export"
	"github.com/shadowscope/shadowscope/internal/ingest"
	"github.com/shadowscope/shadowscope/internal/leads"
	"github.com/shadowscope/shadowscope/internal/ontology"
	"github.com/shadowscope/shadowscope/internal/tagging"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shadowscope",
		Short: "Procurement records investigation pipeline",
		Long: `ShadowScope ingests government procurement records, tags them
against a keyword/regex ontology, scores them for investigative
relevance, and groups related records into correlations.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{"version": version, "commit": commit, "date": buildDate})
			} else {
				fmt.Printf("shadowscope %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize shadowscope config and database",
		Run: func(cmd *cobra.Command, args []string) {
			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail("create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("create data directory: %v", err)
			}
			if err := db.Init(); err != nil {
				fail("initialize database: %v", err)
			}
			dbPath, err := db.GetPath()
			if err != nil {
				fail("get database path: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "config_dir": configDir, "data_dir": dataDir, "db_path": dbPath})
			} else {
				fmt.Printf("Initialized.\n  Config: %s\n  Data:   %s\n  DB:     %s\n", configDir, dataDir, dbPath)
			}
		},
	})

	rootCmd.AddCommand(ontologyCmd())
	rootCmd.AddCommand(correlateCmd())
	rootCmd.AddCommand(leadsCmd())
	rootCmd.AddCommand(entitiesCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func ontologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ontology",
		Short: "Ontology validation and tagging",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate an ontology file and print its fingerprint",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			doc, err := ontology.Load(args[0])
			if err != nil {
				fail("load ontology: %v", err)
			}
			errs := ontology.Validate(doc)
			summary := ontology.Summarize(doc)
			if jsonOutput {
				printJSON(map[string]any{"valid": len(errs) == 0, "errors": errs, "summary": summary})
			} else {
				if len(errs) == 0 {
					fmt.Printf("Valid. version=%s packs=%d rules=%d hash=%s\n",
						summary.Version, summary.Packs, summary.TotalRules, summary.Hash)
				} else {
					fmt.Printf("Invalid (%d problems):\n", len(errs))
					for _, e := range errs {
						fmt.Printf("  - %s\n", e)
					}
				}
			}
			if len(errs) > 0 {
				os.Exit(1)
			}
		},
	})

	var applyOpts tagging.Options
	apply := &cobra.Command{
		Use:   "apply <path>",
		Short: "Apply an ontology to stored events",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			res, err := tagging.Apply(cmd.Context(), database, args[0], applyOpts)
			if err != nil {
				fail("apply ontology: %v", err)
			}
			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("Run %d: scanned=%d updated=%d unchanged=%d (dry_run=%v)\n",
					res.AnalysisRunID, res.Scanned, res.Updated, res.Unchanged, res.DryRun)
			}
		},
	}
	defaults := tagging.DefaultOptions()
	apply.Flags().IntVar(&applyOpts.Days, "days", defaults.Days, "Window of events to re-tag")
	apply.Flags().StringVar(&applyOpts.Source, "source", defaults.Source, "Event source")
	apply.Flags().IntVar(&applyOpts.Batch, "batch", defaults.Batch, "Scan batch size")
	apply.Flags().BoolVar(&applyOpts.DryRun, "dry-run", false, "Compute without writing")
	cmd.AddCommand(apply)

	var watchOpts tagging.Options
	var debounceSec int
	watch := &cobra.Command{
		Use:   "watch <path>",
		Short: "Re-apply the ontology whenever the file changes",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Watching %s (Ctrl+C to stop)\n", args[0])
			err := tagging.Watch(ctx, database, args[0], watchOpts, time.Duration(debounceSec)*time.Second,
				func(res tagging.Result, err error) {
					if err != nil {
						fmt.Fprintf(os.Stderr, "[%s] apply failed: %v\n", time.Now().Format("15:04:05"), err)
						return
					}
					fmt.Printf("[%s] run %d: scanned=%d updated=%d unchanged=%d\n",
						time.Now().Format("15:04:05"), res.AnalysisRunID, res.Scanned, res.Updated, res.Unchanged)
				})
			if err != nil {
				fail("watch ontology: %v", err)
			}
		},
	}
	watch.Flags().IntVar(&watchOpts.Days, "days", defaults.Days, "Window of events to re-tag")
	watch.Flags().StringVar(&watchOpts.Source, "source", defaults.Source, "Event source")
	watch.Flags().IntVar(&watchOpts.Batch, "batch", defaults.Batch, "Scan batch size")
	watch.Flags().IntVar(&debounceSec, "debounce", 2, "Seconds to wait after a change before re-applying")
	cmd.AddCommand(watch)

	return cmd
}

func correlateCmd() *cobra.Command {
	var lane string
	var params correlate.Params

	cmd := &cobra.Command{
		Use:   "correlate",
		Short: "Rebuild correlation lanes",
	}

	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Reconcile correlations for one lane (or all)",
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			engine := correlate.NewEngine(database)
			ctx := cmd.Context()

			type laneRun struct {
				name string
				fn   func(context.Context, correlate.Params) (correlate.Summary, error)
			}
			all := []laneRun{
				{correlate.LaneSameEntity, engine.RebuildSameEntity},
				{correlate.LaneSameIdentifier, engine.RebuildSameIdentifier},
				{correlate.LaneSameKeyword, engine.RebuildSameKeyword},
				{correlate.LaneKeywordPair, engine.RebuildKeywordPair},
			}

			var runs []laneRun
			if lane == "all" {
				runs = all
			} else {
				for _, lr := range all {
					if lr.name == lane {
						runs = []laneRun{lr}
					}
				}
				if runs == nil {
					fail("unknown lane %q (expected same_entity, same_identifier, same_keyword, keyword_pair, or all)", lane)
				}
			}

			var summaries []correlate.Summary
			for _, lr := range runs {
				sum, err := lr.fn(ctx, params)
				if err != nil {
					fail("rebuild %s: %v", lr.name, err)
				}
				summaries = append(summaries, sum)
			}

			if jsonOutput {
				printJSON(summaries)
			} else {
				for _, sum := range summaries {
					fmt.Printf("%s: created=%d updated=%d deleted=%d links=%d (dry_run=%v)\n",
						sum.Lane, sum.CorrelationsCreated, sum.CorrelationsUpdated,
						sum.CorrelationsDeleted, sum.LinksCreated, sum.DryRun)
				}
			}
		},
	}

	cfg := config.Default().Correlate
	rebuild.Flags().StringVar(&lane, "lane", "all", "Lane to rebuild")
	rebuild.Flags().IntVar(&params.WindowDays, "window-days", cfg.WindowDays, "Correlation window in days")
	rebuild.Flags().StringVar(&params.Source, "source", "USAspending", "Event source (empty for all)")
	rebuild.Flags().IntVar(&params.MinEvents, "min-events", cfg.MinEvents, "Minimum group size")
	rebuild.Flags().IntVar(&params.MaxEvents, "max-events", cfg.MaxEvents, "Maximum group size (keyword lanes)")
	rebuild.Flags().IntVar(&params.MaxKeywordsPerEvent, "max-keywords", cfg.MaxKeywordsPerEvent, "Pair enumeration bound per event")
	rebuild.Flags().BoolVar(&params.DryRun, "dry-run", false, "Compute without writing")
	cmd.AddCommand(rebuild)

	return cmd
}

func leadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "Lead snapshots and deltas",
	}

	var snapParams leads.SnapshotParams
	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Rank current events and persist an immutable snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			res, err := leads.CreateSnapshot(cmd.Context(), database, snapParams)
			if err != nil {
				fail("create snapshot: %v", err)
			}
			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("Snapshot %d: %d items (scanned %d, scoring %s)\n",
					res.SnapshotID, res.Items, res.Scanned, res.ScoringVersion)
			}
		},
	}
	lopts := leads.DefaultOptions()
	snapshot.Flags().Int64Var(&snapParams.AnalysisRunID, "analysis-run-id", 0, "Link to an existing analysis run")
	snapshot.Flags().StringVar(&snapParams.Source, "source", "", "Only include this source")
	snapshot.Flags().StringVar(&snapParams.ExcludeSource, "exclude-source", "", "Exclude this source")
	snapshot.Flags().IntVar(&snapParams.MinScore, "min-score", lopts.MinScore, "Minimum score to keep")
	snapshot.Flags().IntVar(&snapParams.Limit, "limit", lopts.Limit, "Maximum ranked items to persist")
	snapshot.Flags().IntVar(&snapParams.ScanLimit, "scan-limit", lopts.ScanLimit, "Most recent events to scan")
	snapshot.Flags().StringVar(&snapParams.ScoringVersion, "scoring", lopts.ScoringVersion, "Scoring version (v1 or v2)")
	snapshot.Flags().StringVar(&snapParams.Notes, "notes", "", "Free-form notes")
	snapParams.PairBonusMultiplier = lopts.PairBonusMultiplier
	snapParams.PairBonusCap = lopts.PairBonusCap
	snapParams.TopN = lopts.TopN
	snapParams.RestScale = lopts.RestScale
	cmd.AddCommand(snapshot)

	var fromID, toID int64
	delta := &cobra.Command{
		Use:   "delta",
		Short: "Diff two snapshots by stable event hash",
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			report, err := leads.Delta(cmd.Context(), database, fromID, toID)
			if err != nil {
				fail("compute delta: %v", err)
			}
			if jsonOutput {
				printJSON(report)
			} else {
				fmt.Printf("Delta %d -> %d: new=%d removed=%d changed=%d\n",
					fromID, toID, report.Counts.New, report.Counts.Removed, report.Counts.Changed)
			}
		},
	}
	delta.Flags().Int64Var(&fromID, "from", 0, "Source snapshot id")
	delta.Flags().Int64Var(&toID, "to", 0, "Target snapshot id")
	_ = delta.MarkFlagRequired("from")
	_ = delta.MarkFlagRequired("to")
	cmd.AddCommand(delta)

	return cmd
}

func entitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "Entity resolution",
	}

	var opts entities.Options
	link := &cobra.Command{
		Use:   "link",
		Short: "Link unlinked events to entities derived from raw payloads",
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			res, err := entities.Link(cmd.Context(), database, opts)
			if err != nil {
				fail("link entities: %v", err)
			}
			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("Linked %d events (%d new entities, %d skipped, scanned %d)\n",
					res.Linked, res.EntitiesCreated, res.SkippedNoName, res.Scanned)
			}
		},
	}
	edefaults := entities.DefaultOptions()
	link.Flags().StringVar(&opts.Source, "source", edefaults.Source, "Event source")
	link.Flags().IntVar(&opts.Days, "days", edefaults.Days, "Window of events to link")
	link.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Compute without writing")
	cmd.AddCommand(link)

	return cmd
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Data ingestion routines",
	}

	var opts ingest.Options
	usaspending := &cobra.Command{
		Use:   "usaspending",
		Short: "Pull recent awards from the USAspending API",
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			if opts.SnapshotDir == "" {
				rawDir, err := config.GetRawDir()
				if err != nil {
					fail("get raw dir: %v", err)
				}
				opts.SnapshotDir = filepath.Join(rawDir, "usaspending", time.Now().UTC().Format("20060102"))
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			client := ingest.NewClient(logger)
			res, err := client.Run(cmd.Context(), database, opts)
			if err != nil {
				fail("ingest usaspending: %v", err)
			}
			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("Ingested %d rows (%d inserted, %d normalized)\nRaw snapshots: %s\n",
					res.Fetched, res.Inserted, res.Normalized, res.SnapshotDir)
			}
		},
	}
	idefaults := config.Default().Ingest
	usaspending.Flags().IntVar(&opts.Days, "days", idefaults.Days, "Days of history to request")
	usaspending.Flags().IntVar(&opts.Limit, "limit", idefaults.Limit, "Maximum records to pull")
	usaspending.Flags().IntVar(&opts.Pages, "pages", idefaults.Pages, "Maximum API pages to request")
	usaspending.Flags().StringVar(&opts.SnapshotDir, "snapshot-dir", "", "Override raw snapshot directory")
	cmd.AddCommand(usaspending)

	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Data export routines",
	}

	var outDir string
	events := &cobra.Command{
		Use:   "events",
		Short: "Export all events to CSV and JSONL",
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			if outDir == "" {
				var err error
				outDir, err = config.GetExportDir()
				if err != nil {
					fail("get export dir: %v", err)
				}
			}

			res, err := export.Events(cmd.Context(), database, outDir)
			if err != nil {
				fail("export events: %v", err)
			}
			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("Events CSV: %s\nEvents JSONL: %s\nRows exported: %d\n",
					res.CSVPath, res.JSONLPath, res.Count)
			}
		},
	}
	events.Flags().StringVar(&outDir, "out", "", "Output directory")
	cmd.AddCommand(events)

	var corrOut string
	corrOpts := export.CorrelationsOptions{
		Source:   config.Default().Source,
		MinScore: -1,
		Limit:    500,
	}
	correlations := &cobra.Command{
		Use:   "correlations",
		Short: "Export filtered correlations with linked events to JSON",
		Run: func(cmd *cobra.Command, args []string) {
			database := openDB()
			defer database.Close()

			if corrOut == "" {
				var err error
				corrOut, err = config.GetExportDir()
				if err != nil {
					fail("get export dir: %v", err)
				}
			}

			res, err := export.Correlations(cmd.Context(), database, corrOut, corrOpts)
			if err != nil {
				fail("export correlations: %v", err)
			}
			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("Correlations JSON: %s\nCorrelations exported: %d\n", res.JSONPath, res.Count)
			}
		},
	}
	correlations.Flags().StringVar(&corrOut, "out", "", "Output directory")
	correlations.Flags().StringVar(&corrOpts.Source, "source", corrOpts.Source, "Keep correlations with a linked event from this source (empty for all)")
	correlations.Flags().StringVar(&corrOpts.Lane, "lane", "", "Restrict to one lane")
	correlations.Flags().IntVar(&corrOpts.WindowDays, "window-days", 0, "Restrict to one window size")
	correlations.Flags().IntVar(&corrOpts.MinScore, "min-score", -1, "Minimum numeric score (-1 disables)")
	correlations.Flags().IntVar(&corrOpts.Limit, "limit", 500, "Maximum correlations to export")
	cmd.AddCommand(correlations)

	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the read-only HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fail("load config: %v", err)
			}
			if addr == "" {
				addr = cfg.API.Addr
			}

			database := openDB()
			defer database.Close()

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			server := api.NewServer(database, logger)
			if err := server.ListenAndServe(addr); err != nil {
				fail("serve: %v", err)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func openDB() *sql.DB {
	if err := db.Init(); err != nil {
		fail("initialize database: %v", err)
	}
	database, err := db.Open()
	if err != nil {
		fail("open database: %v", err)
	}
	return database
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: marshal output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
