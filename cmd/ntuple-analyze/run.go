package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/ntuple-tools/internal/analysis"
	"github.com/banshee-data/ntuple-tools/internal/calib"
	"github.com/banshee-data/ntuple-tools/internal/classifier"
	"github.com/banshee-data/ntuple-tools/internal/clustering"
	"github.com/banshee-data/ntuple-tools/internal/config"
	"github.com/banshee-data/ntuple-tools/internal/metrics"
	"github.com/banshee-data/ntuple-tools/internal/monitoring"
	"github.com/banshee-data/ntuple-tools/internal/ntuple"
	"github.com/banshee-data/ntuple-tools/internal/selection"
	"github.com/banshee-data/ntuple-tools/internal/storage/sqlite"
)

type runOptions struct {
	configPath string
	sample     string
	collection string
	maxEvents  int
	batchIdx   int
	workers    int

	// Overrides apply only for flags given on the command line.
	maxEventsSet bool
	workersSet   bool
	debugSet     bool
}

// allSamples selects every sample of the chosen collection.
const allSamples = "all"

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process samples and write their histograms",
		Example: `  ntuple-analyze run -f analysis.yaml -s ele_flat_pt -n 1000
  ntuple-analyze run -f analysis.yaml -s ele_flat_pt -r 3
  ntuple-analyze run -f analysis.yaml -p electrons -s all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			o.maxEventsSet = cmd.Flags().Changed("max-events")
			o.workersSet = cmd.Flags().Changed("workers")
			o.debugSet = cmd.Flags().Changed("debug")
			res, err := runSamples(ctx, o)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d events (%d failed)\n", res.Processed, res.Failed)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "f", "", "analysis configuration (YAML)")
	f.StringVarP(&o.sample, "sample", "s", "", `sample to process, or "all" for every sample of the collection`)
	f.StringVarP(&o.collection, "collection", "p", "", "collection whose plotters are run")
	f.IntVarP(&o.maxEvents, "max-events", "n", 0, "maximum number of events (-1 for all)")
	f.IntVarP(&o.batchIdx, "batch", "r", config.Interactive, "batch job index (-1 for interactive)")
	f.IntVarP(&o.workers, "workers", "j", 0, "clustering workers per event")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("sample")
	return cmd
}

// applyOverrides merges command-line values into cfg and revalidates it.
func applyOverrides(cfg *config.Config, o runOptions) error {
	if o.maxEventsSet {
		n := o.maxEvents
		cfg.MaxEvents = &n
	}
	if o.workersSet {
		w := o.workers
		cfg.Workers = &w
	}
	if o.debugSet {
		cfg.Debug = debugLevel
	}
	return cfg.Validate()
}

// configureLogger rebuilds the logger at the configured debug level when
// -d was not given. The root command built it from the flag default.
func configureLogger(cfg *config.Config, o runOptions) error {
	if o.debugSet || cfg.Debug == debugLevel {
		return nil
	}
	l, err := monitoring.NewLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if logger != nil {
		_ = logger.Sync()
	}
	logger = l
	monitoring.SetZapLogger(l)
	return nil
}

// selectSamples resolves -s and -p into the samples to process, in order.
func selectSamples(cfg *config.Config, o runOptions) ([]string, error) {
	if o.collection == "" {
		if o.sample == allSamples {
			return nil, &config.ConfigurationError{Key: "collection", Reason: `-s all needs a collection (-p)`}
		}
		if _, err := cfg.Sample(o.sample); err != nil {
			return nil, err
		}
		return []string{o.sample}, nil
	}

	coll, ok := cfg.Collections[o.collection]
	if !ok {
		return nil, &config.ConfigurationError{Key: "collections." + o.collection, Reason: "unknown collection"}
	}
	if o.sample == allSamples {
		if len(coll.Samples) == 0 {
			return nil, &config.ConfigurationError{Key: "collections." + o.collection + ".samples", Reason: "no samples"}
		}
		return coll.Samples, nil
	}
	for _, s := range coll.Samples {
		if s == o.sample {
			return []string{s}, nil
		}
	}
	return nil, &config.ConfigurationError{
		Key:    "collections." + o.collection + ".samples",
		Reason: fmt.Sprintf("sample %q is not in the collection", o.sample),
	}
}

// plotterGroups returns the plotter groups for a sample. With a collection
// they are that collection's groups; otherwise they are the groups of every
// collection listing sample, in collection name order. Either way an empty
// result falls back to the default groups.
func plotterGroups(cfg *config.Config, sample, collection string) []string {
	var groups []string
	seen := map[string]bool{}
	add := func(coll config.CollectionConfig) {
		for _, g := range coll.Plotters {
			if !seen[g] {
				seen[g] = true
				groups = append(groups, g)
			}
		}
	}
	if collection != "" {
		add(cfg.Collections[collection])
	} else {
		for _, name := range sortedKeys(cfg.Collections) {
			coll := cfg.Collections[name]
			for _, s := range coll.Samples {
				if s == sample {
					add(coll)
					break
				}
			}
		}
	}
	if len(groups) == 0 {
		return analysis.DefaultGroups
	}
	return groups
}

func buildPlotters(groups []string) ([]analysis.Plotter, error) {
	cat := selection.NewCatalogue()
	var out []analysis.Plotter
	for _, g := range groups {
		ps, err := analysis.PlotterGroup(g, cat)
		if err != nil {
			return nil, &config.ConfigurationError{Key: "collections.plotters", Reason: err.Error()}
		}
		out = append(out, ps...)
	}
	return out, nil
}

// runEnv holds what every sample of one invocation shares.
type runEnv struct {
	cfg   *config.Config
	table *calib.Table
	bdt   *classifier.BDT
	rods  clustering.RodMapping
	store *sqlite.Store
}

// runSamples processes every selected sample in turn and returns the summed
// counts. RunID is that of the last sample.
func runSamples(ctx context.Context, o runOptions) (analysis.Result, error) {
	var total analysis.Result

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return total, err
	}
	if err := applyOverrides(cfg, o); err != nil {
		return total, err
	}
	if err := configureLogger(cfg, o); err != nil {
		return total, err
	}
	samples, err := selectSamples(cfg, o)
	if err != nil {
		return total, err
	}

	env := runEnv{cfg: cfg}
	if env.table, err = calib.LoadTable(cfg.CalibrationFile); err != nil {
		return total, err
	}
	if env.bdt, err = classifier.Load(cfg.BDTWeightsFile); err != nil {
		return total, err
	}
	if cfg.RodMappingFile != "" {
		if env.rods, err = clustering.LoadRodMapping(cfg.RodMappingFile); err != nil {
			return total, err
		}
	}
	if cfg.Store != "" {
		if env.store, err = sqlite.Open(cfg.Store); err != nil {
			return total, err
		}
		defer env.store.Close()
	}
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	for _, name := range samples {
		res, err := runSample(ctx, env, name, o)
		total.Processed += res.Processed
		total.Failed += res.Failed
		total.Errors = append(total.Errors, res.Errors...)
		if res.RunID != "" {
			total.RunID = res.RunID
		}
		if err != nil {
			return total, fmt.Errorf("sample %s: %w", name, err)
		}
	}
	return total, nil
}

// runSample processes one sample with its own analyzer and histograms.
func runSample(ctx context.Context, env runEnv, name string, o runOptions) (analysis.Result, error) {
	var res analysis.Result
	cfg := env.cfg

	sampleCfg, err := cfg.Sample(name)
	if err != nil {
		return res, err
	}
	plotters, err := buildPlotters(plotterGroups(cfg, name, o.collection))
	if err != nil {
		return res, err
	}

	src, err := ntuple.NewJSONLSource(cfg.InputPath(sampleCfg))
	if err != nil {
		return res, err
	}
	defer src.Close()

	opts := analysis.Options{
		Config:      cfg,
		Sample:      name,
		Calibration: env.table,
		Classifier:  env.bdt,
		RodMapping:  env.rods,
		Plotters:    plotters,
	}
	if env.store != nil {
		opts.Store = env.store
	}
	a, err := analysis.New(opts)
	if err != nil {
		return res, err
	}

	r := config.RangeForJob(src.NEvents(), cfg.GetMaxEvents(), cfg.EventsPerJobFor(sampleCfg), o.batchIdx)
	monitoring.Logger().Info("processing sample",
		zap.String("sample", name),
		zap.Int("first", r.First),
		zap.Int("last", r.Last))
	res, err = a.Run(ctx, src, r)
	if err != nil {
		return res, err
	}

	out := cfg.OutputPath(name, o.batchIdx)
	if err := a.Histos().Save(out); err != nil {
		return res, err
	}
	monitoring.Logger().Info("wrote histograms",
		zap.String("path", filepath.Clean(out)),
		zap.Int("histograms", a.Histos().Len()))
	return res, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logger().Warn("metrics server stopped", zap.Error(err))
		}
	}()
	monitoring.Logger().Info("serving metrics", zap.String("addr", addr))
	return srv
}
