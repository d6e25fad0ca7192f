package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/banshee-data/ntuple-tools/internal/calib"
	"github.com/banshee-data/ntuple-tools/internal/classifier"
	"github.com/banshee-data/ntuple-tools/internal/clustering"
	"github.com/banshee-data/ntuple-tools/internal/config"
	"github.com/banshee-data/ntuple-tools/internal/histos"
	"github.com/banshee-data/ntuple-tools/internal/metrics"
	"github.com/banshee-data/ntuple-tools/internal/monitoring"
	"github.com/banshee-data/ntuple-tools/internal/ntuple"
	"github.com/banshee-data/ntuple-tools/internal/parallel"
	"github.com/banshee-data/ntuple-tools/internal/storage/sqlite"
)

// ResultSink records runs and per-event outcomes. *sqlite.Store implements it.
type ResultSink interface {
	StartRun(sample, configJSON string, firstEntry, lastEntry int) (string, error)
	RecordEventSummary(runID string, e sqlite.EventSummary) error
	RecordFailure(runID string, f sqlite.Failure) error
	FinishRun(runID string, processed, failed int, status string) error
}

// Options holds the collaborators of an Analyzer.
type Options struct {
	Config      *config.Config
	Sample      string
	Calibration *calib.Table
	Classifier  *classifier.BDT
	RodMapping  clustering.RodMapping // Optional: cell to rod bin mapping
	Plotters    []Plotter
	Histos      *histos.Manager // Optional: a fresh manager is created when nil
	Store       ResultSink      // Optional: run bookkeeping
	Logger      *zap.Logger     // Optional: defaults to monitoring.Logger()
}

// Analyzer runs the per-event pipeline over one sample.
type Analyzer struct {
	cfg        *config.Config
	sample     string
	calib      *calib.Table
	bdt        *classifier.BDT
	rods       clustering.RodMapping
	plotters   []Plotter
	histos     *histos.Manager
	store      ResultSink
	log        *zap.Logger
	clusterize bool

	clusterer2D *clustering.Clusterer2D
	algo2D      string
	builder3D   *clustering.Builder3D
	towers3D    *clustering.Builder3D
	merger      *clustering.Merger
}

// Result summarises a Run.
type Result struct {
	Processed int
	Failed    int
	RunID     string
	// Errors holds every event failure, in entry order.
	Errors []*EventError
}

// New validates opts and books the plotters' histograms.
func New(opts Options) (*Analyzer, error) {
	if opts.Config == nil {
		return nil, &config.ConfigurationError{Key: "config", Reason: "missing"}
	}
	if opts.Calibration == nil {
		return nil, &config.ConfigurationError{Key: "calibration_file", Reason: "calibration table not loaded"}
	}
	if opts.Classifier == nil {
		return nil, &config.ConfigurationError{Key: "bdt_weights_file", Reason: "classifier not loaded"}
	}
	cfg := opts.Config
	cl := cfg.Clustering

	a := &Analyzer{
		cfg:         cfg,
		sample:      opts.Sample,
		calib:       opts.Calibration,
		bdt:         opts.Classifier,
		rods:        opts.RodMapping,
		plotters:    opts.Plotters,
		histos:      opts.Histos,
		store:       opts.Store,
		log:         opts.Logger,
		clusterize:  cfg.Common.RunClustering,
		clusterer2D: clustering.NewClusterer2D(cl.DBSCANParams()),
		algo2D:      cl.GetAlgorithm2D(),
		builder3D:   cl.Builder3D(),
		merger:      clustering.NewMerger(cl.GetMergeRadius()),
	}
	a.towers3D = clustering.NewBuilder3D(clustering.Algorithm3DTowers)
	a.towers3D.Towers = cl.TowerParams()
	a.towers3D.Shape = cl.ShapeParams()

	if a.histos == nil {
		a.histos = histos.NewManager()
	}
	if a.log == nil {
		a.log = monitoring.Logger()
	}
	for _, p := range a.plotters {
		if err := p.Book(a.histos); err != nil {
			return nil, fmt.Errorf("failed to book %s histograms: %w", p.Name(), err)
		}
	}
	return a, nil
}

// Histos returns the histogram manager the analyzer fills.
func (a *Analyzer) Histos() *histos.Manager { return a.histos }

// Run processes the entries of r from src. A worker pool is created for the
// run and closed when it returns. Failed events are logged, recorded and
// collected in the Result; with stop_on_error the first failure ends the
// run and is returned.
func (a *Analyzer) Run(ctx context.Context, src ntuple.Source, r config.EventRange) (Result, error) {
	var res Result

	pool := parallel.NewPool(a.cfg.GetWorkers())
	defer pool.Close()
	metrics.SetPoolWorkers(pool.Workers())
	defer metrics.SetPoolWorkers(0)

	if a.store != nil {
		cfgJSON, err := json.Marshal(a.cfg)
		if err != nil {
			return res, fmt.Errorf("failed to encode configuration: %w", err)
		}
		id, err := a.store.StartRun(a.sample, string(cfgJSON), r.First, r.Last)
		if err != nil {
			return res, err
		}
		res.RunID = id
	}

	a.log.Info("processing sample",
		zap.String("sample", a.sample),
		zap.Int("first", r.First),
		zap.Int("last", r.Last),
		zap.Int("workers", pool.Workers()),
		zap.String("run_id", res.RunID))

	maxEvents := a.cfg.GetMaxEvents()
	var runErr error
	for entry := r.First; entry < r.Last; entry++ {
		if maxEvents >= 0 && res.Processed+res.Failed >= maxEvents {
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := a.runEvent(ctx, pool, src, entry, &res); err != nil {
			var ee *EventError
			if !errors.As(err, &ee) {
				runErr = err
				break
			}
			if a.cfg.StopOnError {
				runErr = err
				break
			}
		}
	}

	if a.store != nil {
		status := sqlite.StatusComplete
		if runErr != nil {
			status = sqlite.StatusFailed
		}
		if err := a.store.FinishRun(res.RunID, res.Processed, res.Failed, status); err != nil && runErr == nil {
			runErr = err
		}
	}

	a.log.Info("processed events",
		zap.String("sample", a.sample),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("total", src.NEvents()))
	return res, runErr
}

// runEvent processes and fills one entry. Event failures are recorded and
// returned as *EventError; any other error is fatal for the run.
func (a *Analyzer) runEvent(ctx context.Context, pool *parallel.Pool, src ntuple.Source, entry int, res *Result) error {
	ev, err := src.Event(ctx, entry)
	if err != nil {
		return a.failEvent(res, &EventError{Entry: entry, Stage: StageRead, Err: err})
	}
	if a.cfg.Debug >= 2 || ev.Entry%100 == 0 {
		a.log.Info("event",
			zap.Int("entry", ev.Entry),
			zap.Uint32("run", ev.Run),
			zap.Uint32("lumi", ev.Lumi),
			zap.Uint64("event", ev.Event))
	}

	products, err := a.processEvent(ctx, pool, ev)
	var fills []Fill
	if err == nil {
		fills, err = a.collect(products)
		if err != nil {
			err = eventError(ev, StageFill, err)
		}
	}
	if err != nil {
		var ee *EventError
		if !errors.As(err, &ee) {
			ee = eventError(ev, StageFill, err)
		}
		return a.failEvent(res, ee)
	}

	for _, f := range fills {
		if err := a.histos.Fill(f.Histogram, f.X, f.W); err != nil {
			return fmt.Errorf("entry %d: %w", ev.Entry, err)
		}
	}
	res.Processed++
	metrics.RecordEventProcessed()
	a.recordProducts(products)

	if a.store != nil {
		if err := a.store.RecordEventSummary(res.RunID, summarize(products)); err != nil {
			return fmt.Errorf("failed to record event summary: %w", err)
		}
	}
	return nil
}

func (a *Analyzer) failEvent(res *Result, ee *EventError) error {
	res.Failed++
	res.Errors = append(res.Errors, ee)
	metrics.RecordEventFailure(ee.Stage)
	a.log.Error("event failed",
		zap.Int("entry", ee.Entry),
		zap.Uint32("run", ee.Run),
		zap.Uint32("lumi", ee.Lumi),
		zap.Uint64("event", ee.Event),
		zap.String("stage", ee.Stage),
		zap.Error(ee.Err))
	if a.store != nil {
		err := a.store.RecordFailure(res.RunID, sqlite.Failure{
			Entry:   ee.Entry,
			Run:     ee.Run,
			Lumi:    ee.Lumi,
			Event:   ee.Event,
			Stage:   ee.Stage,
			Message: ee.Err.Error(),
		})
		if err != nil {
			return fmt.Errorf("failed to record failure of entry %d: %w", ee.Entry, err)
		}
	}
	return ee
}

// collect gathers the fills of every plotter. Nothing is filled unless all
// plotters succeed.
func (a *Analyzer) collect(p *EventProducts) ([]Fill, error) {
	var fills []Fill
	for _, pl := range a.plotters {
		f, err := pl.Collect(p)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f...)
	}
	return fills, nil
}

func (a *Analyzer) recordProducts(p *EventProducts) {
	for _, s := range []*TPSet{p.DEF, p.DEFCalib, p.DEFCalibB, p.DEFMerged, p.DBS, p.DBSp, p.DEFp} {
		if s != nil {
			metrics.RecordClusters(s.Name, len(s.Clusters3D))
		}
	}
}

func summarize(p *EventProducts) sqlite.EventSummary {
	s := sqlite.EventSummary{
		Entry:  p.Entry,
		Run:    p.Run,
		Lumi:   p.Lumi,
		Event:  p.Event,
		NCells: len(p.DEF.Cells),
		NCl2D:  len(p.DEF.Clusters2D),
		NCl3D:  len(p.DEF.Clusters3D),
	}
	if p.DEFMerged != nil {
		s.NMerged = len(p.DEFMerged.Clusters3D)
	}
	if p.DBS != nil {
		s.NDBSCAN = len(p.DBS.Clusters3D)
	}
	return s
}

func eventError(ev *ntuple.Event, stage string, err error) *EventError {
	return &EventError{Entry: ev.Entry, Run: ev.Run, Lumi: ev.Lumi, Event: ev.Event, Stage: stage, Err: err}
}

// ProcessEvent builds the products of a single event on a temporary pool.
func (a *Analyzer) ProcessEvent(ctx context.Context, ev *ntuple.Event) (*EventProducts, error) {
	pool := parallel.NewPool(a.cfg.GetWorkers())
	defer pool.Close()
	return a.processEvent(ctx, pool, ev)
}

// processEvent runs the per-event stages. Any failure aborts the event and
// is returned as *EventError.
func (a *Analyzer) processEvent(ctx context.Context, pool *parallel.Pool, ev *ntuple.Event) (*EventProducts, error) {
	top := maxClusterID(ev)
	if top == math.MaxUint32 {
		return nil, eventError(ev, StageAnnotate, ErrIDSpaceExhausted)
	}
	ids := clustering.NewIDAllocator(top + 1)

	start := time.Now()
	cells := ev.Cells
	cl2d := clustering.AnnotateDefault(ev.Clusters2D, cells)
	if len(a.rods) > 0 {
		cells = clustering.ApplyRodMapping(cells, a.rods)
		cl2d = clustering.ComputeRodSharing(cl2d, cells)
	}
	cl3d := clustering.ComputeHoE(ev.Clusters3D, cl2d)
	for i := range cl3d {
		if cl3d[i].NClu == 0 {
			cl3d[i].NClu = len(cl3d[i].Clusters)
		}
	}
	metrics.ObserveStage(StageAnnotate, start)
	a.debugEmpty(StageAnnotate, ev, "3D clusters", len(cl3d))

	start = time.Now()
	cl3d, err := a.bdt.Annotate(cl3d)
	if err != nil {
		return nil, eventError(ev, StageClassify, err)
	}
	metrics.ObserveStage(StageClassify, start)

	start = time.Now()
	calibA := a.calib.ApplyA(cl3d)
	calibB := a.calib.ApplyB(cl3d)
	metrics.ObserveStage(StageCalibrate, start)

	start = time.Now()
	merged, err := a.merger.Build(ctx, pool, cl3d, ids)
	if err != nil {
		return nil, eventError(ev, StageMerge, err)
	}
	metrics.ObserveStage(StageMerge, start)

	p := &EventProducts{
		Entry:     ev.Entry,
		Run:       ev.Run,
		Lumi:      ev.Lumi,
		Event:     ev.Event,
		DEF:       newTPSet(SetDEF, cells, cl2d, cl3d),
		DEFCalib:  newTPSet(SetDEFCalib, cells, cl2d, calibA),
		DEFCalibB: newTPSet(SetDEFCalibB, cells, cl2d, calibB),
		DEFMerged: newTPSet(SetDEFMerged, cells, cl2d, merged),
		GEN:       &GenSet{Name: SetGEN, Particles: ev.GenParticles},
		TT:        &TTSet{Name: SetTT, Label: "Trigger Towers", Towers: ev.Towers},
		SimTT:     &TTSet{Name: SetSimTT, Label: "Sim Trigger Towers", Towers: ev.SimTowers},
		HGCROCTT:  &TTSet{Name: SetHGCROCTT, Label: "HGCROC Trigger Towers", Towers: ev.HGCROCTowers},
		WaferTT:   &TTSet{Name: SetWaferTT, Label: "Wafer Trigger Towers", Towers: ev.WaferTowers},
		EG:        &EGSet{Name: SetEG, Label: "EGamma", Objects: ev.EGamma},
	}

	if !a.clusterize {
		return p, nil
	}

	start = time.Now()
	a.debugEmpty(StageCluster2D, ev, "cells", len(cells))
	var dbs2D []ntuple.Cluster2D
	if a.algo2D == clustering.AlgorithmDefault {
		dbs2D = cl2d
	} else {
		dbs2D, err = a.clusterer2D.Build(ctx, pool, cells, ids)
		if err != nil {
			return nil, eventError(ev, StageCluster2D, err)
		}
		if len(a.rods) > 0 {
			dbs2D = clustering.ComputeRodSharing(dbs2D, cells)
		}
	}
	metrics.ObserveStage(StageCluster2D, start)

	start = time.Now()
	a.debugEmpty(StageCluster3D, ev, "2D clusters", len(dbs2D))
	dbs3D, err := a.builder3D.Build(ctx, pool, dbs2D, ids)
	if err != nil {
		return nil, eventError(ev, StageCluster3D, err)
	}
	dbsP, err := a.towers3D.Build(ctx, pool, dbs2D, ids)
	if err != nil {
		return nil, eventError(ev, StageCluster3D, err)
	}
	defP, err := a.towers3D.Build(ctx, pool, cl2d, ids)
	if err != nil {
		return nil, eventError(ev, StageCluster3D, err)
	}
	metrics.ObserveStage(StageCluster3D, start)

	p.DBS = newTPSet(SetDBS, cells, dbs2D, dbs3D)
	p.DBSp = newTPSet(SetDBSp, cells, dbs2D, dbsP)
	p.DEFp = newTPSet(SetDEFp, cells, cl2d, defP)
	return p, nil
}

func (a *Analyzer) debugEmpty(stage string, ev *ntuple.Event, what string, n int) {
	if n > 0 {
		return
	}
	a.log.Debug("empty stage input",
		zap.String("stage", stage),
		zap.String("table", what),
		zap.Int("entry", ev.Entry),
		zap.Error(ErrEmptyInput))
}

// maxClusterID is the largest 2D or 3D cluster id the event source
// assigned, so engine cluster ids never collide with source ones. Cell ids
// are a separate namespace.
func maxClusterID(ev *ntuple.Event) uint32 {
	var top uint32
	for _, c := range ev.Clusters2D {
		if c.ID > top {
			top = c.ID
		}
	}
	for _, c := range ev.Clusters3D {
		if c.ID > top {
			top = c.ID
		}
	}
	return top
}
