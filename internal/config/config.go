package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/banshee-data/ntuple-tools/internal/clustering"
	"github.com/banshee-data/ntuple-tools/internal/parallel"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels: NTUPLE_CLUSTERING__DBSCAN_EPS sets
// clustering.dbscan_eps.
const EnvPrefix = "NTUPLE_"

// Interactive is the events_per_job value that processes the whole range
// in one job.
const Interactive = -1

const maxFileSize = 1 * 1024 * 1024 // 1MB

// ErrConfiguration is wrapped by every configuration error.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports an invalid key.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Key, e.Reason)
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func invalid(key, format string, v ...interface{}) error {
	return &ConfigurationError{Key: key, Reason: fmt.Sprintf(format, v...)}
}

// Config is the analysis configuration. Optional tuning values are pointers;
// the Get* methods supply defaults for unset fields.
type Config struct {
	Common      CommonConfig                `koanf:"common"`
	MaxEvents   *int                        `koanf:"max_events"`
	Debug       int                         `koanf:"debug"`
	Workers     *int                        `koanf:"workers"`
	StopOnError bool                        `koanf:"stop_on_error"`
	Store       string                      `koanf:"store"` // SQLite results database; empty disables it
	MetricsAddr string                      `koanf:"metrics_addr"`
	Clustering  ClusteringConfig            `koanf:"clustering"`
	Samples     map[string]SampleConfig     `koanf:"samples"`
	Collections map[string]CollectionConfig `koanf:"collections"`

	// EventsPerJob applies to samples that do not set their own.
	EventsPerJob *int `koanf:"events_per_job"`

	CalibrationFile string `koanf:"calibration_file"`
	BDTWeightsFile  string `koanf:"bdt_weights_file"`
	RodMappingFile  string `koanf:"rod_mapping_file"`
}

// CommonConfig holds settings shared by every sample.
type CommonConfig struct {
	InputDir              string `koanf:"input_dir"`
	OutputDir             string `koanf:"output_dir"`
	PlotVersion           string `koanf:"plot_version"`
	RunClustering         bool   `koanf:"run_clustering"`
	RunDensityComputation bool   `koanf:"run_density_computation"`
}

// SampleConfig describes one input sample.
type SampleConfig struct {
	InputSampleDir string `koanf:"input_sample_dir"`
	// InputFile is the JSON-lines event file, relative to the sample dir.
	InputFile    string `koanf:"input_file"`
	EventsPerJob *int   `koanf:"events_per_job"`
}

// CollectionConfig groups samples with the plotter sets run on them.
type CollectionConfig struct {
	Samples  []string `koanf:"samples"`
	Plotters []string `koanf:"plotters"`
}

// ClusteringConfig tunes the clustering engines.
type ClusteringConfig struct {
	Algorithm2D     *string   `koanf:"algorithm_2d"`
	Algorithm3D     *string   `koanf:"algorithm_3d"`
	DBSCANEps       *float64  `koanf:"dbscan_eps"`
	DBSCANMinPts    *int      `koanf:"dbscan_min_pts"`
	NNDR            *float64  `koanf:"nn_dr"`
	NNDRByLayer     []float64 `koanf:"nn_dr_by_layer"`
	MinClusters     *int      `koanf:"min_clusters"`
	MinShowerLength *int      `koanf:"min_shower_length"`
	TowerEtaMin     *float64  `koanf:"tower_eta_min"`
	TowerEtaMax     *float64  `koanf:"tower_eta_max"`
	TowerNEta       *int      `koanf:"tower_n_eta"`
	TowerNPhi       *int      `koanf:"tower_n_phi"`
	MergeRadius     *float64  `koanf:"merge_radius"`
}

// Load reads a YAML configuration file and applies NTUPLE_ environment
// overrides. The file must have a .yaml or .yml extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: config file must have .yaml or .yml extension, got %q", ErrConfiguration, ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrConfiguration, info.Size(), maxFileSize)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(cleanPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", cleanPath, err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps NTUPLE_COMMON__PLOT_VERSION to common.plot_version.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.MaxEvents != nil && *c.MaxEvents < -1 {
		return invalid("max_events", "must be -1 (all) or non-negative, got %d", *c.MaxEvents)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return invalid("workers", "must be positive, got %d", *c.Workers)
	}
	if c.Common.PlotVersion == "" {
		return invalid("common.plot_version", "must be set")
	}

	if c.EventsPerJob != nil && *c.EventsPerJob != Interactive && *c.EventsPerJob < 1 {
		return invalid("events_per_job", "must be -1 or positive, got %d", *c.EventsPerJob)
	}
	for name, s := range c.Samples {
		if s.EventsPerJob != nil && *s.EventsPerJob != Interactive && *s.EventsPerJob < 1 {
			return invalid("samples."+name+".events_per_job", "must be -1 or positive, got %d", *s.EventsPerJob)
		}
	}
	for name, coll := range c.Collections {
		for _, s := range coll.Samples {
			if _, ok := c.Samples[s]; !ok {
				return invalid("collections."+name+".samples", "unknown sample %q", s)
			}
		}
	}

	cl := c.Clustering
	switch a := cl.GetAlgorithm2D(); a {
	case clustering.AlgorithmDBSCAN, clustering.AlgorithmDefault:
	default:
		return invalid("clustering.algorithm_2d", "unknown algorithm %q", a)
	}
	switch a := cl.GetAlgorithm3D(); a {
	case clustering.Algorithm3DNN, clustering.Algorithm3DTowers:
	default:
		return invalid("clustering.algorithm_3d", "unknown algorithm %q", a)
	}
	if cl.DBSCANEps != nil && *cl.DBSCANEps <= 0 {
		return invalid("clustering.dbscan_eps", "must be positive, got %f", *cl.DBSCANEps)
	}
	if cl.DBSCANMinPts != nil && *cl.DBSCANMinPts < 1 {
		return invalid("clustering.dbscan_min_pts", "must be at least 1, got %d", *cl.DBSCANMinPts)
	}
	if cl.NNDR != nil && *cl.NNDR <= 0 {
		return invalid("clustering.nn_dr", "must be positive, got %f", *cl.NNDR)
	}
	for i, dr := range cl.NNDRByLayer {
		if dr <= 0 {
			return invalid("clustering.nn_dr_by_layer", "entry %d must be positive, got %f", i, dr)
		}
	}
	if cl.MergeRadius != nil && *cl.MergeRadius <= 0 {
		return invalid("clustering.merge_radius", "must be positive, got %f", *cl.MergeRadius)
	}
	tp := cl.TowerParams()
	if !(tp.EtaMax > tp.EtaMin) || tp.EtaMin < 0 {
		return invalid("clustering.tower_eta_min", "tower eta range [%f, %f] is empty", tp.EtaMin, tp.EtaMax)
	}
	if tp.NEta < 1 || tp.NPhi < 1 {
		return invalid("clustering.tower_n_eta", "tower grid %dx%d must be non-empty", tp.NEta, tp.NPhi)
	}
	return nil
}

// GetMaxEvents returns max_events or the default of -1 (all events).
func (c *Config) GetMaxEvents() int {
	if c.MaxEvents == nil {
		return -1
	}
	return *c.MaxEvents
}

// GetWorkers returns the worker pool size or the default.
func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return parallel.DefaultWorkers
	}
	return *c.Workers
}

// Sample returns the named sample.
func (c *Config) Sample(name string) (SampleConfig, error) {
	s, ok := c.Samples[name]
	if !ok {
		return SampleConfig{}, invalid("samples", "unknown sample %q", name)
	}
	return s, nil
}

// SampleNames returns the configured sample names, sorted.
func (c *Config) SampleNames() []string {
	names := make([]string, 0, len(c.Samples))
	for n := range c.Samples {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InputPath returns the event file of a sample.
func (c *Config) InputPath(s SampleConfig) string {
	in := s.InputFile
	if in == "" {
		in = "events.jsonl"
	}
	return filepath.Join(c.Common.InputDir, s.InputSampleDir, in)
}

// OutputPath returns the histogram file of a job. Interactive jobs
// (batchIdx < 0) are suffixed with "i".
func (c *Config) OutputPath(sample string, batchIdx int) string {
	var name string
	if batchIdx < 0 {
		name = fmt.Sprintf("histos_%s_%si.yoda", sample, c.Common.PlotVersion)
	} else {
		name = fmt.Sprintf("histos_%s_%s_%d.yoda", sample, c.Common.PlotVersion, batchIdx)
	}
	return filepath.Join(c.Common.OutputDir, name)
}

// GetEventsPerJob returns events_per_job or Interactive.
func (s SampleConfig) GetEventsPerJob() int {
	if s.EventsPerJob == nil {
		return Interactive
	}
	return *s.EventsPerJob
}

// EventsPerJobFor returns the sample's events_per_job, falling back to the
// top-level value and then to Interactive.
func (c *Config) EventsPerJobFor(s SampleConfig) int {
	if s.EventsPerJob != nil {
		return *s.EventsPerJob
	}
	if c.EventsPerJob != nil {
		return *c.EventsPerJob
	}
	return Interactive
}

// EventRange is a half-open range of event entries.
type EventRange struct {
	First, Last int
}

// Len returns the number of entries in the range.
func (r EventRange) Len() int {
	if r.Last <= r.First {
		return 0
	}
	return r.Last - r.First
}

// RangeForJob returns the entries a job processes. Interactive jobs
// (batchIdx < 0 or eventsPerJob == -1) take [0, maxEvents); batch job i takes
// [i*eventsPerJob, (i+1)*eventsPerJob). Ranges are clipped to maxEvents
// (-1 means no limit) and to nEvents.
func RangeForJob(nEvents, maxEvents, eventsPerJob, batchIdx int) EventRange {
	limit := nEvents
	if maxEvents >= 0 && maxEvents < limit {
		limit = maxEvents
	}
	if batchIdx < 0 || eventsPerJob == Interactive {
		return EventRange{First: 0, Last: limit}
	}
	first := batchIdx * eventsPerJob
	last := first + eventsPerJob
	if first > limit {
		first = limit
	}
	if last > limit {
		last = limit
	}
	return EventRange{First: first, Last: last}
}

// GetAlgorithm2D returns the 2D algorithm or dbscan.
func (c ClusteringConfig) GetAlgorithm2D() string {
	if c.Algorithm2D == nil || *c.Algorithm2D == "" {
		return clustering.AlgorithmDBSCAN
	}
	return *c.Algorithm2D
}

// GetAlgorithm3D returns the 3D algorithm or nn.
func (c ClusteringConfig) GetAlgorithm3D() string {
	if c.Algorithm3D == nil || *c.Algorithm3D == "" {
		return clustering.Algorithm3DNN
	}
	return *c.Algorithm3D
}

// DBSCANParams returns the configured DBSCAN parameters.
func (c ClusteringConfig) DBSCANParams() clustering.DBSCANParams {
	p := clustering.DefaultDBSCANParams()
	if c.DBSCANEps != nil {
		p.Eps = *c.DBSCANEps
	}
	if c.DBSCANMinPts != nil {
		p.MinPts = *c.DBSCANMinPts
	}
	return p
}

// NNParams returns the nearest-neighbour window.
func (c ClusteringConfig) NNParams() clustering.NNParams {
	p := clustering.DefaultNNParams()
	if c.NNDR != nil {
		p.DR = *c.NNDR
	}
	if len(c.NNDRByLayer) > 0 {
		p.DRByLayer = append([]float64(nil), c.NNDRByLayer...)
	}
	return p
}

// TowerParams returns the tower grid.
func (c ClusteringConfig) TowerParams() clustering.TowerParams {
	p := clustering.DefaultTowerParams()
	if c.TowerEtaMin != nil {
		p.EtaMin = *c.TowerEtaMin
	}
	if c.TowerEtaMax != nil {
		p.EtaMax = *c.TowerEtaMax
	}
	if c.TowerNEta != nil {
		p.NEta = *c.TowerNEta
	}
	if c.TowerNPhi != nil {
		p.NPhi = *c.TowerNPhi
	}
	return p
}

// ShapeParams returns the 3D quality cuts.
func (c ClusteringConfig) ShapeParams() clustering.ShapeParams {
	p := clustering.DefaultShapeParams()
	if c.MinClusters != nil {
		p.MinClusters = *c.MinClusters
	}
	if c.MinShowerLength != nil {
		p.MinShowerLength = *c.MinShowerLength
	}
	return p
}

// GetMergeRadius returns merge_radius or the default.
func (c ClusteringConfig) GetMergeRadius() float64 {
	if c.MergeRadius == nil {
		return clustering.DefaultMergeRadius
	}
	return *c.MergeRadius
}

// Builder3D returns a 3D builder with the configured algorithm and tuning.
func (c ClusteringConfig) Builder3D() *clustering.Builder3D {
	b := clustering.NewBuilder3D(c.GetAlgorithm3D())
	b.NN = c.NNParams()
	b.Towers = c.TowerParams()
	b.Shape = c.ShapeParams()
	return b
}
