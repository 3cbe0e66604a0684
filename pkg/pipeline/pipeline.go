// Package pipeline orchestrates batch runs: it discovers input files,
// drives each one through calibration, anomaly detection and quality
// scoring, persists the flagged output and checkpoints the file so later
// runs skip it.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/guregu/null.v3"

	"github.com/thingful/agripipe/pkg/calibration"
	"github.com/thingful/agripipe/pkg/clock"
	"github.com/thingful/agripipe/pkg/detector"
	"github.com/thingful/agripipe/pkg/ingest"
	"github.com/thingful/agripipe/pkg/metrics"
	"github.com/thingful/agripipe/pkg/postgres"
	"github.com/thingful/agripipe/pkg/quality"
	"github.com/thingful/agripipe/pkg/rolling"
)

var (
	// FileCounter counts files by run outcome.
	FileCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agripipe",
			Subsystem: "pipeline",
			Name:      "files_total",
			Help:      "Count of input files by outcome",
		},
		[]string{"outcome"},
	)

	// RecordCounter counts readings ingested from processed files.
	RecordCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agripipe",
			Subsystem: "pipeline",
			Name:      "records_ingested_total",
			Help:      "Count of readings ingested from processed files",
		},
	)

	// StageDuration observes how long each processing stage takes per file.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agripipe",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each per file processing stage",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"stage"},
	)
)

func init() {
	metrics.MustRegister(FileCounter)
	metrics.MustRegister(RecordCounter)
	metrics.MustRegister(StageDuration)
}

// Datastore is an interface for the persistence operations the orchestrator
// needs. It is satisfied by postgres.DB, and lets tests substitute a mock.
type Datastore interface {
	// StoreBatch atomically replaces the stored output for a source file.
	StoreBatch(sourceFile string, readings []*ingest.Reading) error

	// IsProcessed returns true if a checkpoint exists for the given file.
	IsProcessed(fileID string) (bool, error)

	// MarkProcessed writes the checkpoint record for a file.
	MarkProcessed(rec *postgres.CheckpointRecord) error
}

// Options control a single run.
type Options struct {
	// ForceReprocess makes the run ignore existing checkpoints and process
	// every discovered file, replacing its stored output.
	ForceReprocess bool `json:"force_reprocess"`

	// GenerateReport includes the per file quality reports in the run
	// result. Scores are still computed and logged either way.
	GenerateReport bool `json:"generate_report"`
}

// RunResult summarizes a completed run. A run that hits its deadline
// returns whatever it completed with Partial set, not an error.
type RunResult struct {
	RunID string `json:"run_id"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	FilesProcessed int `json:"files_processed"`
	FilesSkipped   int `json:"files_skipped"`
	FilesFailed    int `json:"files_failed"`

	RecordsIngested  int   `json:"records_ingested"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`

	Partial bool         `json:"partial"`
	Errors  []*FileError `json:"errors,omitempty"`

	// Reports holds the quality report for each file processed this run,
	// keyed by file name.
	Reports map[string]quality.Report `json:"reports,omitempty"`
}

// Processor is an interface for a type that can execute batch runs over a
// data directory.
type Processor interface {
	// ProcessFiles executes a run over every batch file in the data
	// directory, honouring the given options. Failures in individual files
	// are collected into the result; only configuration level problems
	// surface as an error.
	ProcessFiles(ctx context.Context, opts Options) (*RunResult, error)
}

// Config carries the orchestrator's own settings.
type Config struct {
	// DataDir is the directory scanned for input batch files.
	DataDir string

	// Workers caps how many files are processed concurrently.
	Workers int
}

// processor is our implementation of the Processor interface.
type processor struct {
	dataDir string
	workers int

	ds         Datastore
	aggregator rolling.Aggregator
	calibrator *calibration.Calibrator
	detector   *detector.Detector
	scorer     *quality.Scorer
	clock      clock.Clock

	logger  kitlog.Logger
	verbose bool
}

// NewProcessor returns a Processor wired to the given components.
func NewProcessor(config *Config, ds Datastore, aggregator rolling.Aggregator, calibrator *calibration.Calibrator, det *detector.Detector, scorer *quality.Scorer, cl clock.Clock, verbose bool, logger kitlog.Logger) Processor {
	logger = kitlog.With(logger, "module", "pipeline")

	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}

	logger.Log("msg", "creating processor", "datadir", config.DataDir, "workers", workers)

	return &processor{
		dataDir:    config.DataDir,
		workers:    workers,
		ds:         ds,
		aggregator: aggregator,
		calibrator: calibrator,
		detector:   det,
		scorer:     scorer,
		clock:      cl,
		logger:     logger,
		verbose:    verbose,
	}
}

// ProcessFiles is our implementation of the Processor interface method.
func (p *processor) ProcessFiles(ctx context.Context, opts Options) (_ *RunResult, err error) {
	started := p.clock.Now()

	result := &RunResult{
		RunID:     uuid.New().String(),
		StartedAt: started,
	}

	if opts.GenerateReport {
		result.Reports = map[string]quality.Report{}
	}

	files, err := p.discoverFiles()
	if err != nil {
		return nil, err
	}

	p.logger.Log(
		"msg", "starting run",
		"run_id", result.RunID,
		"files", len(files),
		"force", opts.ForceReprocess,
	)

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, file := range files {
		file := file

		g.Go(func() error {
			// a cancelled or expired context ends the run early with a
			// partial result rather than an error
			if gctx.Err() != nil {
				mu.Lock()
				result.Partial = true
				mu.Unlock()
				return nil
			}

			outcome := p.processFile(gctx, file, opts.ForceReprocess)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case outcome.err != nil:
				result.FilesFailed++
				result.Errors = append(result.Errors, outcome.err)
				FileCounter.With(prometheus.Labels{"outcome": "failed"}).Inc()
			case outcome.skipped:
				result.FilesSkipped++
				FileCounter.With(prometheus.Labels{"outcome": "skipped"}).Inc()
			default:
				result.FilesProcessed++
				result.RecordsIngested += outcome.records
				if opts.GenerateReport {
					result.Reports[file] = outcome.report
				}
				FileCounter.With(prometheus.Labels{"outcome": "processed"}).Inc()
				RecordCounter.Add(float64(outcome.records))
			}

			return nil
		})
	}

	// workers never return errors, so Wait only reflects the context
	_ = g.Wait()

	if ctx.Err() != nil {
		result.Partial = true
	}

	// deterministic error ordering regardless of worker scheduling
	sort.Slice(result.Errors, func(i, j int) bool {
		return result.Errors[i].File < result.Errors[j].File
	})

	result.CompletedAt = p.clock.Now()
	result.ProcessingTimeMs = result.CompletedAt.Sub(started).Milliseconds()

	p.logger.Log(
		"msg", "run complete",
		"run_id", result.RunID,
		"processed", result.FilesProcessed,
		"skipped", result.FilesSkipped,
		"failed", result.FilesFailed,
		"records", result.RecordsIngested,
		"partial", result.Partial,
		"duration_ms", result.ProcessingTimeMs,
	)

	return result, nil
}

// discoverFiles lists the batch files in the data directory in name order. A
// missing or unreadable directory is a configuration problem and fails the
// run before any file is touched.
func (p *processor) discoverFiles() ([]string, error) {
	entries, err := os.ReadDir(p.dataDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read data directory")
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !ingest.IsBatchFile(entry.Name()) {
			continue
		}
		files = append(files, entry.Name())
	}

	sort.Strings(files)

	return files, nil
}

// fileOutcome carries the result of processing a single file back to the run
// accounting.
type fileOutcome struct {
	skipped bool
	records int
	report  quality.Report
	err     *FileError
}

// processFile drives a single file through the full stage sequence. All
// failures are returned as file scoped errors; the checkpoint is only ever
// written after the output has been durably stored.
func (p *processor) processFile(ctx context.Context, file string, force bool) fileOutcome {
	path := filepath.Join(p.dataDir, file)

	if !force {
		processed, err := p.ds.IsProcessed(file)
		if err != nil {
			return fileOutcome{err: fileError(file, StageValidating, KindPersistence, err)}
		}
		if processed {
			if p.verbose {
				p.logger.Log("file", file, "msg", "skipping checkpointed file")
			}
			return fileOutcome{skipped: true}
		}
	}

	readings, err := p.runStage(StageValidating, func() ([]*ingest.Reading, error) {
		return ingest.ReadFile(path)
	})
	if err != nil {
		return fileOutcome{err: fileError(file, StageValidating, KindValidation, err)}
	}

	// detection requires readings grouped by sensor in time order
	p.observeStage(StageNormalizing, func() {
		sort.SliceStable(readings, func(i, j int) bool {
			if readings[i].SensorID != readings[j].SensorID {
				return readings[i].SensorID < readings[j].SensorID
			}
			return readings[i].Timestamp.Before(readings[j].Timestamp)
		})
	})

	p.observeStage(StageCalibrating, func() {
		p.calibrator.CalibrateBatch(readings)
	})

	if err := p.aggregate(ctx, readings); err != nil {
		return fileOutcome{err: fileError(file, StageAggregating, KindComputation, err)}
	}

	p.observeStage(StageDetecting, func() {
		p.detector.Detect(readings)
	})

	var report quality.Report
	p.observeStage(StageScoring, func() {
		report = p.scorer.Score(readings, p.clock.Now())
	})

	if err := p.persist(file, readings); err != nil {
		return fileOutcome{err: fileError(file, StagePersisting, KindPersistence, err)}
	}

	if err := p.checkpoint(path, file, len(readings)); err != nil {
		return fileOutcome{err: fileError(file, StageCheckpointing, KindPersistence, err)}
	}

	p.logger.Log(
		"file", file,
		"records", len(readings),
		"score", report.Score,
		"category", report.Category,
		"msg", "processed file",
	)

	return fileOutcome{records: len(readings), report: report}
}

// aggregate folds each calibrated value into its sensor's rolling window and
// stamps the window mean onto the reading. Null values contribute nothing and
// keep a null average.
func (p *processor) aggregate(ctx context.Context, readings []*ingest.Reading) error {
	timer := prometheus.NewTimer(StageDuration.With(prometheus.Labels{"stage": string(StageAggregating)}))
	defer timer.ObserveDuration()

	for _, r := range readings {
		if !r.CalibratedValue.Valid {
			continue
		}

		mean, err := p.aggregator.Add(ctx, r.SensorID, r.Type, r.Timestamp, r.CalibratedValue.Float64)
		if err != nil {
			return err
		}

		r.DailyAverage = null.FloatFrom(mean)
	}

	return nil
}

// persist stores the flagged batch, replacing any previous output for the
// same file.
func (p *processor) persist(file string, readings []*ingest.Reading) error {
	timer := prometheus.NewTimer(StageDuration.With(prometheus.Labels{"stage": string(StagePersisting)}))
	defer timer.ObserveDuration()

	return p.ds.StoreBatch(file, readings)
}

// checkpoint records the file as processed, capturing its content hash and
// size so a re-run can prove the input is unchanged.
func (p *processor) checkpoint(path, file string, records int) error {
	timer := prometheus.NewTimer(StageDuration.With(prometheus.Labels{"stage": string(StageCheckpointing)}))
	defer timer.ObserveDuration()

	hash, err := hashFile(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "failed to stat input file")
	}

	return p.ds.MarkProcessed(&postgres.CheckpointRecord{
		FileID:      file,
		ContentHash: hash,
		SizeBytes:   info.Size(),
		ModTime:     info.ModTime().UTC(),
		ProcessedAt: p.clock.Now().UTC(),
		RecordCount: records,
	})
}

// runStage wraps a stage returning readings with a duration observation.
func (p *processor) runStage(stage Stage, fn func() ([]*ingest.Reading, error)) ([]*ingest.Reading, error) {
	timer := prometheus.NewTimer(StageDuration.With(prometheus.Labels{"stage": string(stage)}))
	defer timer.ObserveDuration()

	return fn()
}

// observeStage wraps an infallible in-place stage with a duration
// observation.
func (p *processor) observeStage(stage Stage, fn func()) {
	timer := prometheus.NewTimer(StageDuration.With(prometheus.Labels{"stage": string(stage)}))
	defer timer.ObserveDuration()

	fn()
}

// hashFile returns the hex encoded sha256 of the file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open input file")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "failed to hash input file")
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
