// Package export writes flagged readings out of the pipeline as json, csv or
// parquet files, optionally compressed and partitioned hive style by date
// and/or sensor.
package export

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"gopkg.in/guregu/null.v3"

	"github.com/thingful/agripipe/pkg/ingest"
)

// Format is the output file format for an export.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// Compression is the compression codec applied to exported files.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionSnappy Compression = "snappy"
)

// Partition is the directory partitioning scheme for exported files.
type Partition string

const (
	PartitionNone   Partition = "none"
	PartitionDate   Partition = "date"
	PartitionSensor Partition = "sensor_id"
	PartitionBoth   Partition = "both"
)

// Options describe a single export. Zero values for Format, Compression and
// Partition mean json, none and none respectively.
type Options struct {
	Format      Format      `json:"format"`
	Compression Compression `json:"compression"`
	Partition   Partition   `json:"partition"`

	// Columnar requests columnar output. Setting it without a format selects
	// parquet; setting it alongside a row oriented format is an error.
	Columnar bool `json:"columnar"`

	// OutDir is the directory the export is written beneath. It is created if
	// it does not exist.
	OutDir string `json:"out_dir"`
}

// withDefaults fills in zero valued options.
func (o Options) withDefaults() Options {
	if o.Format == "" {
		if o.Columnar {
			o.Format = FormatParquet
		} else {
			o.Format = FormatJSON
		}
	}
	if o.Format == FormatParquet {
		o.Columnar = true
	}
	if o.Compression == "" {
		o.Compression = CompressionNone
	}
	if o.Partition == "" {
		o.Partition = PartitionNone
	}
	return o
}

// Validate checks the options describe a writable combination. Snappy is a
// block codec internal to the parquet format, so it is rejected for the row
// oriented formats; gzip with parquet uses parquet's own gzip codec rather
// than wrapping the file.
func (o Options) Validate() error {
	switch o.Format {
	case FormatJSON, FormatCSV, FormatParquet:
	default:
		return errors.Errorf("unknown export format: %s", o.Format)
	}

	switch o.Compression {
	case CompressionNone, CompressionGzip:
	case CompressionSnappy:
		if o.Format != FormatParquet {
			return errors.Errorf("snappy compression requires parquet format, got: %s", o.Format)
		}
	default:
		return errors.Errorf("unknown compression: %s", o.Compression)
	}

	switch o.Partition {
	case PartitionNone, PartitionDate, PartitionSensor, PartitionBoth:
	default:
		return errors.Errorf("unknown partition scheme: %s", o.Partition)
	}

	if o.Columnar && o.Format != FormatParquet {
		return errors.Errorf("columnar output requires parquet format, got: %s", o.Format)
	}

	if o.OutDir == "" {
		return errors.New("output directory is required")
	}

	return nil
}

// Result summarizes a completed export.
type Result struct {
	Files   []string `json:"files"`
	Records int      `json:"records"`
}

// Exporter writes readings to partitioned files.
type Exporter struct {
	logger kitlog.Logger
}

// New returns an Exporter.
func New(logger kitlog.Logger) *Exporter {
	logger = kitlog.With(logger, "module", "export")

	return &Exporter{logger: logger}
}

// Export writes the given readings under opts.OutDir, one file per
// partition. Returned file paths are relative to OutDir.
func (e *Exporter) Export(readings []*ingest.Reading, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	partitions := partitionReadings(readings, opts.Partition)

	keys := make([]string, 0, len(partitions))
	for key := range partitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := &Result{}

	for _, key := range keys {
		group := partitions[key]

		rel, err := e.writePartition(key, group, opts)
		if err != nil {
			return nil, err
		}

		result.Files = append(result.Files, rel)
		result.Records += len(group)
	}

	e.logger.Log(
		"msg", "export complete",
		"format", opts.Format,
		"compression", opts.Compression,
		"partition", opts.Partition,
		"files", len(result.Files),
		"records", result.Records,
	)

	return result, nil
}

// partitionKey builds the hive style relative directory for a reading, or ""
// for an unpartitioned export.
func partitionKey(r *ingest.Reading, scheme Partition) string {
	switch scheme {
	case PartitionDate:
		return fmt.Sprintf("date=%s", r.Timestamp.UTC().Format("2006-01-02"))
	case PartitionSensor:
		return fmt.Sprintf("sensor_id=%s", r.SensorID)
	case PartitionBoth:
		return filepath.Join(
			fmt.Sprintf("date=%s", r.Timestamp.UTC().Format("2006-01-02")),
			fmt.Sprintf("sensor_id=%s", r.SensorID),
		)
	default:
		return ""
	}
}

func partitionReadings(readings []*ingest.Reading, scheme Partition) map[string][]*ingest.Reading {
	partitions := map[string][]*ingest.Reading{}
	for _, r := range readings {
		key := partitionKey(r, scheme)
		partitions[key] = append(partitions[key], r)
	}
	return partitions
}

// writePartition writes one partition's readings to a single file, returning
// the file path relative to the output directory.
func (e *Exporter) writePartition(key string, readings []*ingest.Reading, opts Options) (string, error) {
	// parquet compresses through its own codecs, so the file never gets a
	// .gz wrapper
	name := "readings." + string(opts.Format)
	if opts.Compression == CompressionGzip && opts.Format != FormatParquet {
		name += ".gz"
	}

	rel := filepath.Join(key, name)
	path := filepath.Join(opts.OutDir, rel)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", errors.Wrap(err, "failed to create partition directory")
	}

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to create export file")
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if opts.Compression == CompressionGzip && opts.Format != FormatParquet {
		gz = gzip.NewWriter(f)
		w = gz
	}

	switch opts.Format {
	case FormatJSON:
		err = writeJSON(w, readings)
	case FormatCSV:
		err = writeCSV(w, readings)
	case FormatParquet:
		err = writeParquet(f, readings, opts.Compression)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to write partition %s", rel)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", errors.Wrap(err, "failed to flush gzip stream")
		}
	}

	return rel, nil
}

func writeJSON(w io.Writer, readings []*ingest.Reading) error {
	enc := json.NewEncoder(w)
	return enc.Encode(readings)
}

// csvColumns is the fixed header for csv exports.
var csvColumns = []string{
	"sensor_id",
	"timestamp",
	"reading_type",
	"raw_value",
	"calibrated_value",
	"original_value",
	"calibration_applied",
	"battery_level",
	"daily_average",
	"has_missing_value",
	"is_range_anomaly",
	"is_statistical_outlier",
	"is_temporal_anomaly",
	"anomalous_reading",
	"z_score",
	"hours_since_last",
	"source_file",
}

func writeCSV(w io.Writer, readings []*ingest.Reading) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvColumns); err != nil {
		return err
	}

	for _, r := range readings {
		record := []string{
			r.SensorID,
			r.Timestamp.UTC().Format(time.RFC3339),
			string(r.Type),
			formatNullable(r.RawValue),
			formatNullable(r.CalibratedValue),
			formatNullable(r.OriginalValue),
			strconv.FormatBool(r.CalibrationApplied),
			formatNullable(r.BatteryLevel),
			formatNullable(r.DailyAverage),
			strconv.FormatBool(r.HasMissingValue),
			strconv.FormatBool(r.IsRangeAnomaly),
			strconv.FormatBool(r.IsStatisticalOutlier),
			strconv.FormatBool(r.IsTemporalAnomaly),
			strconv.FormatBool(r.AnomalousReading),
			strconv.FormatFloat(r.ZScore, 'f', -1, 64),
			formatNullable(r.HoursSinceLast),
			r.SourceFile,
		}

		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatNullable(v null.Float) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}

// row is the flattened parquet schema for a reading. Nullable floats become
// optional columns.
type row struct {
	SensorID           string   `parquet:"sensor_id,dict"`
	Timestamp          int64    `parquet:"timestamp,timestamp(millisecond)"`
	ReadingType        string   `parquet:"reading_type,dict"`
	RawValue           *float64 `parquet:"raw_value,optional"`
	CalibratedValue    *float64 `parquet:"calibrated_value,optional"`
	OriginalValue      *float64 `parquet:"original_value,optional"`
	CalibrationApplied bool     `parquet:"calibration_applied"`
	BatteryLevel       *float64 `parquet:"battery_level,optional"`
	DailyAverage       *float64 `parquet:"daily_average,optional"`

	HasMissingValue      bool     `parquet:"has_missing_value"`
	IsRangeAnomaly       bool     `parquet:"is_range_anomaly"`
	IsStatisticalOutlier bool     `parquet:"is_statistical_outlier"`
	IsTemporalAnomaly    bool     `parquet:"is_temporal_anomaly"`
	AnomalousReading     bool     `parquet:"anomalous_reading"`
	ZScore               float64  `parquet:"z_score"`
	HoursSinceLast       *float64 `parquet:"hours_since_last,optional"`

	SourceFile string `parquet:"source_file,dict"`
}

func toRow(r *ingest.Reading) row {
	return row{
		SensorID:             r.SensorID,
		Timestamp:            r.Timestamp.UTC().UnixMilli(),
		ReadingType:          string(r.Type),
		RawValue:             r.RawValue.Ptr(),
		CalibratedValue:      r.CalibratedValue.Ptr(),
		OriginalValue:        r.OriginalValue.Ptr(),
		CalibrationApplied:   r.CalibrationApplied,
		BatteryLevel:         r.BatteryLevel.Ptr(),
		DailyAverage:         r.DailyAverage.Ptr(),
		HasMissingValue:      r.HasMissingValue,
		IsRangeAnomaly:       r.IsRangeAnomaly,
		IsStatisticalOutlier: r.IsStatisticalOutlier,
		IsTemporalAnomaly:    r.IsTemporalAnomaly,
		AnomalousReading:     r.AnomalousReading,
		ZScore:               r.ZScore,
		HoursSinceLast:       r.HoursSinceLast.Ptr(),
		SourceFile:           r.SourceFile,
	}
}

func writeParquet(w io.Writer, readings []*ingest.Reading, compression Compression) error {
	options := []parquet.WriterOption{}
	switch compression {
	case CompressionSnappy:
		options = append(options, parquet.Compression(&parquet.Snappy))
	case CompressionGzip:
		options = append(options, parquet.Compression(&parquet.Gzip))
	}

	pw := parquet.NewGenericWriter[row](w, options...)

	rows := make([]row, len(readings))
	for i, r := range readings {
		rows[i] = toRow(r)
	}

	if _, err := pw.Write(rows); err != nil {
		return err
	}

	return pw.Close()
}
