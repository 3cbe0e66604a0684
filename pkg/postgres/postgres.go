// Package postgres persists processed readings and checkpoint records, and
// serves the filtered query surface consumed by downstream viewers. Readings
// and checkpoints live in separate tables so they can be cleared
// independently.
package postgres

import (
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thingful/agripipe/pkg/ingest"
	"github.com/thingful/agripipe/pkg/metrics"
	"github.com/thingful/agripipe/pkg/system"
)

// DB participates in the server's component lifecycle.
var (
	_ system.Startable = (*DB)(nil)
	_ system.Stoppable = (*DB)(nil)
)

var (
	// ReadingsGauge is a gauge of the number of persisted processed readings
	ReadingsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agripipe",
			Subsystem: "pipeline",
			Name:      "readings_gauge",
			Help:      "Count of processed readings in database",
		},
	)
)

func init() {
	metrics.MustRegister(ReadingsGauge)
}

// Open is a helper function that takes as input a connection string for a DB,
// and returns either a sqlx.DB instance or an error. This function is
// separated out to help with CLI tasks for managing migrations.
func Open(connStr string) (*sqlx.DB, error) {
	return sqlx.Open("postgres", connStr)
}

// Config carries package local configuration for the Postgres module.
type Config struct {
	ConnStr string
}

// DB wraps an sqlx.DB instance and provides the data access functions the
// pipeline requires.
type DB struct {
	connStr string
	DB      *sqlx.DB
	logger  kitlog.Logger
	stop    chan struct{}
}

// NewDB creates a new DB instance with the given config and logger. The
// connection pool is not opened until Start is called.
func NewDB(config *Config, logger kitlog.Logger) *DB {
	logger = kitlog.With(logger, "module", "postgres")

	return &DB{
		connStr: config.ConnStr,
		logger:  logger,
	}
}

// Start creates our DB connection pool, returning an error if any failure
// occurs.
func (d *DB) Start() error {
	d.logger.Log("msg", "starting postgres")

	db, err := Open(d.connStr)
	if err != nil {
		return errors.Wrap(err, "opening db connection failed")
	}

	d.DB = db
	d.stop = make(chan struct{})

	go d.recordMetrics()

	return nil
}

// Stop closes the DB connection pool, stopping the metrics ticker first so it
// never polls a closed pool.
func (d *DB) Stop() error {
	d.logger.Log("msg", "stopping postgres client")

	close(d.stop)

	return d.DB.Close()
}

// Ping attempts to verify the database connection is still alive by executing
// a simple select query on the database server. We don't use the built in
// DB.Ping() function here as this may not go to the database if there are
// existing connections in the pool.
func (d *DB) Ping() error {
	_, err := d.DB.Exec("SELECT 1")
	if err != nil {
		return err
	}
	return nil
}

// MigrateUp is a convenience function to run all up migrations in the context
// of an instantiated DB instance.
func (d *DB) MigrateUp() error {
	return MigrateUp(d.DB.DB, d.logger)
}

// StoreBatch persists all processed readings for a single source file. The
// write is wholesale: any readings previously persisted for the file are
// deleted in the same transaction, so reprocessing a file after a crash
// yields output identical to a single clean run rather than appended
// duplicates.
func (d *DB) StoreBatch(sourceFile string, readings []*ingest.Reading) (err error) {
	tx, err := BeginTX(d.DB)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction when storing batch")
	}

	defer func() {
		if cerr := tx.CommitOrRollback(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	err = tx.Exec(
		`DELETE FROM readings WHERE source_file = :source_file`,
		map[string]interface{}{"source_file": sourceFile},
	)
	if err != nil {
		return errors.Wrap(err, "failed to clear previous output for file")
	}

	sql := `INSERT INTO readings
		(sensor_id, recorded_at, reading_type, raw_value, calibrated_value,
		 original_value, calibration_applied, battery_level, daily_average,
		 has_missing_value, is_range_anomaly, is_statistical_outlier,
		 is_temporal_anomaly, anomalous_reading, z_score, hours_since_last,
		 source_file)
	VALUES
		(:sensor_id, :recorded_at, :reading_type, :raw_value, :calibrated_value,
		 :original_value, :calibration_applied, :battery_level, :daily_average,
		 :has_missing_value, :is_range_anomaly, :is_statistical_outlier,
		 :is_temporal_anomaly, :anomalous_reading, :z_score, :hours_since_last,
		 :source_file)`

	for _, r := range readings {
		if err = tx.Exec(sql, r); err != nil {
			return errors.Wrap(err, "failed to insert reading")
		}
	}

	return err
}

// DeleteOutput deletes all persisted readings. It does not touch checkpoint
// records; callers wanting a full reset must clear those separately.
func (d *DB) DeleteOutput() error {
	_, err := d.DB.Exec(`DELETE FROM readings`)
	if err != nil {
		return errors.Wrap(err, "failed to delete persisted output")
	}
	return nil
}

// QueryParams are the filter parameters accepted by the query surface. Zero
// values mean "no filter" for that dimension.
type QueryParams struct {
	SensorID    string
	ReadingType string
	Start       time.Time
	End         time.Time
	Limit       int
	Offset      int
}

// defaultQueryLimit caps unbounded queries so a viewer can't accidentally
// stream the whole table.
const defaultQueryLimit = 1000

// Query returns persisted readings matching the given filters, ordered by
// sensor then timestamp.
func (d *DB) Query(params QueryParams) (_ []*ingest.Reading, err error) {
	sql := `SELECT sensor_id, recorded_at, reading_type, raw_value,
		calibrated_value, original_value, calibration_applied, battery_level,
		daily_average, has_missing_value, is_range_anomaly,
		is_statistical_outlier, is_temporal_anomaly, anomalous_reading, z_score,
		hours_since_last, source_file
	FROM readings
	WHERE 1=1`

	mapArgs := map[string]interface{}{}

	if params.SensorID != "" {
		sql += ` AND sensor_id = :sensor_id`
		mapArgs["sensor_id"] = params.SensorID
	}

	if params.ReadingType != "" {
		sql += ` AND reading_type = :reading_type`
		mapArgs["reading_type"] = params.ReadingType
	}

	if !params.Start.IsZero() {
		sql += ` AND recorded_at >= :start`
		mapArgs["start"] = params.Start
	}

	if !params.End.IsZero() {
		sql += ` AND recorded_at <= :end`
		mapArgs["end"] = params.End
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	sql += ` ORDER BY sensor_id, recorded_at LIMIT :limit OFFSET :offset`
	mapArgs["limit"] = limit
	mapArgs["offset"] = params.Offset

	tx, err := BeginTX(d.DB)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if cerr := tx.CommitOrRollback(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	readings := []*ingest.Reading{}

	mapper := func(rows *sqlx.Rows) error {
		for rows.Next() {
			var r ingest.Reading

			if err := rows.StructScan(&r); err != nil {
				return errors.Wrap(err, "failed to scan row into Reading struct")
			}

			readings = append(readings, &r)
		}

		return nil
	}

	err = tx.Map(sql, mapArgs, mapper)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select reading rows from database")
	}

	return readings, nil
}

// Summary holds aggregate flag counts over all persisted readings, from
// which the summary endpoint derives an overall quality score.
type Summary struct {
	TotalRecords  int `db:"total_records"`
	MissingCount  int `db:"missing_count"`
	AnomalyCount  int `db:"anomaly_count"`
	OutlierCount  int `db:"outlier_count"`
	TemporalCount int `db:"temporal_count"`
}

// TotalIssues returns the number of flags raised across all categories.
func (s Summary) TotalIssues() int {
	return s.MissingCount + s.AnomalyCount + s.OutlierCount + s.TemporalCount
}

// Summarize returns flag counts over every persisted reading.
func (d *DB) Summarize() (_ *Summary, err error) {
	sql := `SELECT
		COUNT(*) AS total_records,
		COUNT(*) FILTER (WHERE has_missing_value) AS missing_count,
		COUNT(*) FILTER (WHERE anomalous_reading) AS anomaly_count,
		COUNT(*) FILTER (WHERE is_statistical_outlier) AS outlier_count,
		COUNT(*) FILTER (WHERE is_temporal_anomaly) AS temporal_count
	FROM readings`

	tx, err := BeginTX(d.DB)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if cerr := tx.CommitOrRollback(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var summary Summary
	err = tx.Get(&summary, sql, map[string]interface{}{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to summarize readings")
	}

	return &summary, nil
}

// DistinctSensors returns the sorted list of sensor ids present in the
// persisted output.
func (d *DB) DistinctSensors() ([]string, error) {
	return d.distinct(`SELECT DISTINCT sensor_id FROM readings ORDER BY sensor_id`)
}

// DistinctTypes returns the sorted list of reading types present in the
// persisted output.
func (d *DB) DistinctTypes() ([]string, error) {
	return d.distinct(`SELECT DISTINCT reading_type FROM readings ORDER BY reading_type`)
}

func (d *DB) distinct(sql string) (_ []string, err error) {
	tx, err := BeginTX(d.DB)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if cerr := tx.CommitOrRollback(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	values := []string{}

	mapper := func(rows *sqlx.Rows) error {
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return errors.Wrap(err, "failed to scan distinct value")
			}
			values = append(values, v)
		}
		return nil
	}

	err = tx.Map(sql, []interface{}{}, mapper)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select distinct values")
	}

	return values, nil
}

// recordMetrics starts a ticker to collect some gauge related metrics from
// the DB on a 30 second interval. Runs until Stop closes the stop channel.
func (d *DB) recordMetrics() {
	ticker := time.NewTicker(time.Second * time.Duration(30))
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			var readingCount float64
			err := d.DB.Get(&readingCount, `SELECT COUNT(*) FROM readings`)
			if err != nil {
				d.logger.Log(
					"msg", "error counting readings",
					"err", err,
				)
				continue
			}

			ReadingsGauge.Set(readingCount)
		}
	}
}
