package ingest

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/guregu/null.v3"
)

// requiredColumns are the CSV columns a batch file must provide. battery_level
// is optional; value may be empty to represent a missing observation.
var requiredColumns = []string{"sensor_id", "timestamp", "reading_type", "value"}

// ParseCSV reads a batch of readings from a CSV stream. The first row must be
// a header naming at least the required columns; column order is not
// significant. Rows with a missing or unparseable value column yield a reading
// with a null raw value rather than an error, since missingness is a quality
// signal the detector must be able to see.
func ParseCSV(r io.Reader) ([]*Reading, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.New("batch file is empty")
		}
		return nil, errors.Wrap(err, "failed to read csv header")
	}

	columns := map[string]int{}
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}

	for _, required := range requiredColumns {
		if _, ok := columns[required]; !ok {
			return nil, errors.Errorf("csv header is missing required column: %s", required)
		}
	}

	readings := []*Reading{}
	line := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read csv record at line %d", line)
		}

		reading, err := parseCSVRecord(record, columns)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid record at line %d", line)
		}

		readings = append(readings, reading)
	}

	return readings, nil
}

// parseCSVRecord converts a single CSV row into a Reading.
func parseCSVRecord(record []string, columns map[string]int) (*Reading, error) {
	field := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	sensorID := field("sensor_id")
	if sensorID == "" {
		return nil, errors.New("missing sensor_id")
	}

	readingType := field("reading_type")
	if readingType == "" {
		return nil, errors.New("missing reading_type")
	}

	ts, err := parseTimestamp(field("timestamp"))
	if err != nil {
		return nil, err
	}

	return &Reading{
		SensorID:     sensorID,
		Timestamp:    ts,
		Type:         ReadingType(readingType),
		RawValue:     parseNullableFloat(field("value")),
		BatteryLevel: parseNullableFloat(field("battery_level")),
	}, nil
}

// parseTimestamp accepts RFC3339 timestamps, or the common space separated
// variant some exporters emit. All timestamps are normalized to UTC.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}

	return time.Time{}, errors.Errorf("unparseable timestamp: %s", s)
}

// parseNullableFloat converts a string field into a nullable float. Empty
// strings, unparseable values and NaN all become null, which downstream is
// reported as a missing value.
func parseNullableFloat(s string) null.Float {
	if s == "" {
		return null.Float{}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return null.Float{}
	}

	return null.FloatFrom(v)
}
