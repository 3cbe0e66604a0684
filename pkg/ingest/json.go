package ingest

import (
	"encoding/json"
	"io"
	"math"

	"github.com/pkg/errors"
	"gopkg.in/guregu/null.v3"
)

// rawReading is the JSON wire form of a single reading in a batch file. Value
// is a pointer so that both an explicit null and an absent key are treated as
// a missing observation.
type rawReading struct {
	SensorID     string   `json:"sensor_id"`
	Timestamp    string   `json:"timestamp"`
	ReadingType  string   `json:"reading_type"`
	Value        *float64 `json:"value"`
	BatteryLevel *float64 `json:"battery_level"`
}

// ParseJSON reads a batch of readings from a JSON stream. The payload must be
// an array of reading objects.
func ParseJSON(r io.Reader) ([]*Reading, error) {
	var raw []rawReading

	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, errors.New("batch file is empty")
		}
		return nil, errors.Wrap(err, "failed to unmarshal batch payload")
	}

	readings := make([]*Reading, 0, len(raw))

	for i, rr := range raw {
		reading, err := rr.toReading()
		if err != nil {
			return nil, errors.Wrapf(err, "invalid record at index %d", i)
		}
		readings = append(readings, reading)
	}

	return readings, nil
}

// toReading validates and converts the wire form into a Reading.
func (rr rawReading) toReading() (*Reading, error) {
	if rr.SensorID == "" {
		return nil, errors.New("missing sensor_id")
	}

	if rr.ReadingType == "" {
		return nil, errors.New("missing reading_type")
	}

	ts, err := parseTimestamp(rr.Timestamp)
	if err != nil {
		return nil, err
	}

	return &Reading{
		SensorID:     rr.SensorID,
		Timestamp:    ts,
		Type:         ReadingType(rr.ReadingType),
		RawValue:     floatFromPtr(rr.Value),
		BatteryLevel: floatFromPtr(rr.BatteryLevel),
	}, nil
}

// floatFromPtr converts an optional float into a nullable one, folding NaN
// into null as we do for CSV input.
func floatFromPtr(v *float64) null.Float {
	if v == nil || math.IsNaN(*v) {
		return null.Float{}
	}
	return null.FloatFrom(*v)
}
