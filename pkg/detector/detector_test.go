package detector_test

import (
	"testing"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"gopkg.in/guregu/null.v3"

	"github.com/thingful/agripipe/pkg/config"
	"github.com/thingful/agripipe/pkg/detector"
	"github.com/thingful/agripipe/pkg/ingest"
)

func defaultConfig() config.Detector {
	return config.Detector{
		Method:           config.MethodZScore,
		OutlierThreshold: 3.0,
		MaxTimeGapHours:  24.0,
	}
}

func reading(sensor string, t ingest.ReadingType, ts time.Time, value float64) *ingest.Reading {
	return &ingest.Reading{
		SensorID:        sensor,
		Type:            t,
		Timestamp:       ts,
		RawValue:        null.FloatFrom(value),
		CalibratedValue: null.FloatFrom(value),
	}
}

func TestDetectRange(t *testing.T) {
	logger := kitlog.NewNopLogger()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	d := detector.New(defaultConfig(), map[string]config.ExpectedRange{
		"temperature": {Min: -10, Max: 50},
	}, logger)

	readings := []*ingest.Reading{
		reading("field-01", ingest.Temperature, base, 21.5),
		reading("field-01", ingest.Temperature, base.Add(time.Hour), 70.0),
		reading("field-01", ingest.Humidity, base, 9999),
	}

	d.Detect(readings)

	assert.False(t, readings[0].IsRangeAnomaly)
	assert.True(t, readings[1].IsRangeAnomaly)
	assert.True(t, readings[1].AnomalousReading)

	// no range configured for humidity means no violation
	assert.False(t, readings[2].IsRangeAnomaly)
}

func TestDetectMissingValue(t *testing.T) {
	logger := kitlog.NewNopLogger()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	d := detector.New(defaultConfig(), nil, logger)

	readings := []*ingest.Reading{
		reading("field-01", ingest.Temperature, base, 21.5),
		{SensorID: "field-01", Type: ingest.Temperature, Timestamp: base.Add(time.Hour)},
	}

	d.Detect(readings)

	assert.False(t, readings[0].HasMissingValue)
	assert.True(t, readings[1].HasMissingValue)

	// a missing value is not by itself an anomaly
	assert.False(t, readings[1].AnomalousReading)
}

func TestDetectZScoreOutlier(t *testing.T) {
	logger := kitlog.NewNopLogger()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	cfg := defaultConfig()
	cfg.OutlierThreshold = 2.0

	d := detector.New(cfg, nil, logger)

	readings := []*ingest.Reading{}
	for i := 0; i < 20; i++ {
		readings = append(readings, reading("field-01", ingest.Temperature, base.Add(time.Duration(i)*time.Minute), 20.0+float64(i%3)))
	}
	outlier := reading("field-01", ingest.Temperature, base.Add(21*time.Minute), 500.0)
	readings = append(readings, outlier)

	d.Detect(readings)

	assert.True(t, outlier.IsStatisticalOutlier)
	assert.True(t, outlier.ZScore > 2.0)

	for _, r := range readings[:20] {
		assert.False(t, r.IsStatisticalOutlier)
	}
}

func TestDetectZScoreMonotonic(t *testing.T) {
	logger := kitlog.NewNopLogger()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	cfg := defaultConfig()
	cfg.OutlierThreshold = 2.0

	d := detector.New(cfg, nil, logger)

	// pushing the extreme value further out must never un-flag it
	var lastZ float64
	for _, extreme := range []float64{300, 400, 500, 1000} {
		readings := []*ingest.Reading{}
		for i := 0; i < 20; i++ {
			readings = append(readings, reading("field-01", ingest.Temperature, base.Add(time.Duration(i)*time.Minute), 20.0))
		}
		outlier := reading("field-01", ingest.Temperature, base.Add(21*time.Minute), extreme)
		readings = append(readings, outlier)

		d.Detect(readings)

		assert.True(t, outlier.IsStatisticalOutlier)
		assert.True(t, outlier.ZScore >= lastZ)
		lastZ = outlier.ZScore
	}
}

func TestDetectZScoreZeroStddev(t *testing.T) {
	logger := kitlog.NewNopLogger()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	d := detector.New(defaultConfig(), nil, logger)

	readings := []*ingest.Reading{}
	for i := 0; i < 10; i++ {
		readings = append(readings, reading("field-01", ingest.Temperature, base.Add(time.Duration(i)*time.Minute), 21.5))
	}

	d.Detect(readings)

	// identical values mean zero stddev, defined as "no outliers"
	for _, r := range readings {
		assert.False(t, r.IsStatisticalOutlier)
		assert.Equal(t, 0.0, r.ZScore)
	}
}

func TestDetectIQROutlier(t *testing.T) {
	logger := kitlog.NewNopLogger()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	cfg := defaultConfig()
	cfg.Method = config.MethodIQR

	d := detector.New(cfg, nil, logger)

	values := []float64{10, 11, 12, 12, 13, 13, 14, 14, 15, 16, 200}
	readings := []*ingest.Reading{}
	for i, v := range values {
		readings = append(readings, reading("field-01", ingest.SoilMoisture, base.Add(time.Duration(i)*time.Minute), v))
	}

	d.Detect(readings)

	flagged := 0
	for _, r := range readings {
		if r.IsStatisticalOutlier {
			flagged++
			assert.Equal(t, 200.0, r.CalibratedValue.Float64)
		}
	}
	assert.Equal(t, 1, flagged)
}

func TestDetectTemporalGap(t *testing.T) {
	logger := kitlog.NewNopLogger()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	d := detector.New(defaultConfig(), nil, logger)

	readings := []*ingest.Reading{
		reading("field-01", ingest.Temperature, base, 20),
		reading("field-01", ingest.Temperature, base.Add(time.Hour), 21),
		reading("field-01", ingest.Temperature, base.Add(30*time.Hour), 22),
		reading("field-02", ingest.Temperature, base.Add(31*time.Hour), 23),
	}

	d.Detect(readings)

	// first reading for a sensor has no predecessor and is never flagged
	assert.False(t, readings[0].IsTemporalAnomaly)
	assert.False(t, readings[0].HoursSinceLast.Valid)

	assert.False(t, readings[1].IsTemporalAnomaly)
	assert.Equal(t, 1.0, readings[1].HoursSinceLast.Float64)

	assert.True(t, readings[2].IsTemporalAnomaly)
	assert.Equal(t, 29.0, readings[2].HoursSinceLast.Float64)

	// a different sensor starts its own sequence
	assert.False(t, readings[3].IsTemporalAnomaly)
	assert.False(t, readings[3].HoursSinceLast.Valid)
}

func TestDetectIdempotent(t *testing.T) {
	logger := kitlog.NewNopLogger()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	d := detector.New(defaultConfig(), map[string]config.ExpectedRange{
		"temperature": {Min: -10, Max: 50},
	}, logger)

	readings := []*ingest.Reading{
		reading("field-01", ingest.Temperature, base, 20),
		reading("field-01", ingest.Temperature, base.Add(48*time.Hour), 70),
	}

	d.Detect(readings)
	first := []ingest.Flags{readings[0].Flags, readings[1].Flags}

	d.Detect(readings)
	assert.Equal(t, first[0], readings[0].Flags)
	assert.Equal(t, first[1], readings[1].Flags)
}
