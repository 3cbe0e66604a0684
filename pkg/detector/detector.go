// Package detector flags anomalous readings within a batch. Three independent
// checks run per batch - range, statistical outlier and temporal gap - each
// recording its own flag, with a composite flag derived as the OR of the
// three. Missing value detection is independent of all of them.
package detector

import (
	"math"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"gopkg.in/guregu/null.v3"

	"github.com/thingful/agripipe/pkg/config"
	"github.com/thingful/agripipe/pkg/ingest"
)

// Detector applies the configured anomaly checks to a batch of readings.
// Configuration is immutable after construction so a Detector is safe for
// concurrent use across batches.
type Detector struct {
	method    string
	threshold float64
	maxGap    time.Duration
	ranges    map[string]config.ExpectedRange
	logger    kitlog.Logger
}

// New returns a Detector using the given detection settings and expected
// ranges.
func New(cfg config.Detector, ranges map[string]config.ExpectedRange, logger kitlog.Logger) *Detector {
	logger = kitlog.With(logger, "module", "detector")

	logger.Log(
		"msg", "creating detector",
		"method", cfg.Method,
		"threshold", cfg.OutlierThreshold,
		"maxGapHours", cfg.MaxTimeGapHours,
	)

	return &Detector{
		method:    cfg.Method,
		threshold: cfg.OutlierThreshold,
		maxGap:    time.Duration(cfg.MaxTimeGapHours * float64(time.Hour)),
		ranges:    ranges,
		logger:    logger,
	}
}

// Detect runs all checks over the batch, setting the quality flags on each
// reading in place. Flags are a pure function of the batch, so re-running
// Detect on an unchanged batch yields identical flags. Readings must already
// be sorted by sensor then timestamp; the orchestrator enforces this before
// detection so the temporal check sees each sensor's readings in
// chronological order.
func (d *Detector) Detect(readings []*ingest.Reading) {
	for _, r := range readings {
		r.Flags = ingest.Flags{
			HasMissingValue: !r.RawValue.Valid,
		}
	}

	d.applyRangeChecks(readings)
	d.applyStatisticalChecks(readings)
	d.applyTemporalChecks(readings)

	for _, r := range readings {
		r.AnomalousReading = r.Flags.Anomalous()
	}
}

// applyRangeChecks flags readings whose calibrated value lies outside the
// expected range for their type. A type with no configured range is treated
// as having no violations, not as an error. Null values never violate a
// range.
func (d *Detector) applyRangeChecks(readings []*ingest.Reading) {
	for _, r := range readings {
		if !r.CalibratedValue.Valid {
			continue
		}

		expected, ok := d.ranges[string(r.Type)]
		if !ok {
			continue
		}

		v := r.CalibratedValue.Float64
		if v < expected.Min || v > expected.Max {
			r.IsRangeAnomaly = true
		}
	}
}

// applyStatisticalChecks flags outliers per reading type over the batch's
// non-null calibrated values, using whichever method the run is configured
// with.
func (d *Detector) applyStatisticalChecks(readings []*ingest.Reading) {
	groups := map[ingest.ReadingType][]*ingest.Reading{}
	for _, r := range readings {
		if !r.CalibratedValue.Valid {
			continue
		}
		groups[r.Type] = append(groups[r.Type], r)
	}

	for _, group := range groups {
		switch d.method {
		case config.MethodIQR:
			d.flagOutliersIQR(group)
		default:
			d.flagOutliersZScore(group)
		}
	}
}

// flagOutliersZScore computes each reading's distance from the group mean in
// standard deviations and flags those beyond the threshold. A zero standard
// deviation is defined as "no outliers" rather than an error.
func (d *Detector) flagOutliersZScore(group []*ingest.Reading) {
	values := make([]float64, len(group))
	for i, r := range group {
		values[i] = r.CalibratedValue.Float64
	}

	mean, stddev := meanStddev(values)
	if stddev == 0 {
		return
	}

	for _, r := range group {
		z := math.Abs(r.CalibratedValue.Float64-mean) / stddev
		r.ZScore = z
		if z > d.threshold {
			r.IsStatisticalOutlier = true
		}
	}
}

// flagOutliersIQR flags readings lying strictly outside the interquartile
// fences [Q1-1.5*IQR, Q3+1.5*IQR].
func (d *Detector) flagOutliersIQR(group []*ingest.Reading) {
	values := make([]float64, len(group))
	for i, r := range group {
		values[i] = r.CalibratedValue.Float64
	}

	lower, upper := iqrBounds(values)

	for _, r := range group {
		v := r.CalibratedValue.Float64
		if v < lower || v > upper {
			r.IsStatisticalOutlier = true
		}
	}
}

// applyTemporalChecks computes the gap from each reading to the immediately
// preceding reading for the same sensor, flagging gaps beyond the configured
// maximum. The first reading for a sensor in a batch has no predecessor and
// is never flagged.
func (d *Detector) applyTemporalChecks(readings []*ingest.Reading) {
	previous := map[string]time.Time{}

	for _, r := range readings {
		last, ok := previous[r.SensorID]
		previous[r.SensorID] = r.Timestamp

		if !ok {
			continue
		}

		gap := r.Timestamp.Sub(last)
		r.HoursSinceLast = null.FloatFrom(gap.Hours())

		if gap > d.maxGap {
			r.IsTemporalAnomaly = true
		}
	}
}
