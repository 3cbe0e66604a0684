// Package calibration applies per reading type linear corrections to raw
// sensor values.
package calibration

import (
	kitlog "github.com/go-kit/kit/log"
	"gopkg.in/guregu/null.v3"

	"github.com/thingful/agripipe/pkg/config"
	"github.com/thingful/agripipe/pkg/ingest"
)

// Calibrator holds the calibration parameters for a run. Parameters are
// loaded once at pipeline start and are immutable afterwards, so a Calibrator
// is safe for concurrent use.
type Calibrator struct {
	params  map[string]config.CalibrationParams
	logger  kitlog.Logger
	verbose bool
}

// New returns a Calibrator for the given parameter set.
func New(params map[string]config.CalibrationParams, verbose bool, logger kitlog.Logger) *Calibrator {
	logger = kitlog.With(logger, "module", "calibration")

	logger.Log("msg", "creating calibrator", "types", len(params))

	return &Calibrator{
		params:  params,
		logger:  logger,
		verbose: verbose,
	}
}

// Calibrate applies the linear correction for the reading's type in place,
// recording the original value and whether a correction was actually applied
// so the effect is auditable. A null raw value is passed through untouched,
// and a reading type with no configured parameters keeps its raw value with
// CalibrationApplied set false. Calibration is best effort; it never fails a
// reading.
func (c *Calibrator) Calibrate(r *ingest.Reading) {
	r.OriginalValue = r.RawValue
	r.CalibrationApplied = false

	if !r.RawValue.Valid {
		return
	}

	params, ok := c.params[string(r.Type)]
	if !ok {
		r.CalibratedValue = r.RawValue
		return
	}

	calibrated := r.RawValue.Float64*params.Multiplier + params.Offset

	r.CalibratedValue = null.FloatFrom(calibrated)
	r.CalibrationApplied = true

	if c.verbose {
		c.logger.Log(
			"sensor", r.SensorID,
			"type", r.Type,
			"raw", r.RawValue.Float64,
			"calibrated", calibrated,
			"msg", "calibrated reading",
		)
	}
}

// CalibrateBatch applies Calibrate to every reading in the batch.
func (c *Calibrator) CalibrateBatch(readings []*ingest.Reading) {
	for _, r := range readings {
		c.Calibrate(r)
	}
}
