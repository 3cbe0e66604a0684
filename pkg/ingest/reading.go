package ingest

import (
	"time"

	"gopkg.in/guregu/null.v3"
)

// ReadingType is a type alias used to ensure we use the correct value when
// referring to the kind of quantity a sensor measures.
type ReadingType string

const (
	// Temperature readings, degrees Celsius
	Temperature ReadingType = "temperature"

	// Humidity readings, relative percent
	Humidity ReadingType = "humidity"

	// SoilMoisture readings, volumetric percent
	SoilMoisture ReadingType = "soil_moisture"

	// LightIntensity readings, lux
	LightIntensity ReadingType = "light_intensity"

	// BatteryLevel readings, percent of charge remaining
	BatteryLevel ReadingType = "battery_level"
)

// Flags holds the quality markers attached to a reading after detection has
// run. Each independent check records its own boolean, with AnomalousReading
// being the composite OR of the range, statistical and temporal checks. Flags
// are a pure function of the reading plus its batch context and are set
// exactly once per reading per run.
type Flags struct {
	HasMissingValue      bool       `json:"has_missing_value" db:"has_missing_value"`
	IsRangeAnomaly       bool       `json:"is_range_anomaly" db:"is_range_anomaly"`
	IsStatisticalOutlier bool       `json:"is_statistical_outlier" db:"is_statistical_outlier"`
	IsTemporalAnomaly    bool       `json:"is_temporal_anomaly" db:"is_temporal_anomaly"`
	AnomalousReading     bool       `json:"anomalous_reading" db:"anomalous_reading"`
	ZScore               float64    `json:"z_score" db:"z_score"`
	HoursSinceLast       null.Float `json:"hours_since_last" db:"hours_since_last"`
}

// Anomalous returns true if any of the three anomaly checks fired.
func (f Flags) Anomalous() bool {
	return f.IsRangeAnomaly || f.IsStatisticalOutlier || f.IsTemporalAnomaly
}

// Reading is a single sensor observation flowing through the pipeline. The
// raw value is immutable once parsed; the calibrated value is always derived
// from the raw value and the active calibration parameters, never hand
// edited. OriginalValue and CalibrationApplied exist so the effect of
// calibration is auditable after the fact.
type Reading struct {
	SensorID           string      `json:"sensor_id" db:"sensor_id"`
	Timestamp          time.Time   `json:"timestamp" db:"recorded_at"`
	Type               ReadingType `json:"reading_type" db:"reading_type"`
	RawValue           null.Float  `json:"raw_value" db:"raw_value"`
	CalibratedValue    null.Float  `json:"calibrated_value" db:"calibrated_value"`
	OriginalValue      null.Float  `json:"original_value" db:"original_value"`
	CalibrationApplied bool        `json:"calibration_applied" db:"calibration_applied"`
	BatteryLevel       null.Float  `json:"battery_level" db:"battery_level"`
	DailyAverage       null.Float  `json:"daily_average" db:"daily_average"`
	SourceFile         string      `json:"source_file" db:"source_file"`

	Flags
}
