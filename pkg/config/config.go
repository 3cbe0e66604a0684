package config

import (
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// CalibrationParams holds the linear correction applied to raw values of a
// single reading type: calibrated = raw*Multiplier + Offset.
type CalibrationParams struct {
	Multiplier float64 `mapstructure:"multiplier"`
	Offset     float64 `mapstructure:"offset"`
}

// ExpectedRange holds the permitted value range for a single reading type.
// Values outside the range are flagged as range anomalies.
type ExpectedRange struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// Detection methods available for the statistical outlier check. Exactly one
// method is active per run.
const (
	MethodZScore = "zscore"
	MethodIQR    = "iqr"
)

// Detector holds the tunable parameters for anomaly detection.
type Detector struct {
	Method           string  `mapstructure:"method"`
	OutlierThreshold float64 `mapstructure:"outlier_threshold"`
	MaxTimeGapHours  float64 `mapstructure:"max_time_gap_hours"`
}

// Weights are the per-category multipliers applied to flag percentages when
// computing the quality score.
type Weights struct {
	Missing  float64 `mapstructure:"missing"`
	Anomaly  float64 `mapstructure:"anomaly"`
	Outlier  float64 `mapstructure:"outlier"`
	Temporal float64 `mapstructure:"temporal"`
}

// Bands are the inclusive lower bounds of the quality score categories.
type Bands struct {
	Excellent float64 `mapstructure:"excellent"`
	Good      float64 `mapstructure:"good"`
	Fair      float64 `mapstructure:"fair"`
	Poor      float64 `mapstructure:"poor"`
}

// Scorer holds the tunable parameters for quality scoring.
type Scorer struct {
	Weights Weights `mapstructure:"weights"`
	Bands   Bands   `mapstructure:"bands"`
}

// Config is the process wide pipeline configuration. It is loaded exactly once
// at startup and is immutable for the duration of a run; nothing in the
// pipeline mutates it after Load returns.
type Config struct {
	Calibration map[string]CalibrationParams `mapstructure:"calibration"`
	Ranges      map[string]ExpectedRange     `mapstructure:"ranges"`
	Detector    Detector                     `mapstructure:"detector"`
	Scorer      Scorer                       `mapstructure:"scorer"`
	WindowDays  int                          `mapstructure:"window_days"`
}

// Window returns the rolling window size as a duration.
func (c *Config) Window() time.Duration {
	return time.Hour * 24 * time.Duration(c.WindowDays)
}

// setDefaults registers default values for all tunable parameters. The
// defaults match the documented behaviour of the pipeline, but every one of
// them may be overridden from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("detector.method", MethodZScore)
	v.SetDefault("detector.outlier_threshold", 3.0)
	v.SetDefault("detector.max_time_gap_hours", 24.0)

	v.SetDefault("scorer.weights.missing", 0.3)
	v.SetDefault("scorer.weights.anomaly", 0.4)
	v.SetDefault("scorer.weights.outlier", 0.2)
	v.SetDefault("scorer.weights.temporal", 0.1)

	v.SetDefault("scorer.bands.excellent", 90.0)
	v.SetDefault("scorer.bands.good", 70.0)
	v.SetDefault("scorer.bands.fair", 50.0)
	v.SetDefault("scorer.bands.poor", 30.0)

	v.SetDefault("window_days", 7)
}

// Load reads pipeline configuration from the YAML file at the given path,
// applying defaults for any value the file does not set. A path of "" returns
// a configuration containing only defaults, which means no calibration and no
// range checks are applied. Any parse or validation failure is a configuration
// error and must abort the run before any file is touched.
func Load(path string, logger kitlog.Logger) (*Config, error) {
	logger = kitlog.With(logger, "module", "config")

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read pipeline config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal pipeline config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger.Log(
		"msg", "loaded pipeline config",
		"path", path,
		"calibrations", len(cfg.Calibration),
		"ranges", len(cfg.Ranges),
		"method", cfg.Detector.Method,
	)

	return &cfg, nil
}

// validate checks invariants that would otherwise surface as undefined
// behaviour deep inside a run.
func (c *Config) validate() error {
	if c.Detector.Method != MethodZScore && c.Detector.Method != MethodIQR {
		return errors.Errorf("unknown outlier detection method: %s", c.Detector.Method)
	}

	if c.Detector.OutlierThreshold <= 0 {
		return errors.New("detector outlier_threshold must be positive")
	}

	if c.Detector.MaxTimeGapHours <= 0 {
		return errors.New("detector max_time_gap_hours must be positive")
	}

	if c.WindowDays <= 0 {
		return errors.New("window_days must be positive")
	}

	for name, r := range c.Ranges {
		if r.Min > r.Max {
			return errors.Errorf("expected range for %s has min greater than max", name)
		}
	}

	b := c.Scorer.Bands
	if b.Excellent < b.Good || b.Good < b.Fair || b.Fair < b.Poor {
		return errors.New("scorer bands must be ordered excellent >= good >= fair >= poor")
	}

	return nil
}
