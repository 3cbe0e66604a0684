// Package quality aggregates detector output for a batch into a single
// weighted quality score and category.
package quality

import (
	"math"
	"time"

	kitlog "github.com/go-kit/kit/log"

	"github.com/thingful/agripipe/pkg/config"
	"github.com/thingful/agripipe/pkg/ingest"
)

// Categories a batch score can fall into. Bounds are inclusive lower bounds
// taken from configuration.
const (
	CategoryExcellent = "Excellent"
	CategoryGood      = "Good"
	CategoryFair      = "Fair"
	CategoryPoor      = "Poor"
	CategoryCritical  = "Critical"

	// CategoryNoData is reported for an empty batch, rather than dividing by a
	// zero record count.
	CategoryNoData = "No Data"
)

// Report is the per-batch quality summary. It is created once per completed
// batch and never mutated afterwards.
type Report struct {
	TotalRecords int `json:"total_records"`

	MissingCount  int `json:"missing_count"`
	AnomalyCount  int `json:"anomaly_count"`
	OutlierCount  int `json:"outlier_count"`
	TemporalCount int `json:"temporal_count"`

	MissingPct  float64 `json:"missing_pct"`
	AnomalyPct  float64 `json:"anomaly_pct"`
	OutlierPct  float64 `json:"outlier_pct"`
	TemporalPct float64 `json:"temporal_pct"`

	Score    float64 `json:"quality_score"`
	Category string  `json:"category"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Scorer computes quality reports using configured weights and category
// bands. Both are loaded once at startup; nothing else in the pipeline
// depends on their literal default values.
type Scorer struct {
	weights config.Weights
	bands   config.Bands
	logger  kitlog.Logger
}

// New returns a Scorer for the given weights and bands.
func New(cfg config.Scorer, logger kitlog.Logger) *Scorer {
	logger = kitlog.With(logger, "module", "quality")

	logger.Log("msg", "creating scorer")

	return &Scorer{
		weights: cfg.Weights,
		bands:   cfg.Bands,
		logger:  logger,
	}
}

// Score computes the quality report for a batch of flagged readings. It is a
// pure function of the batch: re-running it on an unchanged batch yields the
// identical score and category.
func (s *Scorer) Score(readings []*ingest.Reading, generatedAt time.Time) Report {
	var missing, anomalous, outliers, temporal int

	for _, r := range readings {
		if r.HasMissingValue {
			missing++
		}
		if r.AnomalousReading {
			anomalous++
		}
		if r.IsStatisticalOutlier {
			outliers++
		}
		if r.IsTemporalAnomaly {
			temporal++
		}
	}

	return s.ScoreCounts(len(readings), missing, anomalous, outliers, temporal, generatedAt)
}

// ScoreCounts computes a quality report directly from flag counts. This is
// the same computation Score performs over a batch, exposed separately so
// summaries over already persisted readings can be scored without reloading
// every row.
func (s *Scorer) ScoreCounts(total, missing, anomalous, outliers, temporal int, generatedAt time.Time) Report {
	report := Report{
		TotalRecords:  total,
		MissingCount:  missing,
		AnomalyCount:  anomalous,
		OutlierCount:  outliers,
		TemporalCount: temporal,
		GeneratedAt:   generatedAt,
	}

	if report.TotalRecords == 0 {
		report.Category = CategoryNoData
		return report
	}

	totalf := float64(report.TotalRecords)
	report.MissingPct = float64(report.MissingCount) / totalf * 100
	report.AnomalyPct = float64(report.AnomalyCount) / totalf * 100
	report.OutlierPct = float64(report.OutlierCount) / totalf * 100
	report.TemporalPct = float64(report.TemporalCount) / totalf * 100

	score := 100 -
		s.weights.Missing*report.MissingPct -
		s.weights.Anomaly*report.AnomalyPct -
		s.weights.Outlier*report.OutlierPct -
		s.weights.Temporal*report.TemporalPct

	report.Score = round2(math.Max(0, score))
	report.Category = s.categorize(report.Score)

	return report
}

// categorize maps a score onto its category by inclusive lower bound.
func (s *Scorer) categorize(score float64) string {
	switch {
	case score >= s.bands.Excellent:
		return CategoryExcellent
	case score >= s.bands.Good:
		return CategoryGood
	case score >= s.bands.Fair:
		return CategoryFair
	case score >= s.bands.Poor:
		return CategoryPoor
	default:
		return CategoryCritical
	}
}

// round2 rounds to two decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
