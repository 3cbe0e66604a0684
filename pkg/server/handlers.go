package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	kitlog "github.com/go-kit/kit/log"

	"github.com/thingful/agripipe/pkg/clock"
	"github.com/thingful/agripipe/pkg/export"
	"github.com/thingful/agripipe/pkg/pipeline"
	"github.com/thingful/agripipe/pkg/postgres"
	"github.com/thingful/agripipe/pkg/quality"
)

// Handlers bundles the components the HTTP surface needs.
type Handlers struct {
	db        *postgres.DB
	processor pipeline.Processor
	scorer    *quality.Scorer
	exporter  *export.Exporter
	clock     clock.Clock
	logger    kitlog.Logger
}

// NewHandlers returns the handler set for the given components.
func NewHandlers(db *postgres.DB, processor pipeline.Processor, scorer *quality.Scorer, exporter *export.Exporter, cl clock.Clock, logger kitlog.Logger) *Handlers {
	return &Handlers{
		db:        db,
		processor: processor,
		scorer:    scorer,
		exporter:  exporter,
		clock:     cl,
		logger:    kitlog.With(logger, "module", "handlers"),
	}
}

// writeJSON writes the given value as a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response body.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// processRequest is the request body for a process run.
type processRequest struct {
	ForceReprocess bool `json:"force_reprocess"`
	GenerateReport bool `json:"generate_report"`

	// TimeoutSeconds caps the run. Zero means no deadline; a run hitting the
	// deadline returns a partial result, not an error.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Process executes a batch run over the data directory.
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	ctx := r.Context()
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := h.processor.ProcessFiles(ctx, pipeline.Options{
		ForceReprocess: req.ForceReprocess,
		GenerateReport: req.GenerateReport,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// checkpointsResponse is the response body for the checkpoint listing.
type checkpointsResponse struct {
	ProcessedFiles []*postgres.CheckpointRecord `json:"processed_files"`
	TotalProcessed int                          `json:"total_processed"`
	LastTimestamp  *time.Time                   `json:"last_timestamp,omitempty"`
}

// buildCheckpointsResponse summarizes the record list. Records arrive ordered
// by processed_at, so the last one carries the most recent timestamp.
func buildCheckpointsResponse(records []*postgres.CheckpointRecord) checkpointsResponse {
	resp := checkpointsResponse{
		ProcessedFiles: records,
		TotalProcessed: len(records),
	}

	if len(records) > 0 {
		last := records[len(records)-1].ProcessedAt
		resp.LastTimestamp = &last
	}

	return resp
}

// ListCheckpoints returns every checkpoint record along with summary fields.
func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	records, err := h.db.ListProcessed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, buildCheckpointsResponse(records))
}

// ClearCheckpoints deletes all checkpoint records, leaving persisted output
// in place so the next run reprocesses everything.
func (h *Handlers) ClearCheckpoints(w http.ResponseWriter, r *http.Request) {
	if err := h.db.ClearCheckpoints(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Reset deletes all checkpoints and all persisted output. Irreversible.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Reset(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// queryParams parses the query surface filters from the request.
func queryParams(r *http.Request) (postgres.QueryParams, error) {
	q := r.URL.Query()

	params := postgres.QueryParams{
		SensorID:    q.Get("sensor_id"),
		ReadingType: q.Get("reading_type"),
	}

	if s := q.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return params, err
		}
		params.Start = t
	}

	if s := q.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return params, err
		}
		params.End = t
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return params, err
		}
		params.Limit = n
	}

	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return params, err
		}
		params.Offset = n
	}

	return params, nil
}

// Readings returns persisted readings matching the request filters.
func (h *Handlers) Readings(w http.ResponseWriter, r *http.Request) {
	params, err := queryParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	readings, err := h.db.Query(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"readings": readings})
}

// Summary scores all persisted readings and returns the aggregate quality
// report.
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.db.Summarize()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	report := h.scorer.ScoreCounts(
		summary.TotalRecords,
		summary.MissingCount,
		summary.AnomalyCount,
		summary.OutlierCount,
		summary.TemporalCount,
		h.clock.Now(),
	)

	writeJSON(w, http.StatusOK, struct {
		quality.Report
		TotalIssues int `json:"total_issues"`
	}{
		Report:      report,
		TotalIssues: summary.TotalIssues(),
	})
}

// Sensors returns the distinct sensor ids present in the output.
func (h *Handlers) Sensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := h.db.DistinctSensors()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sensors": sensors})
}

// Types returns the distinct reading types present in the output.
func (h *Handlers) Types(w http.ResponseWriter, r *http.Request) {
	types, err := h.db.DistinctTypes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"types": types})
}

// exportRequest is the request body for an export. Exports accept the same
// filter parameters as the readings query surface.
type exportRequest struct {
	export.Options

	SensorID    string    `json:"sensor_id"`
	ReadingType string    `json:"reading_type"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Limit       int       `json:"limit"`
	Offset      int       `json:"offset"`
}

// exportQueryParams maps the export filters onto the query surface.
func (req exportRequest) exportQueryParams() postgres.QueryParams {
	return postgres.QueryParams{
		SensorID:    req.SensorID,
		ReadingType: req.ReadingType,
		Start:       req.Start,
		End:         req.End,
		Limit:       req.Limit,
		Offset:      req.Offset,
	}
}

// Export writes persisted readings to files in the requested format.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	readings, err := h.db.Query(req.exportQueryParams())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result, err := h.exporter.Export(readings, req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
