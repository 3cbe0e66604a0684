package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/thingful/agripipe/pkg/calibration"
	"github.com/thingful/agripipe/pkg/clock"
	"github.com/thingful/agripipe/pkg/config"
	"github.com/thingful/agripipe/pkg/detector"
	"github.com/thingful/agripipe/pkg/mocks"
	"github.com/thingful/agripipe/pkg/pipeline"
	"github.com/thingful/agripipe/pkg/postgres"
	"github.com/thingful/agripipe/pkg/quality"
	"github.com/thingful/agripipe/pkg/rolling"
)

const goodBatch = `sensor_id,timestamp,reading_type,value,battery_level
S001,2026-03-01T06:00:00Z,temperature,21.5,88.0
S001,2026-03-01T07:00:00Z,temperature,22.1,87.5
S002,2026-03-01T06:00:00Z,humidity,55.0,92.0
`

func writeBatch(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func newProcessor(t *testing.T, dir string, ds pipeline.Datastore) pipeline.Processor {
	t.Helper()

	logger := kitlog.NewNopLogger()

	cfg, err := config.Load("", logger)
	require.NoError(t, err)

	return pipeline.NewProcessor(
		&pipeline.Config{DataDir: dir, Workers: 2},
		ds,
		rolling.New(cfg.Window(), nil, false, logger),
		calibration.New(cfg.Calibration, false, logger),
		detector.New(cfg.Detector, cfg.Ranges, logger),
		quality.New(cfg.Scorer, logger),
		clock.NewMock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)),
		false,
		logger,
	)
}

func TestProcessFiles(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "a.csv", goodBatch)

	ds := new(mocks.Datastore)
	ds.On("IsProcessed", "a.csv").Return(false, nil)
	ds.On("StoreBatch", "a.csv", mock.Anything).Return(nil)
	ds.On("MarkProcessed", mock.Anything).Return(nil)

	p := newProcessor(t, dir, ds)

	result, err := p.ProcessFiles(context.Background(), pipeline.Options{GenerateReport: true})
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesProcessed)
	assert.Equal(t, 0, result.FilesSkipped)
	assert.Equal(t, 0, result.FilesFailed)
	assert.Equal(t, 3, result.RecordsIngested)
	assert.False(t, result.Partial)
	assert.Len(t, result.Errors, 0)
	assert.NotEmpty(t, result.RunID)

	report, ok := result.Reports["a.csv"]
	require.True(t, ok)
	assert.Equal(t, 3, report.TotalRecords)
	assert.Equal(t, 100.0, report.Score)
	assert.Equal(t, quality.CategoryExcellent, report.Category)

	ds.AssertExpectations(t)

	rec := ds.Calls[len(ds.Calls)-1].Arguments.Get(0).(*postgres.CheckpointRecord)
	assert.Equal(t, "a.csv", rec.FileID)
	assert.Equal(t, 3, rec.RecordCount)
	assert.NotEmpty(t, rec.ContentHash)
	assert.NotZero(t, rec.SizeBytes)
}

func TestProcessFilesNoReportByDefault(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "a.csv", goodBatch)

	ds := new(mocks.Datastore)
	ds.On("IsProcessed", "a.csv").Return(false, nil)
	ds.On("StoreBatch", "a.csv", mock.Anything).Return(nil)
	ds.On("MarkProcessed", mock.Anything).Return(nil)

	p := newProcessor(t, dir, ds)

	result, err := p.ProcessFiles(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesProcessed)
	assert.Nil(t, result.Reports)
}

func TestProcessFilesSkipsCheckpointed(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "a.csv", goodBatch)

	ds := new(mocks.Datastore)
	ds.On("IsProcessed", "a.csv").Return(true, nil)

	p := newProcessor(t, dir, ds)

	result, err := p.ProcessFiles(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, result.FilesProcessed)
	assert.Equal(t, 1, result.FilesSkipped)
	assert.Equal(t, 0, result.RecordsIngested)

	ds.AssertNotCalled(t, "StoreBatch", mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "MarkProcessed", mock.Anything)
}

func TestProcessFilesForceReprocess(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "a.csv", goodBatch)

	ds := new(mocks.Datastore)
	ds.On("StoreBatch", "a.csv", mock.Anything).Return(nil)
	ds.On("MarkProcessed", mock.Anything).Return(nil)

	p := newProcessor(t, dir, ds)

	result, err := p.ProcessFiles(context.Background(), pipeline.Options{ForceReprocess: true})
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesProcessed)
	assert.Equal(t, 0, result.FilesSkipped)

	ds.AssertNotCalled(t, "IsProcessed", mock.Anything)
	ds.AssertExpectations(t)
}

func TestProcessFilesFileFailureContinues(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "bad.csv", "sensor_id,timestamp\nS001,2026-03-01T06:00:00Z\n")
	writeBatch(t, dir, "good.csv", goodBatch)

	ds := new(mocks.Datastore)
	ds.On("IsProcessed", mock.Anything).Return(false, nil)
	ds.On("StoreBatch", "good.csv", mock.Anything).Return(nil)
	ds.On("MarkProcessed", mock.Anything).Return(nil)

	p := newProcessor(t, dir, ds)

	result, err := p.ProcessFiles(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesProcessed)
	assert.Equal(t, 1, result.FilesFailed)
	require.Len(t, result.Errors, 1)

	ferr := result.Errors[0]
	assert.Equal(t, "bad.csv", ferr.File)
	assert.Equal(t, pipeline.StageValidating, ferr.Stage)
	assert.Equal(t, pipeline.KindValidation, ferr.Kind)

	ds.AssertNotCalled(t, "StoreBatch", "bad.csv", mock.Anything)
}

func TestProcessFilesCheckpointRequiresPersist(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "a.csv", goodBatch)

	ds := new(mocks.Datastore)
	ds.On("IsProcessed", "a.csv").Return(false, nil)
	ds.On("StoreBatch", "a.csv", mock.Anything).Return(assert.AnError)

	p := newProcessor(t, dir, ds)

	result, err := p.ProcessFiles(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, result.FilesProcessed)
	assert.Equal(t, 1, result.FilesFailed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, pipeline.StagePersisting, result.Errors[0].Stage)
	assert.Equal(t, pipeline.KindPersistence, result.Errors[0].Kind)

	ds.AssertNotCalled(t, "MarkProcessed", mock.Anything)
}

func TestProcessFilesAggregationFailure(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "a.csv", goodBatch)

	logger := kitlog.NewNopLogger()

	cfg, err := config.Load("", logger)
	require.NoError(t, err)

	ds := new(mocks.Datastore)
	ds.On("IsProcessed", "a.csv").Return(false, nil)

	agg := new(mocks.Aggregator)
	agg.On("Add", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(0.0, assert.AnError)

	p := pipeline.NewProcessor(
		&pipeline.Config{DataDir: dir, Workers: 1},
		ds,
		agg,
		calibration.New(cfg.Calibration, false, logger),
		detector.New(cfg.Detector, cfg.Ranges, logger),
		quality.New(cfg.Scorer, logger),
		clock.NewMock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)),
		false,
		logger,
	)

	result, err := p.ProcessFiles(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesFailed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, pipeline.StageAggregating, result.Errors[0].Stage)
	assert.Equal(t, pipeline.KindComputation, result.Errors[0].Kind)

	ds.AssertNotCalled(t, "StoreBatch", mock.Anything, mock.Anything)
}

func TestProcessFilesMissingDataDir(t *testing.T) {
	ds := new(mocks.Datastore)

	p := newProcessor(t, "/nonexistent/agripipe-data", ds)

	_, err := p.ProcessFiles(context.Background(), pipeline.Options{})
	assert.Error(t, err)
}

func TestProcessFilesCancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "a.csv", goodBatch)
	writeBatch(t, dir, "b.csv", goodBatch)

	ds := new(mocks.Datastore)

	p := newProcessor(t, dir, ds)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := p.ProcessFiles(ctx, pipeline.Options{})
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Equal(t, 0, result.FilesProcessed)
}

func TestProcessFilesIgnoresNonBatchFiles(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "notes.txt", "not a batch")
	writeBatch(t, dir, "a.csv", goodBatch)

	ds := new(mocks.Datastore)
	ds.On("IsProcessed", "a.csv").Return(false, nil)
	ds.On("StoreBatch", "a.csv", mock.Anything).Return(nil)
	ds.On("MarkProcessed", mock.Anything).Return(nil)

	p := newProcessor(t, dir, ds)

	result, err := p.ProcessFiles(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesProcessed)
	assert.Equal(t, 0, result.FilesFailed)
}
