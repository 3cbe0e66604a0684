package ingest_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thingful/agripipe/pkg/ingest"
)

func TestParseCSV(t *testing.T) {
	input := `sensor_id,timestamp,reading_type,value,battery_level
field-01,2024-03-01T10:00:00Z,temperature,21.5,87
field-01,2024-03-01 11:00:00,temperature,,86
field-02,2024-03-01T10:30:00Z,soil_moisture,44.2,
`

	readings, err := ingest.ParseCSV(strings.NewReader(input))
	require.Nil(t, err)
	require.Len(t, readings, 3)

	first := readings[0]
	assert.Equal(t, "field-01", first.SensorID)
	assert.Equal(t, ingest.Temperature, first.Type)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), first.Timestamp)
	assert.True(t, first.RawValue.Valid)
	assert.Equal(t, 21.5, first.RawValue.Float64)
	assert.Equal(t, 87.0, first.BatteryLevel.Float64)

	// empty value column becomes a null raw value, not an error
	second := readings[1]
	assert.False(t, second.RawValue.Valid)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), second.Timestamp)

	third := readings[2]
	assert.False(t, third.BatteryLevel.Valid)
	assert.True(t, third.RawValue.Valid)
}

func TestParseCSVShuffledColumns(t *testing.T) {
	input := `value,reading_type,sensor_id,timestamp
12.2,humidity,field-09,2024-03-01T10:00:00Z
`

	readings, err := ingest.ParseCSV(strings.NewReader(input))
	require.Nil(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "field-09", readings[0].SensorID)
	assert.Equal(t, 12.2, readings[0].RawValue.Float64)
}

func TestParseCSVMissingColumn(t *testing.T) {
	input := `sensor_id,timestamp,value
field-01,2024-03-01T10:00:00Z,21.5
`

	_, err := ingest.ParseCSV(strings.NewReader(input))
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "reading_type")
}

func TestParseCSVBadTimestamp(t *testing.T) {
	input := `sensor_id,timestamp,reading_type,value
field-01,yesterday,temperature,21.5
`

	_, err := ingest.ParseCSV(strings.NewReader(input))
	assert.NotNil(t, err)
}

func TestParseJSON(t *testing.T) {
	input := `[
		{"sensor_id":"field-01","timestamp":"2024-03-01T10:00:00Z","reading_type":"temperature","value":21.5,"battery_level":87},
		{"sensor_id":"field-01","timestamp":"2024-03-01T11:00:00Z","reading_type":"temperature","value":null},
		{"sensor_id":"field-02","timestamp":"2024-03-01T10:30:00Z","reading_type":"light_intensity","value":10405}
	]`

	readings, err := ingest.ParseJSON(strings.NewReader(input))
	require.Nil(t, err)
	require.Len(t, readings, 3)

	assert.True(t, readings[0].RawValue.Valid)
	assert.False(t, readings[1].RawValue.Valid)
	assert.False(t, readings[1].BatteryLevel.Valid)
	assert.Equal(t, ingest.LightIntensity, readings[2].Type)
}

func TestParseJSONInvalidRecord(t *testing.T) {
	input := `[{"timestamp":"2024-03-01T10:00:00Z","reading_type":"temperature","value":21.5}]`

	_, err := ingest.ParseJSON(strings.NewReader(input))
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "sensor_id")
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "batch-001.csv")
	contents := []byte("sensor_id,timestamp,reading_type,value\nfield-01,2024-03-01T10:00:00Z,temperature,21.5\n")
	require.Nil(t, os.WriteFile(path, contents, 0644))

	readings, err := ingest.ReadFile(path)
	require.Nil(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "batch-001.csv", readings[0].SourceFile)
}

func TestReadFileUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "batch.xml")
	require.Nil(t, os.WriteFile(path, []byte("<readings/>"), 0644))

	_, err := ingest.ReadFile(path)
	assert.NotNil(t, err)
}

func TestIsBatchFile(t *testing.T) {
	assert.True(t, ingest.IsBatchFile("a.csv"))
	assert.True(t, ingest.IsBatchFile("a.JSON"))
	assert.False(t, ingest.IsBatchFile("a.parquet"))
	assert.False(t, ingest.IsBatchFile("readme.md"))
}
