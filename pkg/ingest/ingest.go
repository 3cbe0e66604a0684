// Package ingest contains the reading data model, and parsers that read
// batches of raw sensor readings from CSV or JSON files on disk.
package ingest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Supported file extensions for batch files. Anything else in the data
// directory is ignored rather than treated as an error.
const (
	extCSV  = ".csv"
	extJSON = ".json"
)

// IsBatchFile returns true if the given file name has an extension we know
// how to parse.
func IsBatchFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case extCSV, extJSON:
		return true
	default:
		return false
	}
}

// ReadFile parses the batch file at the given path into a slice of readings,
// dispatching on the file extension. Any schema or parse failure is returned
// as an error so the caller can record it and skip the file; a failure here
// never aborts the rest of the run.
func ReadFile(path string) ([]*Reading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open batch file")
	}
	defer f.Close()

	name := filepath.Base(path)

	var readings []*Reading

	switch strings.ToLower(filepath.Ext(path)) {
	case extCSV:
		readings, err = ParseCSV(f)
	case extJSON:
		readings, err = ParseJSON(f)
	default:
		return nil, errors.Errorf("unsupported batch file extension: %s", filepath.Ext(path))
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", name)
	}

	for _, r := range readings {
		r.SourceFile = name
	}

	return readings, nil
}
