package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/thingful/agripipe/pkg/ingest"
	"github.com/thingful/agripipe/pkg/postgres"
)

// Datastore is a mock type that implements the pipeline's Datastore
// interface.
type Datastore struct {
	mock.Mock
}

func (d *Datastore) StoreBatch(sourceFile string, readings []*ingest.Reading) error {
	args := d.Called(sourceFile, readings)
	return args.Error(0)
}

func (d *Datastore) IsProcessed(fileID string) (bool, error) {
	args := d.Called(fileID)
	return args.Bool(0), args.Error(1)
}

func (d *Datastore) MarkProcessed(rec *postgres.CheckpointRecord) error {
	args := d.Called(rec)
	return args.Error(0)
}
