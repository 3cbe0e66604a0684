package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/thingful/agripipe/pkg/ingest"
)

// Aggregator is a mock type that implements the rolling.Aggregator
// interface.
type Aggregator struct {
	mock.Mock
}

func (a *Aggregator) Add(ctx context.Context, sensorID string, readingType ingest.ReadingType, ts time.Time, value float64) (float64, error) {
	args := a.Called(ctx, sensorID, readingType, ts, value)
	return args.Get(0).(float64), args.Error(1)
}
