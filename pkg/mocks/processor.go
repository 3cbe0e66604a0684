package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/thingful/agripipe/pkg/pipeline"
)

// Processor is a mock type that implements the pipeline.Processor interface.
type Processor struct {
	mock.Mock
}

func (p *Processor) ProcessFiles(ctx context.Context, opts pipeline.Options) (*pipeline.RunResult, error) {
	args := p.Called(ctx, opts)
	return args.Get(0).(*pipeline.RunResult), args.Error(1)
}
