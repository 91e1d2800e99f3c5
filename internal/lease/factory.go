package lease

import (
	"context"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/worker"
)

// Factory starts pollers bound to a parent context. Cancelling the parent
// ends every poller it created.
type Factory struct {
	ctx      context.Context
	hb       Heartbeater
	period   time.Duration
	deadline time.Duration
}

// NewFactory creates a Factory. Zero durations take the Options defaults.
func NewFactory(ctx context.Context, hb Heartbeater, period, deadline time.Duration) *Factory {
	return &Factory{
		ctx:      ctx,
		hb:       hb,
		period:   period,
		deadline: deadline,
	}
}

// CreatePoller starts a Poller for the named operation.
func (f *Factory) CreatePoller(name, stageLabel string, stage remoteexecution.ExecutionStage_Value, onDeadline func()) worker.Poller {
	return Start(f.ctx, f.hb, Options{
		Name:       name,
		StageLabel: stageLabel,
		Stage:      stage,
		Period:     f.period,
		Deadline:   f.deadline,
		OnDeadline: onDeadline,
	})
}

// Verify Factory implements worker.PollerFactory.
var _ worker.PollerFactory = (*Factory)(nil)
