package worker

import (
	"context"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// OperationContext carries one operation through the worker stages.
// It is owned by a single worker slot at a time.
type OperationContext struct {
	Operation *longrunningpb.Operation
	ExecDir   string
	Metadata  *remoteexecution.ExecuteOperationMetadata
	Action    *remoteexecution.Action
	Command   *remoteexecution.Command
}

// Name returns the operation name, or "" if there is no operation.
func (oc *OperationContext) Name() string {
	return oc.Operation.GetName()
}

// Poller is a running lease heartbeat.
type Poller interface {
	// Stop ends the heartbeat. It is idempotent.
	Stop()
}

// PollerFactory starts lease heartbeats for operations.
type PollerFactory interface {
	// CreatePoller starts heartbeating name at stage. onDeadline runs if the
	// lease is lost before the poller is stopped.
	CreatePoller(name, stageLabel string, stage remoteexecution.ExecutionStage_Value, onDeadline func()) Poller
}

// Sink receives operations leaving a stage.
type Sink interface {
	Put(ctx context.Context, oc *OperationContext) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, oc *OperationContext) error

func (f SinkFunc) Put(ctx context.Context, oc *OperationContext) error { return f(ctx, oc) }

// Stage processes one operation per Tick.
type Stage interface {
	Name() string
	Tick(ctx context.Context, oc *OperationContext) (Outcome, error)
}

// OutcomeKind says where an operation goes after a stage.
type OutcomeKind int

const (
	// Forwarded operations continue to the next stage.
	Forwarded OutcomeKind = iota + 1
	// Failed operations go to the error stage.
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Forwarded:
		return "forwarded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Tick.
type Outcome struct {
	Kind      OutcomeKind
	Operation *OperationContext
}
