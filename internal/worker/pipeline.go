package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/logging"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/metrics"
)

// Pipeline implements the dispatcher → slots flow around a Stage.
// Each slot runs one operation at a time; outcomes are routed to the next
// sink or the error sink. Operations left unprocessed when the context is
// cancelled are abandoned to the error sink.
type Pipeline struct {
	stage     Stage
	next      Sink
	errSink   Sink
	slots     int
	queueSize int
	log       *slog.Logger

	inFlight atomic.Int64
	stats    Stats
}

// Stats counts what happened to the operations a Pipeline processed.
type Stats struct {
	Forwarded  atomic.Int64
	Failed     atomic.Int64
	Crashed    atomic.Int64
	Abandoned  atomic.Int64
	SinkErrors atomic.Int64
}

// NewPipeline creates a pipeline running stage in slots parallel slots.
func NewPipeline(stage Stage, next, errSink Sink, slots, queueSize int) *Pipeline {
	if slots < 1 {
		slots = 1
	}
	if queueSize < 1 {
		queueSize = slots * 2
	}

	return &Pipeline{
		stage:     stage,
		next:      next,
		errSink:   errSink,
		slots:     slots,
		queueSize: queueSize,
		log:       logging.Component("pipeline").With("stage", stage.Name()),
	}
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() *Stats {
	return &p.stats
}

// RunOperations feeds ops through the pipeline and waits for all of them.
func (p *Pipeline) RunOperations(ctx context.Context, ops []*OperationContext) error {
	if len(ops) == 0 {
		return nil
	}

	queue := make(chan *OperationContext, p.queueSize)

	type dispatchResult struct {
		sent int
		err  error
	}
	done := make(chan dispatchResult, 1)
	go func() {
		sent, err := p.dispatcherLoop(ctx, ops, queue)
		done <- dispatchResult{sent: sent, err: err}
	}()

	p.runSlots(ctx, queue)

	// The dispatcher has closed the queue once it reports.
	res := <-done
	for oc := range queue {
		p.abandon(ctx, oc)
	}
	for _, oc := range ops[res.sent:] {
		p.abandon(ctx, oc)
	}
	return res.err
}

// Run processes operations from queue until it is closed or ctx is
// cancelled. On cancellation the operations already buffered in queue are
// abandoned to the error sink; anything sent after Run returns is left to
// the caller.
func (p *Pipeline) Run(ctx context.Context, queue <-chan *OperationContext) {
	p.runSlots(ctx, queue)
	if ctx.Err() == nil {
		return
	}
	for {
		select {
		case oc, ok := <-queue:
			if !ok {
				return
			}
			p.abandon(ctx, oc)
		default:
			return
		}
	}
}

func (p *Pipeline) runSlots(ctx context.Context, queue <-chan *OperationContext) {
	p.log.Info("starting pipeline", "slots", p.slots)

	var wg sync.WaitGroup
	for i := 0; i < p.slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.slotLoop(ctx, slot, queue)
		}(i)
	}
	wg.Wait()

	p.log.Info("pipeline stopped",
		"forwarded", p.stats.Forwarded.Load(),
		"failed", p.stats.Failed.Load(),
		"crashed", p.stats.Crashed.Load(),
		"abandoned", p.stats.Abandoned.Load(),
	)
}

// dispatcherLoop sends operations to the slots and reports how many it sent.
func (p *Pipeline) dispatcherLoop(ctx context.Context, ops []*OperationContext, queue chan<- *OperationContext) (int, error) {
	defer close(queue)

	for i, oc := range ops {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		select {
		case <-ctx.Done():
			return i, ctx.Err()
		case queue <- oc:
			if m := metrics.Get(); m != nil {
				m.SetQueueDepth(float64(len(queue)))
			}
		}
	}
	return len(ops), nil
}

// slotLoop processes operations one at a time.
func (p *Pipeline) slotLoop(ctx context.Context, slot int, queue <-chan *OperationContext) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case oc, ok := <-queue:
			if !ok {
				return
			}
			p.process(ctx, slot, oc)
		}
	}
}

// process runs one operation through the stage and routes it.
func (p *Pipeline) process(ctx context.Context, slot int, oc *OperationContext) {
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)
	log := logging.WorkerLogger(slot).With(
		"correlation_id", correlationID,
		"operation", oc.Name(),
	)

	p.setInFlight(p.inFlight.Add(1))
	defer func() { p.setInFlight(p.inFlight.Add(-1)) }()

	outcome, err := p.tick(ctx, oc)
	if err != nil {
		log.Error("report attempt crashed", "error", err)
		p.stats.Crashed.Add(1)
		if m := metrics.Get(); m != nil {
			m.IncOperationsReported(metrics.Labels{Stage: p.stage.Name(), Outcome: "crashed"})
		}
		p.route(ctx, log, "error", p.errSink, oc)
		return
	}

	switch outcome.Kind {
	case Forwarded:
		p.stats.Forwarded.Add(1)
		p.route(ctx, log, "next", p.next, outcome.Operation)
	case Failed:
		p.stats.Failed.Add(1)
		p.route(ctx, log, "error", p.errSink, outcome.Operation)
	default:
		log.Error("unknown outcome", "kind", int(outcome.Kind))
		p.stats.Crashed.Add(1)
		p.route(ctx, log, "error", p.errSink, oc)
	}
}

// tick runs the stage, turning a panic into an error.
func (p *Pipeline) tick(ctx context.Context, oc *OperationContext) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", p.stage.Name(), r, debug.Stack())
		}
	}()
	return p.stage.Tick(ctx, oc)
}

// abandon hands an operation that was never ticked to the error sink. The
// sink gets a context that outlives the cancellation.
func (p *Pipeline) abandon(ctx context.Context, oc *OperationContext) {
	p.stats.Abandoned.Add(1)
	log := p.log.With("operation", oc.Name())
	log.Warn("operation abandoned", "reason", context.Cause(ctx))
	if m := metrics.Get(); m != nil {
		m.IncOperationsReported(metrics.Labels{Stage: p.stage.Name(), Outcome: "abandoned"})
	}
	p.route(context.WithoutCancel(ctx), log, "error", p.errSink, oc)
}

func (p *Pipeline) route(ctx context.Context, log *slog.Logger, sinkName string, sink Sink, oc *OperationContext) {
	if sink == nil {
		return
	}
	if err := sink.Put(ctx, oc); err != nil {
		p.stats.SinkErrors.Add(1)
		log.Error("sink rejected operation", "sink", sinkName, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncSinkErrors(metrics.Labels{Sink: sinkName})
		}
	}
}

func (p *Pipeline) setInFlight(n int64) {
	if m := metrics.Get(); m != nil {
		m.SetInFlightOperations(float64(n))
	}
}
