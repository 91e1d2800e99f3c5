// Package lease keeps an operation's lease alive while a worker stage holds
// it.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/metrics"
)

// ErrLeaseLost is returned by a Heartbeater when the operation's lease is
// held by someone else or no longer exists.
var ErrLeaseLost = errors.New("lease lost")

// Heartbeater tells the scheduler that an operation is still being worked on.
type Heartbeater interface {
	Heartbeat(ctx context.Context, name string, stage remoteexecution.ExecutionStage_Value) error
}

// Options configures a Poller.
type Options struct {
	Name       string // operation name
	StageLabel string // for logs and metrics
	Stage      remoteexecution.ExecutionStage_Value

	// Period between heartbeats. Default: 10s
	Period time.Duration

	// Deadline is how long heartbeats may keep failing before the lease is
	// considered lost. Default: 3 * Period
	Deadline time.Duration

	// OnDeadline runs once, on its own, when the lease is lost.
	OnDeadline func()
}

// Poller sends heartbeats for one operation until stopped.
type Poller struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Start launches a Poller. Cancelling ctx also ends polling.
func Start(ctx context.Context, hb Heartbeater, opts Options) *Poller {
	if opts.Period <= 0 {
		opts.Period = 10 * time.Second
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 3 * opts.Period
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, hb, opts)
	return p
}

// Stop ends polling. It is safe to call more than once and from several
// goroutines; once it returns no further heartbeat is sent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		<-p.done
	})
}

// Done is closed when polling has ended for any reason.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) run(ctx context.Context, hb Heartbeater, opts Options) {
	log := slog.With("component", "lease", "operation", opts.Name, "stage", opts.StageLabel)

	expired := p.poll(ctx, hb, opts, log)
	close(p.done)

	if expired {
		if m := metrics.Get(); m != nil {
			m.IncLeasesLost(metrics.Labels{Stage: opts.StageLabel})
		}
		if opts.OnDeadline != nil {
			opts.OnDeadline()
		}
	}
}

// poll returns true when the lease was lost, false when polling was stopped.
func (p *Poller) poll(ctx context.Context, hb Heartbeater, opts Options, log *slog.Logger) bool {
	ticker := time.NewTicker(opts.Period)
	defer ticker.Stop()

	lastSuccess := time.Now()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		err := hb.Heartbeat(ctx, opts.Name, opts.Stage)
		if ctx.Err() != nil {
			return false
		}

		switch {
		case err == nil:
			lastSuccess = time.Now()
			countHeartbeat(opts.StageLabel, "ok")

		case errors.Is(err, ErrLeaseLost):
			countHeartbeat(opts.StageLabel, "lost")
			log.Warn("lease lost", "error", err)
			return true

		default:
			countHeartbeat(opts.StageLabel, "error")
			since := time.Since(lastSuccess)
			if since >= opts.Deadline {
				log.Error("lease deadline exceeded", "since_last_success", since, "error", err)
				return true
			}
			log.Warn("heartbeat failed", "since_last_success", since, "error", err)
		}
	}
}

func countHeartbeat(stage, result string) {
	if m := metrics.Get(); m != nil {
		m.IncHeartbeats(metrics.Labels{Stage: stage, Result: result})
	}
}

// NopHeartbeater accepts every heartbeat. It suits single-node setups where
// no scheduler tracks leases.
type NopHeartbeater struct{}

func (NopHeartbeater) Heartbeat(context.Context, string, remoteexecution.ExecutionStage_Value) error {
	return nil
}
