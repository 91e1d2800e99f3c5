// Package sink records operations leaving the report stage.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/worker"
)

// Record is one journal entry.
type Record struct {
	ID                string          `json:"id"`
	Operation         string          `json:"operation"`
	Outcome           string          `json:"outcome"`
	Done              bool            `json:"done"`
	Stage             string          `json:"stage"`
	ActionDigest      string          `json:"action_digest,omitempty"`
	ExitCode          int32           `json:"exit_code"`
	OutputFiles       int             `json:"output_files"`
	OutputDirectories int             `json:"output_directories"`
	RecordedAt        time.Time       `json:"recorded_at"`
	Payload           json.RawMessage `json:"payload"` // the operation as protojson
}

// NewRecord summarizes oc for the journal.
func NewRecord(oc *worker.OperationContext, outcome string) (*Record, error) {
	rec := &Record{
		ID:         uuid.NewString(),
		Operation:  oc.Name(),
		Outcome:    outcome,
		Done:       oc.Operation.GetDone(),
		Stage:      oc.Metadata.GetStage().String(),
		RecordedAt: time.Now().UTC(),
		Payload:    json.RawMessage("null"),
	}

	if d, err := digest.FromProto(oc.Metadata.GetActionDigest()); err == nil && !d.IsZero() {
		rec.ActionDigest = d.String()
	}

	if packed := oc.Operation.GetResponse(); packed != nil {
		resp := &remoteexecution.ExecuteResponse{}
		if err := packed.UnmarshalTo(resp); err == nil {
			rec.ExitCode = resp.GetResult().GetExitCode()
			rec.OutputFiles = len(resp.GetResult().GetOutputFiles())
			rec.OutputDirectories = len(resp.GetResult().GetOutputDirectories())
		}
	}

	if oc.Operation != nil {
		payload, err := protojson.Marshal(oc.Operation)
		if err != nil {
			return nil, fmt.Errorf("marshal operation %s: %w", rec.Operation, err)
		}
		rec.Payload = payload
	}
	return rec, nil
}

// Journal persists records.
type Journal interface {
	Record(ctx context.Context, rec *Record) error
	Close() error
}

// Config configures the journal backend.
type Config struct {
	Backend     string // "none" | "file" | "postgres" | "http"
	Dir         string // for file
	PostgresDSN string // for postgres
	Endpoint    string // for http
}

// NewJournal creates a journal based on configuration.
func NewJournal(ctx context.Context, cfg Config) (Journal, error) {
	switch cfg.Backend {
	case "", "none":
		return noopJournal{}, nil
	case "file":
		return NewFileJournal(cfg.Dir)
	case "postgres":
		return NewPostgresJournal(ctx, cfg.PostgresDSN)
	case "http":
		return NewHTTPJournal(cfg.Endpoint)
	default:
		return nil, fmt.Errorf("unknown journal backend: %s", cfg.Backend)
	}
}

// AsSink adapts j to a worker.Sink labelling every record with outcome.
func AsSink(j Journal, outcome string) worker.Sink {
	return worker.SinkFunc(func(ctx context.Context, oc *worker.OperationContext) error {
		rec, err := NewRecord(oc, outcome)
		if err != nil {
			return err
		}
		return j.Record(ctx, rec)
	})
}

// noopJournal is used when journaling is disabled.
type noopJournal struct{}

func (noopJournal) Record(context.Context, *Record) error { return nil }

func (noopJournal) Close() error { return nil }
