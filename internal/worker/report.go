package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/cas"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/logging"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/metrics"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/outputs"
)

// ReportResultStageName labels the stage in logs, leases and metrics.
const ReportResultStageName = "ReportResultStage"

// ReportResultStage uploads the outputs of a completed action and marks its
// operation done.
type ReportResultStage struct {
	builder  *outputs.Builder
	uploader cas.BatchUploader
	pollers  PollerFactory
	label    string
	log      *slog.Logger
}

// NewReportResultStage creates the stage. label overrides the stage name
// used for leases and metrics when non-empty.
func NewReportResultStage(fn digest.Function, uploader cas.BatchUploader, pollers PollerFactory, label string) *ReportResultStage {
	if label == "" {
		label = ReportResultStageName
	}
	return &ReportResultStage{
		builder:  outputs.NewBuilder(fn),
		uploader: uploader,
		pollers:  pollers,
		label:    label,
		log:      logging.Component("report"),
	}
}

func (s *ReportResultStage) Name() string { return s.label }

// Tick reports one operation. Upload failures yield a Failed outcome and a
// nil error; the operation is left unfinalized. A non-nil error means the
// attempt itself broke (for example a declared output of the wrong type)
// and the caller decides what to do with the operation.
func (s *ReportResultStage) Tick(ctx context.Context, oc *OperationContext) (Outcome, error) {
	startTime := time.Now()
	name := oc.Name()
	log := logging.OperationLogger(logging.CorrelationID(ctx), name, s.label)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	poller := s.pollers.CreatePoller(name, s.label, remoteexecution.ExecutionStage_EXECUTING, func() {
		log.Warn("lease lost, aborting report")
		cancel()
	})
	defer poller.Stop()

	resp, err := executeResponse(oc.Operation)
	if err != nil {
		return Outcome{}, err
	}

	// Work on a copy so a failed attempt leaves the operation untouched.
	result := &remoteexecution.ActionResult{}
	if resp.Result != nil {
		result = proto.Clone(resp.Result).(*remoteexecution.ActionResult)
		result.OutputFiles = nil
		result.OutputDirectories = nil
	}

	err = s.UploadOutputs(ctx, result, oc.ExecDir, oc.Command.GetOutputFiles(), oc.Command.GetOutputDirectories())
	if errors.Is(err, cas.ErrTransfer) {
		log.Warn("output upload failed", "error", err)
		s.record(startTime, Failed)
		return Outcome{Kind: Failed, Operation: oc}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("report %s: %w", name, err)
	}

	resp.Result = result
	if err := finalize(oc, resp); err != nil {
		return Outcome{}, fmt.Errorf("finalize %s: %w", name, err)
	}

	log.Info("operation reported",
		"output_files", len(result.OutputFiles),
		"output_directories", len(result.OutputDirectories),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	s.record(startTime, Forwarded)
	return Outcome{Kind: Forwarded, Operation: oc}, nil
}

// UploadOutputs records the declared outputs found under execRoot in result
// and uploads every blob they reference in a single batch. Nothing is
// uploaded when no output exists. Upload failures are always reported as a
// *cas.TransferError.
func (s *ReportResultStage) UploadOutputs(ctx context.Context, result *remoteexecution.ActionResult, execRoot string, outputFiles, outputDirs []string) error {
	blobs, err := s.builder.BuildOutputs(result, execRoot, outputFiles, outputDirs)
	if err != nil {
		return err
	}
	if len(blobs) == 0 {
		return nil
	}

	s.log.Debug("uploading outputs", "blobs", len(blobs), "bytes", blobs.TotalSize())
	if err := s.uploader.UploadBlobs(ctx, blobs); err != nil {
		if !errors.Is(err, cas.ErrTransfer) {
			err = &cas.TransferError{Err: err}
		}
		return err
	}
	return nil
}

func (s *ReportResultStage) record(startTime time.Time, kind OutcomeKind) {
	if m := metrics.Get(); m != nil {
		m.ObserveReportDuration(metrics.Labels{Stage: s.label}, time.Since(startTime).Seconds())
		m.IncOperationsReported(metrics.Labels{Stage: s.label, Outcome: kind.String()})
	}
}

// executeResponse unpacks the response carried by op, or returns a fresh one.
func executeResponse(op *longrunningpb.Operation) (*remoteexecution.ExecuteResponse, error) {
	resp := &remoteexecution.ExecuteResponse{}
	packed := op.GetResponse()
	if packed == nil {
		return resp, nil
	}
	if err := packed.UnmarshalTo(resp); err != nil {
		return nil, fmt.Errorf("unpack execute response of %s: %w", op.GetName(), err)
	}
	return resp, nil
}

// finalize stores resp in the operation, moves it to COMPLETED and marks it
// done.
func finalize(oc *OperationContext, resp *remoteexecution.ExecuteResponse) error {
	packedResp, err := anypb.New(resp)
	if err != nil {
		return fmt.Errorf("pack execute response: %w", err)
	}

	md := &remoteexecution.ExecuteOperationMetadata{}
	if oc.Metadata != nil {
		md = proto.Clone(oc.Metadata).(*remoteexecution.ExecuteOperationMetadata)
	}
	md.Stage = remoteexecution.ExecutionStage_COMPLETED

	packedMD, err := anypb.New(md)
	if err != nil {
		return fmt.Errorf("pack operation metadata: %w", err)
	}

	if oc.Operation == nil {
		oc.Operation = &longrunningpb.Operation{}
	}
	oc.Operation.Metadata = packedMD
	oc.Operation.Result = &longrunningpb.Operation_Response{Response: packedResp}
	oc.Operation.Done = true
	oc.Metadata = md
	return nil
}

// Verify ReportResultStage implements Stage.
var _ Stage = (*ReportResultStage)(nil)
