package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/worker"
)

func completedOperation(t *testing.T, name string) *worker.OperationContext {
	t.Helper()

	resp, err := anypb.New(&remoteexecution.ExecuteResponse{
		Result: &remoteexecution.ActionResult{
			ExitCode: 1,
			OutputFiles: []*remoteexecution.OutputFile{
				{Path: "out.txt", Digest: digest.SHA256().Empty().ToProto()},
			},
		},
	})
	require.NoError(t, err)

	actionDigest := digest.SHA256().Compute([]byte("action"))
	return &worker.OperationContext{
		Operation: &longrunningpb.Operation{
			Name:   name,
			Done:   true,
			Result: &longrunningpb.Operation_Response{Response: resp},
		},
		Metadata: &remoteexecution.ExecuteOperationMetadata{
			Stage:        remoteexecution.ExecutionStage_COMPLETED,
			ActionDigest: actionDigest.ToProto(),
		},
	}
}

func TestNewRecord(t *testing.T) {
	oc := completedOperation(t, "operations/1")

	rec, err := NewRecord(oc, "forwarded")
	require.NoError(t, err)

	_, err = uuid.Parse(rec.ID)
	assert.NoError(t, err)
	assert.Equal(t, "operations/1", rec.Operation)
	assert.Equal(t, "forwarded", rec.Outcome)
	assert.True(t, rec.Done)
	assert.Equal(t, "COMPLETED", rec.Stage)
	assert.Equal(t, int32(1), rec.ExitCode)
	assert.Equal(t, 1, rec.OutputFiles)
	assert.Equal(t, digest.SHA256().Compute([]byte("action")).String(), rec.ActionDigest)

	op := &longrunningpb.Operation{}
	require.NoError(t, protojson.Unmarshal(rec.Payload, op))
	assert.True(t, proto.Equal(oc.Operation, op))
}

func TestNewRecordWithoutResponse(t *testing.T) {
	oc := &worker.OperationContext{Operation: &longrunningpb.Operation{Name: "bare"}}

	rec, err := NewRecord(oc, "failed")
	require.NoError(t, err)
	assert.False(t, rec.Done)
	assert.Empty(t, rec.ActionDigest)
	assert.Equal(t, 0, rec.OutputFiles)
}

func TestFileJournalRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := NewFileJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	_, err = j.Load("forwarded", "operations/1")
	assert.ErrorIs(t, err, ErrNoRecord)

	put := AsSink(j, "forwarded")
	require.NoError(t, put.Put(context.Background(), completedOperation(t, "operations/1")))

	path := filepath.Join(dir, "forwarded", "operations_1.json")
	_, err = os.Stat(path)
	require.NoError(t, err, "record file should exist")
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	rec, err := j.Load("forwarded", "operations/1")
	require.NoError(t, err)
	assert.Equal(t, "operations/1", rec.Operation)
	assert.True(t, json.Valid(rec.Payload))

	// A second record for the same operation replaces the first.
	require.NoError(t, put.Put(context.Background(), completedOperation(t, "operations/1")))
	again, err := j.Load("forwarded", "operations/1")
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, again.ID)

	// Outcomes are kept apart.
	_, err = j.Load("failed", "operations/1")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestNewJournal(t *testing.T) {
	ctx := context.Background()

	j, err := NewJournal(ctx, Config{Backend: "none"})
	require.NoError(t, err)
	assert.NoError(t, j.Record(ctx, &Record{}))
	assert.NoError(t, j.Close())

	_, err = NewJournal(ctx, Config{Backend: "file"})
	assert.Error(t, err, "file journal needs a directory")

	_, err = NewJournal(ctx, Config{Backend: "kafka"})
	assert.Error(t, err)
}

// TestPostgresJournal runs against a real database when
// RBE_REPORTER_TEST_POSTGRES_DSN is set.
func TestPostgresJournal(t *testing.T) {
	dsn := os.Getenv("RBE_REPORTER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RBE_REPORTER_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	j, err := NewPostgresJournal(ctx, dsn)
	require.NoError(t, err)
	defer j.Close()

	name := "operations/" + uuid.NewString()
	require.NoError(t, AsSink(j, "failed").Put(ctx, completedOperation(t, name)))

	rec, err := j.Load(ctx, "failed", name)
	require.NoError(t, err)
	assert.Equal(t, name, rec.Operation)
	assert.Equal(t, int32(1), rec.ExitCode)

	_, err = j.Load(ctx, "forwarded", name)
	assert.ErrorIs(t, err, ErrNoRecord)
}
