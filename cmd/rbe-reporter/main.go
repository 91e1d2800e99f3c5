package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/cas"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/config"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/lease"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/logging"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/metrics"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/sink"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/storage"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/worker"
)

// Set via -ldflags at build time.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		configPath  string
		execRoot    string
		opName      string
		exitCode    int
		outputFiles stringList
		outputDirs  stringList
	)
	flag.StringVar(&configPath, "config", os.Getenv(config.ConfigPathEnv), "path to YAML config file")
	flag.StringVar(&execRoot, "exec-root", "", "directory the action ran in")
	flag.StringVar(&opName, "operation", "", "operation name")
	flag.IntVar(&exitCode, "exit-code", 0, "exit code of the action")
	flag.Var(&outputFiles, "output-file", "declared output file, relative to -exec-root (repeatable)")
	flag.Var(&outputDirs, "output-dir", "declared output directory, relative to -exec-root (repeatable)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] RBE reporter %s (%s)", Version, GitSHA)

	if execRoot == "" || opName == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.MustLoad(configPath)

	// Stdout carries the reported operation.
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level, Output: os.Stderr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	ok, err := run(ctx, cfg, execRoot, opName, int32(exitCode), outputFiles, outputDirs)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	if !ok {
		log.Printf("[main] operation %s was not reported", opName)
		os.Exit(1)
	}
}

// run reports one operation and prints it. It returns false when the
// operation ended up in the error sink.
func run(ctx context.Context, cfg config.Config, execRoot, opName string, exitCode int32, outputFiles, outputDirs []string) (bool, error) {
	fn, err := digest.ParseFunction(cfg.Digest.Function)
	if err != nil {
		return false, err
	}

	store, err := storage.NewBlobStore(ctx, storage.StorageConfig{
		Backend:     cfg.Storage.Backend,
		LocalDir:    cfg.Storage.LocalDir,
		GCSBucket:   cfg.Storage.GCSBucket,
		S3Bucket:    cfg.Storage.S3Bucket,
		S3Endpoint:  cfg.Storage.S3Endpoint,
		S3Region:    cfg.Storage.S3Region,
		Prefix:      cfg.Storage.Prefix,
		Compression: storage.Compression(cfg.Storage.Compression),
	}, fn)
	if err != nil {
		return false, fmt.Errorf("create storage: %w", err)
	}
	defer store.Close()

	uploader := cas.NewStoreUploader(store, cas.UploaderConfig{
		Concurrency:    cfg.Upload.Concurrency,
		MaxAttempts:    cfg.Upload.MaxAttempts,
		InitialBackoff: cfg.Upload.InitialBackoff,
		MaxBackoff:     cfg.Upload.MaxBackoff,
		Timeout:        cfg.Upload.Timeout,
		Backend:        cfg.Storage.Backend,
	})

	var hb lease.Heartbeater = lease.NopHeartbeater{}
	if cfg.Lease.Backend == "redis" {
		client := lease.NewRedisClient(cfg.Lease.RedisAddr, cfg.Lease.RedisPassword, cfg.Lease.RedisDB)
		defer client.Close()
		hb = lease.NewRedisHeartbeater(client, cfg.Worker.ID, cfg.Lease.KeyPrefix, cfg.Lease.TTL)
	}
	pollers := lease.NewFactory(ctx, hb, cfg.Lease.Period, cfg.Lease.Deadline)

	journal, err := sink.NewJournal(ctx, sink.Config{
		Backend:     cfg.Journal.Backend,
		Dir:         cfg.Journal.Dir,
		PostgresDSN: cfg.Journal.PostgresDSN,
		Endpoint:    cfg.Journal.Endpoint,
	})
	if err != nil {
		return false, fmt.Errorf("create journal: %w", err)
	}
	defer journal.Close()

	stage := worker.NewReportResultStage(fn, uploader, pollers, cfg.Worker.StageLabel)
	pipeline := worker.NewPipeline(stage,
		sink.AsSink(journal, worker.Forwarded.String()),
		sink.AsSink(journal, worker.Failed.String()),
		cfg.Worker.Slots, cfg.Worker.QueueSize)

	oc, err := newOperationContext(opName, execRoot, exitCode, outputFiles, outputDirs)
	if err != nil {
		return false, err
	}

	if err := pipeline.RunOperations(ctx, []*worker.OperationContext{oc}); err != nil {
		return false, err
	}

	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(oc.Operation)
	if err != nil {
		return false, fmt.Errorf("marshal operation: %w", err)
	}
	fmt.Println(string(out))

	return pipeline.Stats().Forwarded.Load() == 1, nil
}

func newOperationContext(name, execRoot string, exitCode int32, outputFiles, outputDirs []string) (*worker.OperationContext, error) {
	resp, err := anypb.New(&remoteexecution.ExecuteResponse{
		Result: &remoteexecution.ActionResult{ExitCode: exitCode},
	})
	if err != nil {
		return nil, fmt.Errorf("pack execute response: %w", err)
	}

	md := &remoteexecution.ExecuteOperationMetadata{Stage: remoteexecution.ExecutionStage_EXECUTING}
	packedMD, err := anypb.New(md)
	if err != nil {
		return nil, fmt.Errorf("pack metadata: %w", err)
	}

	return &worker.OperationContext{
		Operation: &longrunningpb.Operation{
			Name:     name,
			Metadata: packedMD,
			Result:   &longrunningpb.Operation_Response{Response: resp},
		},
		ExecDir:  execRoot,
		Metadata: md,
		Action:   &remoteexecution.Action{},
		Command: &remoteexecution.Command{
			OutputFiles:       outputFiles,
			OutputDirectories: outputDirs,
		},
	}, nil
}
