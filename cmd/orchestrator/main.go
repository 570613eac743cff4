// Command orchestrator is the entry point for submitting, running,
// inspecting, and serving the stage-chain workflows this system drives:
// extract audio, transcribe, diarize, optimize, and rebuild subtitles.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/yivideo/orchestrator/internal/config"
	"github.com/yivideo/orchestrator/internal/contextstore"
	"github.com/yivideo/orchestrator/internal/nodeexec"
	"github.com/yivideo/orchestrator/internal/nodes"
	"github.com/yivideo/orchestrator/internal/platform/logger"
	"github.com/yivideo/orchestrator/internal/procbridge"
	"github.com/yivideo/orchestrator/internal/registry"
	"github.com/yivideo/orchestrator/internal/scheduler"
	"github.com/yivideo/orchestrator/internal/scheduler/localbroker"
	"github.com/yivideo/orchestrator/internal/scheduler/temporalbroker"
	"github.com/yivideo/orchestrator/internal/temporalx"
	"github.com/yivideo/orchestrator/internal/tracing"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// Exit codes per the external interface contract: 0 success, 1 user
// error, 2 system error, 3 workflow failed.
const (
	exitSuccess       = 0
	exitUserError     = 1
	exitSystemError   = 2
	exitWorkflowFailed = 3
)

// stageChain is the node_name pipeline every submitted workflow runs
// through, in order: extract audio, transcribe, diarize, then the two
// pure-Go correction stages.
var stageChain = []string{
	"ffmpeg.extract_audio",
	"asr.transcribe",
	"diarize.speakers",
	"subtitle.optimize",
	"subtitle.rebuild",
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUserError
	}

	log, err := logger.New(envOrDefault("LOG_MODE", "development"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: logger init failed: %v\n", err)
		return exitSystemError
	}
	defer log.Sync()

	cfg := config.Load(log)
	shutdownTracing := tracing.Init(context.Background(), log, tracing.Config{ServiceName: "orchestrator"})
	defer shutdownTracing(context.Background())

	switch args[0] {
	case "submit":
		return cmdSubmit(log, cfg, args[1:])
	case "run":
		return cmdRun(log, cfg, args[1:])
	case "status":
		return cmdStatus(log, cfg, args[1:])
	case "worker":
		return cmdWorker(log, cfg, args[1:])
	default:
		printUsage()
		return exitUserError
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: orchestrator <submit|run|status|worker> [flags]")
}

// submitFlags holds the input_params surface shared by submit and run.
type submitFlags struct {
	workflowID     string
	videoPath      string
	asrModelName   string
	asrLanguage    string
	numSpeakers    int
	sharedStorage  string
}

func parseSubmitFlags(name string, args []string) (*submitFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	sf := &submitFlags{}
	fs.StringVar(&sf.workflowID, "workflow-id", "", "unique id for this workflow run")
	fs.StringVar(&sf.videoPath, "video-path", "", "source video file path")
	fs.StringVar(&sf.asrModelName, "asr-model-name", "large-v3", "ASR model identifier")
	fs.StringVar(&sf.asrLanguage, "asr-language", "", "ASR language hint, empty for auto-detect")
	fs.IntVar(&sf.numSpeakers, "num-speakers", 0, "expected speaker count, 0 if unknown")
	fs.StringVar(&sf.sharedStorage, "shared-storage-path", "", "override the per-workflow shared storage directory")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if sf.workflowID == "" {
		return nil, fmt.Errorf("-workflow-id is required")
	}
	if sf.videoPath == "" {
		return nil, fmt.Errorf("-video-path is required")
	}
	return sf, nil
}

func cmdSubmit(log *logger.Logger, cfg config.Config, args []string) int {
	sf, err := parseSubmitFlags("submit", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}
	store, closeStore, err := buildStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSystemError
	}
	defer closeStore()

	if _, err := submitWorkflow(context.Background(), store, cfg, sf); err != nil {
		return classifyStoreErr(err)
	}
	fmt.Printf("submitted workflow %s\n", sf.workflowID)
	return exitSuccess
}

func submitWorkflow(ctx context.Context, store contextstore.Store, cfg config.Config, sf *submitFlags) (*workflow.Context, error) {
	sharedStoragePath := sf.sharedStorage
	if sharedStoragePath == "" {
		sharedStoragePath = filepath.Join(cfg.SharedStorageRoot, sf.workflowID)
	}
	inputParams := map[string]any{
		"video_path":     sf.videoPath,
		"asr_model_name": sf.asrModelName,
		"asr_language":   sf.asrLanguage,
		"num_speakers":   sf.numSpeakers,
	}
	return store.Create(ctx, sf.workflowID, sharedStoragePath, stageChain, inputParams)
}

func cmdRun(log *logger.Logger, cfg config.Config, args []string) int {
	sf, err := parseSubmitFlags("run", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSystemError
	}
	defer closeStore()

	ctx := context.Background()
	if _, err := store.Load(ctx, sf.workflowID); err != nil {
		if _, err := submitWorkflow(ctx, store, cfg, sf); err != nil {
			return classifyStoreErr(err)
		}
	}

	sched := buildScheduler(log, cfg, store)
	broker := localbroker.New(sched, 500*time.Millisecond)

	if err := broker.Run(ctx, sf.workflowID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSystemError
	}

	final, err := store.Load(ctx, sf.workflowID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSystemError
	}
	printStatus(final)
	if final.Status == workflow.WorkflowFailed {
		return exitWorkflowFailed
	}
	return exitSuccess
}

func cmdStatus(log *logger.Logger, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	workflowID := fs.String("workflow-id", "", "workflow id to inspect")
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}
	if *workflowID == "" {
		fmt.Fprintln(os.Stderr, "-workflow-id is required")
		return exitUserError
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSystemError
	}
	defer closeStore()

	wfCtx, err := store.Load(context.Background(), *workflowID)
	if err != nil {
		return classifyStoreErr(err)
	}
	printStatus(wfCtx)
	if wfCtx.Status == workflow.WorkflowFailed {
		return exitWorkflowFailed
	}
	return exitSuccess
}

// cmdWorker starts a long-running Temporal worker. The local broker has
// no standalone worker process of its own — it drives exactly one
// workflow per `run` invocation — so this subcommand requires Temporal
// to be configured.
func cmdWorker(log *logger.Logger, cfg config.Config, args []string) int {
	store, closeStore, err := buildStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSystemError
	}
	defer closeStore()

	tc, err := temporalx.NewClient(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSystemError
	}
	if tc == nil {
		fmt.Fprintln(os.Stderr, "orchestrator worker: TEMPORAL_ADDRESS is not set for the Temporal broker; `run` drives a single workflow without one")
		return exitUserError
	}
	defer tc.Close()

	sched := buildScheduler(log, cfg, store)
	runner, err := temporalbroker.NewRunner(log, tc, sched)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSystemError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runner.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSystemError
	}
	<-ctx.Done()
	return exitSuccess
}

func buildStore(cfg config.Config) (contextstore.Store, func(), error) {
	if strings.HasPrefix(cfg.ContextStoreAddress, "redis://") || strings.HasPrefix(cfg.ContextStoreAddress, "rediss://") {
		store, err := contextstore.NewRedisStore(context.Background(), contextstore.RedisConfig{Addr: strings.TrimPrefix(cfg.ContextStoreAddress, "redis://")})
		if err != nil {
			return nil, func() {}, fmt.Errorf("orchestrator: connect context store: %w", err)
		}
		return store, func() { store.Close() }, nil
	}
	store := contextstore.NewMemStore()
	return store, func() { store.Close() }, nil
}

func buildScheduler(log *logger.Logger, cfg config.Config, store contextstore.Store) *scheduler.Scheduler {
	reg := registry.New()
	bridge := procbridge.New()

	reg.MustRegister(nodes.NewExtractAudio(envOrDefault("FFMPEG_BIN", "ffmpeg"), envOrDefault("FFPROBE_BIN", "ffprobe"), cfg.SubprocessStartupTimeout))
	reg.MustRegister(nodes.NewTranscribe(bridge, envOrDefault("PYTHON_BIN", "python3"), envOrDefault("ASR_INFER_SCRIPT", "asr_infer.py"), envOrDefault("ASR_BACKEND", "faster_whisper"), cfg.SharedStorageRoot, cfg.StageDeadlineDefault))
	reg.MustRegister(nodes.NewDiarize(bridge, envOrDefault("PYTHON_BIN", "python3"), envOrDefault("DIARIZE_INFER_SCRIPT", "diarize_infer.py"), cfg.SharedStorageRoot, cfg.StageDeadlineDefault))
	reg.MustRegister(nodes.NewOptimize())
	reg.MustRegister(nodes.NewRebuild())

	exec := &nodeexec.Executor{
		Store:           store,
		Registry:        reg,
		DefaultDeadline: cfg.StageDeadlineDefault,
		MaxAttempts:     cfg.MaxAttemptsPerStage,
	}
	if !cfg.CacheReuseEnabled {
		exec.CacheScope = uniqueCacheScope()
	}
	return &scheduler.Scheduler{Store: store, Executor: exec}
}

// uniqueCacheScope gives every process a distinct cache scope so cache
// reuse is effectively disabled without special-casing the lookup path:
// no other process will ever compute a matching scoped key.
func uniqueCacheScope() string {
	return "disabled-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func printStatus(c *workflow.Context) {
	out, err := json.MarshalIndent(statusView{
		WorkflowID: c.WorkflowID,
		Status:     string(c.Status),
		Stages:     stageViews(c),
	}, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(out))
}

type statusView struct {
	WorkflowID string       `json:"workflow_id"`
	Status     string       `json:"status"`
	Stages     []stageView  `json:"stages"`
}

type stageView struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	CacheHit bool   `json:"cache_hit"`
	Error    string `json:"error,omitempty"`
}

func stageViews(c *workflow.Context) []stageView {
	out := make([]stageView, 0, len(c.Stages))
	for _, s := range c.Stages {
		v := stageView{Name: s.Name, Status: string(s.Status), Attempts: s.Attempts, CacheHit: s.CacheHit}
		if s.Error != nil {
			v.Error = s.Error.Message
		}
		out = append(out, v)
	}
	return out
}

func classifyStoreErr(err error) int {
	if oe, ok := workflow.AsOrchestratorError(err); ok {
		switch oe.Kind {
		case workflow.KindNotFound, workflow.KindAlreadyExists, workflow.KindInvalidInput:
			fmt.Fprintln(os.Stderr, oe)
			return exitUserError
		}
	}
	fmt.Fprintln(os.Stderr, err)
	return exitSystemError
}

func envOrDefault(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}
