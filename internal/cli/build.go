// build.go is the orchestrator `kiln build` drives: it wires the
// content-addressed store, the memoizing key engine, and the
// build-graph layer into one invocation that evaluates a set
// of requested target labels and materializes their outputs.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kiln/internal/action"
	"kiln/internal/buildgraph"
	"kiln/internal/cas"
	"kiln/internal/config"
	"kiln/internal/dataid"
	"kiln/internal/engine"
	"kiln/internal/event"
	"kiln/internal/futures"
	"kiln/internal/obslog"
	"kiln/internal/rulectx"
	"kiln/internal/rules"
	"kiln/internal/runlog"
	"kiln/internal/serialize"
	"kiln/internal/trace"
	"kiln/internal/workspace"
)

// ArtifactSet is the value a built label resolves to: every artifact
// it exposes as its own output, keyed by short path.
type ArtifactSet map[string]dataid.DataID

// BuildResult is what Run returns for one invocation.
type BuildResult struct {
	RunID     string
	Artifacts map[string]ArtifactSet
	Trace     trace.Trace
}

// Run executes one `kiln build` invocation per opts: it loads the
// graph file, evaluates every requested label through the engine, and
// persists a run record alongside the usual function-cache/CAS
// artifacts.
func Run(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	if err := opts.Canonicalize(); err != nil {
		return nil, err
	}

	logger, err := newLogger(opts.Verbose)
	if err != nil {
		return nil, fmt.Errorf("cli: build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openCAS(opts.CASUrl)
	if err != nil {
		return nil, &InvocationError{ExitCode: ExitConfigError, Message: err.Error()}
	}
	defer closeStore()

	targets, configKey, err := LoadGraphFromFile(opts.GraphPath)
	if err != nil {
		return nil, &InvocationError{ExitCode: ExitInvalidInvocation, Message: err.Error()}
	}
	graphBytes, err := os.ReadFile(opts.GraphPath)
	if err != nil {
		return nil, &InvocationError{ExitCode: ExitInvalidInvocation, Message: err.Error()}
	}
	graphID := dataid.Identify(nil, graphBytes).String()

	sreg := serialize.NewRegistry()
	buildgraph.RegisterTypes(sreg)
	rulectx.RegisterTypes(sreg)
	rules.RegisterTypes(sreg)
	serialize.RegisterGob[ArtifactSet](sreg, "cli.ArtifactSet")

	cache, err := newFunctionCache(opts)
	if err != nil {
		return nil, fmt.Errorf("cli: build function cache: %w", err)
	}

	recorder := trace.NewRecorder()
	tracer := trace.EngineTracer{Sink: recorder}

	eng := engine.New(engine.Config{CAS: store, Cache: cache, Registry: sreg, Tracer: tracer})
	eng.RegisterType(buildgraph.ActionKeyType{})
	eng.RegisterType(rulectx.ConfiguredTargetKeyType{})
	eng.RegisterType(buildLabelKeyType{})

	cfgValue, err := buildConfiguration()
	if err != nil {
		return nil, fmt.Errorf("cli: build configuration: %w", err)
	}
	settings := cfgValue.Fragments[buildSettingsFragment].(BuildSettings)

	sandboxDir := filepath.Join(opts.WorkDir, ".kiln", "sandbox")
	if err := workspace.Prepare(sandboxDir); err != nil {
		return nil, fmt.Errorf("cli: prepare action sandbox: %w", err)
	}
	localExec := action.NewLocalExecutor(store, sandboxDir)
	localExec.ChunkSize = settings.ChunkSizeBytes
	executors := action.NewRegistry()
	executors.Register("", &action.Throttled{
		Queue: futures.NewFutureOperationQueue(runtime.GOMAXPROCS(0), 0),
		Inner: localExec,
	})

	ruleRegistry := buildgraph.NewRuleRegistry()
	rules.Register(ruleRegistry)

	delegate := event.Multi{loggingDelegate{logger: logger}}

	driver := &rulectx.Driver{
		Targets:   targets,
		RootID:    cfgValue.Root,
		ConfigKey: configKey,
		KeyType: rulectx.ConfiguredTargetKeyType{
			Rules:     ruleRegistry,
			Fragments: func(buildgraph.ConfigurationKey) (map[string]any, error) { return cfgValue.Fragments, nil },
			Delegate:  delegate,
		},
	}
	labelKT := buildLabelKeyType{Driver: driver, Store: store, Executors: executors, Delegate: delegate}

	runLogStore, err := runlog.NewStore(opts.RunLogDir)
	if err != nil {
		return nil, fmt.Errorf("cli: build run store: %w", err)
	}

	sortedLabels := append([]string(nil), opts.Labels...)
	sort.Strings(sortedLabels)
	run := runlog.Run{
		ID:      runlog.NewRunID(),
		Request: requestFingerprint(string(configKey), sortedLabels),
		Labels:  sortedLabels,
		Mode:    runlog.Mode(opts.Mode),
		Started: time.Now(),
		Status:  runlog.StatusInProgress,
	}

	if opts.Mode == ExecutionModeResumeOnly {
		if err := prepareResume(ctx, runLogStore, store, cache, &run, logger); err != nil {
			return nil, err
		}
	}

	if err := runLogStore.SaveRun(run); err != nil {
		return nil, fmt.Errorf("cli: save run: %w", err)
	}

	result := &BuildResult{RunID: run.ID, Artifacts: make(map[string]ArtifactSet, len(sortedLabels))}

	// Requested labels evaluate concurrently; the engine deduplicates
	// and memoizes any targets they share, so overlapping label
	// closures never repeat work.
	g, gctx := errgroup.WithContext(ctx)
	var resultMu sync.Mutex
	labelKeys := make(map[string]engine.Key, len(sortedLabels))
	for _, label := range sortedLabels {
		label := label
		g.Go(func() error {
			canonical := []byte(string(driver.RootID) + "\x00" + string(driver.ConfigKey) + "\x00" + graphID + "\x00" + label)
			key, value, err := eng.Evaluate(gctx, labelKT, canonical, func(ctx context.Context, reqCtx *engine.RequestContext) (any, string, error) {
				set, err := labelKT.build(ctx, reqCtx, buildgraph.Label(label))
				if err != nil {
					return nil, "", err
				}
				return set, "cli.ArtifactSet", nil
			})
			if err != nil {
				return fmt.Errorf("cli: build target %q: %w", label, err)
			}
			set, ok := value.(ArtifactSet)
			if !ok {
				return fmt.Errorf("cli: build target %q: unexpected result type %T", label, value)
			}
			resultMu.Lock()
			result.Artifacts[label] = set
			labelKeys[label] = key
			resultMu.Unlock()
			return nil
		})
	}
	buildErr := g.Wait()

	result.Trace = recorder.Build(run.Request)
	if opts.TracePath != "" {
		if err := writeTraceFile(opts.TracePath, result.Trace); err != nil {
			logger.Error("write trace file failed", obslog.Err(err))
		}
	}

	if buildErr != nil {
		run.Status = runlog.StatusFailed
		_ = runLogStore.SaveRun(run)
		_ = runLogStore.SaveFailure(run.ID, failureFor(buildErr))
		if err := saveCheckpoints(runLogStore, cache, run.ID, labelKeys); err != nil {
			logger.Warn("save checkpoints failed", obslog.Err(err))
		}

		var cycleErr *engine.CycleError
		if errors.As(buildErr, &cycleErr) {
			return result, &cycleErrorMarker{Err: buildErr}
		}
		return result, buildErr
	}

	run.Status = runlog.StatusSucceeded
	if err := runLogStore.SaveRun(run); err != nil {
		logger.Error("save final run status failed", obslog.Err(err))
	}
	if err := saveCheckpoints(runLogStore, cache, run.ID, labelKeys); err != nil {
		logger.Warn("save checkpoints failed", obslog.Err(err))
	}
	return result, nil
}

// prepareResume enforces the resume-only eligibility rules: a failed,
// resumable previous run for the same request must exist. Checkpoints
// whose values are gone from the CAS have their function-cache
// entries evicted so those keys re-execute instead of resolving to a
// dangling id.
func prepareResume(ctx context.Context, runLogStore *runlog.Store, store cas.Database, cache engine.FunctionCache, run *runlog.Run, logger *zap.Logger) error {
	eligibility := &runlog.Eligibility{
		Store: runLogStore,
		Contains: func(valueID string) (bool, error) {
			var id dataid.DataID
			if err := id.UnmarshalText([]byte(valueID)); err != nil {
				return false, err
			}
			return store.Contains(ctx, id)
		},
	}
	resume, err := eligibility.Check(run.Request)
	if err != nil {
		var notResumable *runlog.NotResumableError
		if errors.As(err, &notResumable) {
			return &InvocationError{ExitCode: ExitGraphFailure, Message: notResumable.Error()}
		}
		return fmt.Errorf("cli: check resume eligibility: %w", err)
	}
	resume.Link(run)

	deleter, canDelete := cache.(interface{ Delete(dataid.DataID) error })
	for _, cp := range resume.Stale {
		if !canDelete {
			break
		}
		var fp dataid.DataID
		if err := fp.UnmarshalText([]byte(cp.Fingerprint)); err != nil {
			continue
		}
		if err := deleter.Delete(fp); err != nil {
			return fmt.Errorf("cli: evict stale checkpoint %s: %w", cp.Key, err)
		}
	}
	logger.Info("resuming previous run",
		obslog.String("previousRun", resume.Previous.ID),
		obslog.Int("intactCheckpoints", len(resume.Intact)),
		obslog.Int("staleCheckpoints", len(resume.Stale)),
	)
	return nil
}

// saveCheckpoints records, for every label that finished, the engine
// key it resolved through and the cached value id, so a later
// resume-only run can verify what still holds.
func saveCheckpoints(runLogStore *runlog.Store, cache engine.FunctionCache, runID string, labelKeys map[string]engine.Key) error {
	var checkpoints []runlog.Checkpoint
	for _, key := range labelKeys {
		valueID, ok, err := cache.Get(key.Fingerprint)
		if err != nil || !ok {
			continue
		}
		checkpoints = append(checkpoints, runlog.Checkpoint{
			Key:         key.String(),
			Fingerprint: key.Fingerprint.String(),
			Value:       valueID.String(),
		})
	}
	if len(checkpoints) == 0 {
		return nil
	}
	return runLogStore.SaveCheckpoints(runID, checkpoints)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return obslog.NewDevelopment()
	}
	return obslog.New()
}

func openCAS(rawURL string) (cas.Database, func(), error) {
	reg := cas.NewRegistry()
	cas.RegisterBadger(reg)
	store, err := reg.Open(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open CAS %q: %w", rawURL, err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		return store, func() { _ = closer.Close() }, nil
	}
	return store, func() {}, nil
}

func newFunctionCache(opts BuildOptions) (engine.FunctionCache, error) {
	if opts.Mode == ExecutionModeForceRebuild {
		return engine.NewMemoryFunctionCache(0), nil
	}
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, err
	}
	return engine.NewFileFunctionCache(opts.CacheDir)
}

// buildSettingsFragment is the type identifier of the one
// configuration fragment this binary registers; Run reads it to set the
// local executor's ChunkSize (rules can see it through GetFragment, but
// none of the built-in rules reads it), and its digested content
// contributes to the output root so builds with different chunking
// never share derived paths.
const buildSettingsFragment = "cli.BuildSettings"

// BuildSettings is the build-wide settings fragment: tunables that
// affect how outputs are stored rather than what they contain.
type BuildSettings struct {
	ChunkSizeBytes int64
}

// CanonicalBytes implements config.CanonicalBytes.
func (s BuildSettings) CanonicalBytes() []byte {
	return []byte(fmt.Sprintf("chunkSizeBytes=%d", s.ChunkSizeBytes))
}

func buildConfiguration() (*config.Value, error) {
	reg := config.NewRegistry()
	reg.Register(buildSettingsFragment, func(v *viper.Viper) (any, error) {
		s := BuildSettings{ChunkSizeBytes: 4 << 20}
		if v.IsSet("chunkSizeBytes") {
			s.ChunkSizeBytes = v.GetInt64("chunkSizeBytes")
		}
		if s.ChunkSizeBytes <= 0 {
			return nil, fmt.Errorf("chunkSizeBytes must be positive, got %d", s.ChunkSizeBytes)
		}
		return s, nil
	})
	v, err := config.NewViper("")
	if err != nil {
		return nil, err
	}
	return reg.Build(v)
}

func requestFingerprint(configKey string, sortedLabels []string) string {
	var buf []byte
	buf = append(buf, []byte(configKey)...)
	for _, l := range sortedLabels {
		buf = append(buf, 0)
		buf = append(buf, []byte(l)...)
	}
	return dataid.Identify(nil, buf).String()
}

// failureFor classifies buildErr into the run log's failure taxonomy.
// A cycle is the one class that is never resumable: retrying the same
// request cycles again.
func failureFor(err error) runlog.Failure {
	failure := runlog.Failure{Message: err.Error(), Resumable: true}
	var cycleErr *engine.CycleError
	var transportErr *action.TransportError
	var cachedFailureErr *buildgraph.CachedActionFailureError
	switch {
	case errors.As(err, &cycleErr):
		failure.Class = runlog.ClassCycle
		failure.Resumable = false
	case errors.As(err, &transportErr):
		failure.Class = runlog.ClassWorkspace
	case errors.As(err, &cachedFailureErr):
		failure.Class = runlog.ClassExecution
	default:
		failure.Class = runlog.ClassSystem
	}
	return failure
}

func writeTraceFile(path string, tr trace.Trace) error {
	b, err := tr.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// buildLabelKeyType is the engine KeyType for "evaluate this requested
// label and resolve every artifact it exposes to a concrete DataID",
// the outermost request a build invocation makes. Its canonical bytes
// (see Run) fold in the driver's root id, the configuration key and a
// digest of the graph file, so two builds against different graphs
// never share a cached result purely because they happened to name the
// same label.
type buildLabelKeyType struct {
	Driver    *rulectx.Driver
	Store     cas.Database
	Executors *action.Registry
	Delegate  event.Delegate
}

func (buildLabelKeyType) Identifier() string            { return "cli.BuildLabel" }
func (buildLabelKeyType) Version() int                  { return 1 }
func (buildLabelKeyType) VersionDependencies() []string { return []string{"rulectx.ConfiguredTarget"} }

func (t buildLabelKeyType) build(ctx context.Context, reqCtx *engine.RequestContext, label buildgraph.Label) (ArtifactSet, error) {
	result, err := t.Driver.RequestTarget(ctx, reqCtx, label)
	if err != nil {
		return nil, err
	}

	actionKT := buildgraph.ActionKeyType{Store: t.Store, Actions: result, Executors: t.Executors, Delegate: t.Delegate}
	out := make(ArtifactSet, len(result.Artifacts))
	for _, art := range result.Artifacts {
		if art.Owner.ActionsOwnerID != string(label) {
			continue
		}
		id, err := buildgraph.ResolveArtifactWith(ctx, reqCtx, actionKT, art)
		if err != nil {
			return nil, err
		}
		out[art.ShortPath] = id
	}
	return out, nil
}

// loggingDelegate fans the build's lifecycle hooks into structured
// log lines; it is one member of the event.Multi every build
// invocation installs.
type loggingDelegate struct {
	logger *zap.Logger
}

func (d loggingDelegate) TargetEvaluationRequested(label string) {
	d.logger.Debug("target evaluation requested", obslog.String("label", label))
}

func (d loggingDelegate) TargetEvaluationCompleted(label string, err error) {
	if err != nil {
		d.logger.Warn("target evaluation failed", obslog.String("label", label), obslog.Err(err))
		return
	}
	d.logger.Debug("target evaluation completed", obslog.String("label", label))
}

func (d loggingDelegate) ActionScheduled(desc event.ActionDescriptor) {
	d.logger.Debug("action scheduled", obslog.String("mnemonic", desc.Mnemonic), obslog.String("owner", desc.OwnerLabel))
}

func (d loggingDelegate) ActionCompleted(desc event.ActionDescriptor, err error) {
	if err != nil {
		d.logger.Warn("action failed", obslog.String("mnemonic", desc.Mnemonic), obslog.String("owner", desc.OwnerLabel), obslog.Err(err))
		return
	}
	d.logger.Debug("action completed", obslog.String("mnemonic", desc.Mnemonic), obslog.String("owner", desc.OwnerLabel))
}

func (d loggingDelegate) ActionExecutionStarted(desc event.ActionDescriptor) {
	d.logger.Info("action execution started", obslog.String("mnemonic", desc.Mnemonic), obslog.String("owner", desc.OwnerLabel))
}

func (d loggingDelegate) ActionExecutionCompleted(desc event.ActionDescriptor, result event.ActionResult) {
	d.logger.Info("action execution completed",
		obslog.String("mnemonic", desc.Mnemonic),
		obslog.String("owner", desc.OwnerLabel),
		obslog.Int("exitCode", result.ExitCode),
		obslog.Bool("cachedFailure", result.CachedFailure),
	)
}
