// Package engine builds the DAG for a workflow run, drives the scheduler to
// completion and returns the collected outputs. Loop nodes recurse into a
// scoped scheduler per iteration through the same machinery.
package engine

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/memory"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Engine orchestrates workflow runs.
type Engine struct {
	registry       *nodes.Registry
	logger         *zap.Logger
	tracer         trace.Tracer
	maxConcurrency int
	events         EventSink
	stdin          io.Reader
	stdout         io.Writer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer used for run and node spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithMaxConcurrency bounds simultaneous node executions per scheduler
// instance.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithEventSink publishes node lifecycle events to the sink.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) {
		e.events = sink
	}
}

// WithRegistry substitutes the handler registry. Tests use this to inject
// fakes.
func WithRegistry(registry *nodes.Registry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.registry = registry
		}
	}
}

// WithStdio redirects the input node's prompt and read streams.
func WithStdio(stdin io.Reader, stdout io.Writer) Option {
	return func(e *Engine) {
		if stdin != nil {
			e.stdin = stdin
		}
		if stdout != nil {
			e.stdout = stdout
		}
	}
}

// New creates an Engine with the default handler registry.
func New(opts ...Option) *Engine {
	e := &Engine{
		registry:       nodes.NewRegistry(),
		logger:         zap.NewNop(),
		tracer:         noop.NewTracerProvider().Tracer("daedalus/engine"),
		maxConcurrency: DefaultMaxConcurrency,
		stdin:          os.Stdin,
		stdout:         os.Stdout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of one run.
type Result struct {
	RunID    string
	Outputs  map[string]any
	Globals  map[string]any
	Failures map[string]*NodeError
	Duration time.Duration
}

// DispatchDeps is what a dispatcher gets to work with: the run's store for
// handler runtimes, and a sub-runner for loop iterations.
type DispatchDeps struct {
	Engine *Engine
	Store  *memory.Store
	RunID  string
	Sub    nodes.SubRunner
}

// DispatcherFactory builds the dispatcher for one scheduler instance. The
// default factory executes handlers in-process; the coordinator substitutes
// one that ships tasks to workers.
type DispatcherFactory func(deps DispatchDeps) Dispatcher

// LocalDispatcher is the default factory.
func LocalDispatcher(deps DispatchDeps) Dispatcher {
	return &localDispatcher{deps: deps}
}

// Run seeds the store with globals and input overrides and drives the
// top-level scheduler; building the graph rejects duplicate ids, undeclared
// dependencies and cycles before any node runs. The
// returned error is the first node failure under the abort policy.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow, inputs map[string]any) (*Result, error) {
	return e.RunWithDispatcher(ctx, "", wf, inputs, LocalDispatcher)
}

// RunWithDispatcher runs a workflow with a custom dispatcher factory. An
// empty runID gets a generated one; the coordinator passes its own so the
// run's events correlate with its records.
func (e *Engine) RunWithDispatcher(ctx context.Context, runID string, wf *workflow.Workflow, inputs map[string]any, factory DispatcherFactory) (*Result, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	started := time.Now()

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.name", wf.Name),
			attribute.String("workflow.run_id", runID),
			attribute.Int("workflow.nodes", len(wf.Nodes)),
		))
	defer span.End()

	e.logger.Info("starting workflow run",
		zap.String("workflow", wf.Name),
		zap.String("run_id", runID),
		zap.Int("nodes", len(wf.Nodes)))

	store := memory.NewStore()
	store.Seed(wf.Global)
	for k, v := range inputs {
		store.SetGlobal(k, v)
	}

	failures, err := e.runNodes(ctx, runID, store, wf.Nodes, wf.OnFailure, nil, factory)
	result := &Result{
		RunID:    runID,
		Outputs:  store.Outputs(),
		Globals:  store.Globals(),
		Failures: failures,
		Duration: time.Since(started),
	}

	if e.events != nil {
		status := "succeeded"
		if err != nil {
			status = "failed"
		}
		e.events.Publish(Event{RunID: runID, Type: "run_finished", Status: status, Timestamp: time.Now()})
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("workflow run failed", zap.String("run_id", runID), zap.Error(err))
		return result, err
	}
	span.SetStatus(codes.Ok, "")
	e.logger.Info("workflow run completed",
		zap.String("run_id", runID),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// runNodes executes one node list against the given store. Loop iterations
// re-enter here with a child store and a loop frame.
func (e *Engine) runNodes(
	ctx context.Context,
	runID string,
	store *memory.Store,
	nodeList []workflow.Node,
	onFailure workflow.FailurePolicy,
	frame *memory.LoopFrame,
	factory DispatcherFactory,
) (map[string]*NodeError, error) {
	g, err := buildGraph(nodeList)
	if err != nil {
		return nil, err
	}
	if onFailure == "" {
		onFailure = workflow.FailAbort
	}
	s := &scheduler{
		graph:          g,
		store:          store,
		logger:         e.logger,
		maxConcurrency: e.maxConcurrency,
		onFailure:      onFailure,
		frame:          frame,
		events:         e.events,
		runID:          runID,
	}
	s.dispatcher = factory(DispatchDeps{
		Engine: e,
		Store:  store,
		RunID:  runID,
		Sub:    &subRunner{engine: e, store: store, runID: runID, factory: factory},
	})
	return s.run(ctx)
}

// localDispatcher executes nodes in-process through the handler registry.
type localDispatcher struct {
	deps DispatchDeps
}

func (d *localDispatcher) Dispatch(ctx context.Context, node workflow.Node, params map[string]any, frame *memory.LoopFrame) (any, error) {
	e := d.deps.Engine
	handler, err := e.registry.Get(node.Kind)
	if err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "node.execute",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.kind", string(node.Kind)),
		))
	defer span.End()

	rt := &nodes.Runtime{
		Store:    d.deps.Store,
		Snapshot: d.deps.Store.Snapshot(frame),
		Logger:   e.logger.With(zap.String("node", node.ID)),
		Stdin:    e.stdin,
		Stdout:   e.stdout,
	}
	if node.Kind == workflow.KindLoop {
		rt.Sub = d.deps.Sub
	}

	output, err := handler.Execute(ctx, params, rt)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return output, nil
}

// subRunner spawns a scoped scheduler per loop iteration: shared globals,
// fresh outputs, the iteration's loop frame. Steps go through the same
// dispatcher factory as the parent, so distributed runs fan loop steps out
// to workers too.
type subRunner struct {
	engine  *Engine
	store   *memory.Store
	runID   string
	factory DispatcherFactory
}

func (r *subRunner) RunIteration(ctx context.Context, steps []workflow.Node, frame memory.LoopFrame) (map[string]any, error) {
	child := r.store.Child()
	if _, err := r.engine.runNodes(ctx, r.runID, child, steps, workflow.FailAbort, &frame, r.factory); err != nil {
		return nil, err
	}
	return child.Outputs(), nil
}
