package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/events"
	"github.com/linnemanlabs/commander/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/commander/internal/pipeline")

// Processor performs the work of one stage. It receives a private copy of
// the incident and may be slow or fail.
type Processor interface {
	Process(ctx context.Context, stage incident.Stage, inc *incident.Incident) (*incident.StageResult, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, stage incident.Stage, inc *incident.Incident) (*incident.StageResult, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, stage incident.Stage, inc *incident.Incident) (*incident.StageResult, error) {
	return f(ctx, stage, inc)
}

// Publisher receives every event the coordinator emits.
type Publisher interface {
	Publish(e events.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Pipeline outcomes reported to Hooks.OnFinish.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeNoop      = "noop"
)

// Hooks receives pipeline lifecycle callbacks, typically for metrics.
// Nil fields are skipped.
type Hooks struct {
	OnSubmit func(result string)
	OnStart  func()
	OnStage  func(stage incident.Stage, seconds float64, failed bool)
	OnFinish func(outcome string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHooks installs lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(c *Coordinator) { c.hooks = h }
}

// WithClock overrides the time source used for operator actions.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithPipelineContext decorates the detached context every pipeline runs on.
func WithPipelineContext(fn func(context.Context) context.Context) Option {
	return func(c *Coordinator) { c.decorate = fn }
}

// Coordinator runs at most one pipeline per incident id. Pipelines for
// different incidents run fully concurrently.
type Coordinator struct {
	store    incident.Store
	proc     Processor
	pub      Publisher
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
	decorate func(context.Context) context.Context

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// New creates a Coordinator. store and proc are required.
func New(store incident.Store, proc Processor, pub Publisher, logger log.Logger, opts ...Option) *Coordinator {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if proc == nil {
		panic(xerrors.New("stage processor is required"))
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	c := &Coordinator{
		store:    store,
		proc:     proc,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit creates an incident from the alert, announces it and starts its
// pipeline.
func (c *Coordinator) Submit(ctx context.Context, al *alert.Alert) (*incident.Incident, error) {
	inc, err := c.store.Create(ctx, al)
	if err != nil {
		if errors.Is(err, incident.ErrValidation) {
			c.submitted("rejected")
		} else {
			c.submitted("error")
		}
		return nil, err
	}
	c.submitted("accepted")

	c.logger.Info(ctx, "incident created",
		"incident_id", inc.ID,
		"alert_type", inc.Alert.Type,
		"severity", inc.Alert.Severity,
	)
	c.pub.Publish(events.New(events.TypeIncidentCreated, events.IncidentPayload{Incident: inc}))
	c.start(ctx, inc.ID)
	return inc, nil
}

// Run starts the pipeline for an existing incident. started is false when a
// pipeline for id is already in flight.
func (c *Coordinator) Run(ctx context.Context, id string) (started bool, err error) {
	if _, err := c.lookup(ctx, id); err != nil {
		return false, err
	}
	return c.start(ctx, id), nil
}

// Retry re-enters the pipeline at the first stage without a result.
func (c *Coordinator) Retry(ctx context.Context, id string) (started bool, err error) {
	inc, err := c.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	if inc.Status.Terminal() {
		return false, fmt.Errorf("%w: cannot retry a %s incident", incident.ErrInvalidTransition, inc.Status)
	}
	return c.start(ctx, id), nil
}

// Resolve forces resolution and announces it.
func (c *Coordinator) Resolve(ctx context.Context, id string) (*incident.Incident, error) {
	if err := incident.ValidateID(id); err != nil {
		return nil, err
	}
	inc, err := c.store.Resolve(ctx, id, c.now())
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "incident resolved by operator", "incident_id", id)
	c.pub.Publish(events.New(events.TypeIncidentResolved, events.IncidentPayload{Incident: inc}))
	return inc, nil
}

// Close closes a resolved incident and announces it.
func (c *Coordinator) Close(ctx context.Context, id string) (*incident.Incident, error) {
	if err := incident.ValidateID(id); err != nil {
		return nil, err
	}
	inc, err := c.store.Close(ctx, id, c.now())
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "incident closed", "incident_id", id)
	c.pub.Publish(events.New(events.TypeIncidentClosed, events.IncidentPayload{Incident: inc}))
	return inc, nil
}

// Reset discards every incident. Subscribers stay attached and are told.
func (c *Coordinator) Reset(ctx context.Context) error {
	if err := c.store.Reset(ctx); err != nil {
		return err
	}
	c.logger.Warn(ctx, "all incidents reset")
	c.pub.Publish(events.New(events.TypeSystemReset, events.SystemReset{Message: "all incidents cleared"}))
	return nil
}

// Get returns an incident by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	return c.store.Get(ctx, id)
}

// ListActive returns the operational view, oldest first.
func (c *Coordinator) ListActive(ctx context.Context) ([]*incident.Incident, error) {
	return c.store.ListActive(ctx)
}

// ListCompleted returns the recent view, newest first.
func (c *Coordinator) ListCompleted(ctx context.Context) ([]*incident.Incident, error) {
	return c.store.ListCompleted(ctx)
}

// Snapshot returns the full state for a newly attached observer.
func (c *Coordinator) Snapshot(ctx context.Context) (events.Snapshot, error) {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return events.Snapshot{}, err
	}
	completed, err := c.store.ListCompleted(ctx)
	if err != nil {
		return events.Snapshot{}, err
	}
	return events.Snapshot{Active: active, Completed: completed}, nil
}

// InFlight reports how many pipelines are currently running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Wait blocks until every in-flight pipeline has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) lookup(ctx context.Context, id string) (*incident.Incident, error) {
	if err := incident.ValidateID(id); err != nil {
		return nil, err
	}
	inc, ok, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	return inc, nil
}

// start claims id in the in-flight set and launches the pipeline goroutine.
// The pipeline is detached from the caller's cancellation.
func (c *Coordinator) start(ctx context.Context, id string) bool {
	c.mu.Lock()
	if _, busy := c.inflight[id]; busy {
		c.mu.Unlock()
		return false
	}
	c.inflight[id] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	pctx := context.WithoutCancel(ctx)
	if c.decorate != nil {
		pctx = c.decorate(pctx)
	}

	go func() {
		defer c.wg.Done()
		failure := func() *events.Event {
			defer c.release(id)
			return c.runPipeline(pctx, id)
		}()
		// published after release: a Retry issued on agent_error must find the slot free
		if failure != nil {
			c.pub.Publish(*failure)
		}
	}()
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// runPipeline runs every remaining stage. It returns the agent_error event
// of the stage that halted the pipeline, already recorded in the store.
func (c *Coordinator) runPipeline(ctx context.Context, id string) *events.Event {
	L := c.logger.With("incident_id", id)
	if c.hooks.OnStart != nil {
		c.hooks.OnStart()
	}

	outcome := OutcomeFailed
	defer func() {
		if c.hooks.OnFinish != nil {
			c.hooks.OnFinish(outcome)
		}
	}()

	inc, ok, err := c.store.Get(ctx, id)
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	if err != nil {
		L.Error(ctx, err, "failed to load incident for pipeline")
		return nil
	}

	ran := 0
	for {
		stage, more := inc.NextStage()
		if !more {
			break
		}
		next, failure := c.runStage(ctx, L.With("stage", stage), inc, stage)
		if failure != nil {
			return failure
		}
		inc = next
		ran++
	}

	if ran == 0 {
		outcome = OutcomeNoop
		return nil
	}
	outcome = OutcomeCompleted
	if inc.PostMortem != nil {
		c.pub.Publish(events.New(events.TypeIncidentCompleted, events.IncidentPayload{Incident: inc}))
	}
	L.Info(ctx, "pipeline complete", "status", inc.Status, "stages_run", ran)
	return nil
}

func (c *Coordinator) runStage(ctx context.Context, L log.Logger, inc *incident.Incident, stage incident.Stage) (*incident.Incident, *events.Event) {
	agent := stage.Agent()
	ctx, span := tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("commander.incident.id", inc.ID),
		attribute.String("commander.stage", string(stage)),
		attribute.String("commander.agent", agent),
	))
	defer span.End()

	c.pub.Publish(events.New(events.TypeAgentProgress, events.AgentProgress{
		IncidentID: inc.ID,
		Stage:      stage,
		Agent:      agent,
		Progress:   float64(stage.Index()) / float64(len(incident.Stages)),
	}))

	start := time.Now()
	res, err := c.process(ctx, stage, inc.Clone())
	dur := time.Since(start)

	var updated *incident.Incident
	if err == nil {
		res.Duration = dur
		updated, err = c.store.ApplyStageResult(ctx, inc.ID, res)
	}
	if c.hooks.OnStage != nil {
		c.hooks.OnStage(stage, dur.Seconds(), err != nil)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "stage failed", "duration", dur.Seconds())

		// a stage that lost the race to an operator action is not a failure of the incident
		if !errors.Is(err, incident.ErrStageOutOfOrder) && !errors.Is(err, incident.ErrNotFound) {
			if _, rerr := c.store.RecordFailure(ctx, inc.ID, stage, err.Error()); rerr != nil {
				L.Error(ctx, rerr, "failed to record stage failure")
			}
		}
		failure := events.New(events.TypeAgentError, events.AgentError{
			IncidentID: inc.ID,
			Stage:      stage,
			Agent:      agent,
			Error:      err.Error(),
		})
		return nil, &failure
	}

	span.SetAttributes(attribute.String("commander.incident.status", string(updated.Status)))
	L.Info(ctx, "stage complete", "status", updated.Status, "duration", dur.Seconds())

	c.pub.Publish(events.New(events.TypeAgentCompleted, events.AgentCompleted{
		IncidentID: inc.ID,
		Stage:      stage,
		Agent:      agent,
		Status:     updated.Status,
		DurationMS: dur.Milliseconds(),
		Result:     res.Payload(),
	}))
	if updated.Status == incident.StatusResolved {
		c.pub.Publish(events.New(events.TypeIncidentResolved, events.IncidentPayload{Incident: updated}))
	}
	return updated, nil
}

// process calls the processor, turning panics and malformed results into
// errors.
func (c *Coordinator) process(ctx context.Context, stage incident.Stage, inc *incident.Incident) (res *incident.StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%s panicked: %v", stage.Agent(), r)
		}
	}()

	res, err = c.proc.Process(ctx, stage, inc)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%s returned no result", stage.Agent())
	}
	if res.Stage == "" {
		res.Stage = stage
	}
	if res.Stage != stage {
		return nil, fmt.Errorf("%s returned a %s result", stage.Agent(), res.Stage)
	}
	return res, nil
}

func (c *Coordinator) submitted(result string) {
	if c.hooks.OnSubmit != nil {
		c.hooks.OnSubmit(result)
	}
}
