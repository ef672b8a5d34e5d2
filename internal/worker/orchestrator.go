// Package worker consumes extraction requests from the bus and drives each
// job through staging, extraction and product publication, with job state
// persisted in the store. One orchestrator instance runs per daemon.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/agriscope/gleaner/internal/bus"
	"github.com/agriscope/gleaner/internal/cache"
	"github.com/agriscope/gleaner/internal/dataset"
	"github.com/agriscope/gleaner/internal/exec"
	"github.com/agriscope/gleaner/internal/extractor"
	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/metrics"
	"github.com/agriscope/gleaner/internal/model"
	"github.com/agriscope/gleaner/internal/plots"
	"github.com/agriscope/gleaner/internal/report"
	"github.com/agriscope/gleaner/internal/store"
	"github.com/agriscope/gleaner/internal/telemetry"
)

// Orchestrator subscribes to TopicExtract and owns the full job lifecycle:
// idempotency, dataset lease, staging, extractor run, publication and the
// single terminal transition. Zero-valued tuning fields fall back to
// defaults in Run.
type Orchestrator struct {
	Store      store.JobStore
	Bus        bus.Bus
	Datasets   *dataset.Store
	Extractors *extractor.Registry
	Tools      exec.Factory
	Plots      *plots.Registry
	Cache      cache.Cache
	Reporter   *report.Reporter

	// Selector is the MAIN_SCRIPT value: the extractor this daemon runs
	// when a request carries no routing hint.
	Selector string

	// DataDir is the work root; job scratch dirs live under <DataDir>/work.
	DataDir string

	// Owner is the stable worker identity used for leases.
	Owner string

	Concurrency    int
	JobTimeout     time.Duration
	LeaseTTL       time.Duration
	Heartbeat      time.Duration
	IdempotencyTTL time.Duration
	MaxAttempts    int
	MinImages      int
	DrainTimeout   time.Duration

	// RequeueDelay spaces out redeliveries of lease-busy messages so two
	// workers racing on one dataset do not spin.
	RequeueDelay time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func (o *Orchestrator) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Hour
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 24 * time.Hour
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = time.Second
	}
	if o.Owner == "" {
		host, _ := os.Hostname()
		o.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
	}
	if o.active == nil {
		o.active = make(map[string]context.CancelFunc)
	}
}

// Run consumes TopicExtract until ctx ends. Stale leases left by a previous
// process under the same store are cleared first. On shutdown, consumption
// stops and in-flight jobs get DrainTimeout to finish before their contexts
// are cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.applyDefaults()
	logger := log.WithComponent("worker")

	cleared, err := o.Store.DeleteAllLeases(ctx)
	if err != nil {
		return fmt.Errorf("worker: clear stale leases: %w", err)
	}
	if cleared > 0 {
		logger.Info().
			Str(log.FieldEvent, "worker.leases_cleared").
			Int("count", cleared).
			Msg("cleared stale leases from previous run")
	}

	sub, err := o.Bus.Subscribe(ctx, string(model.TopicExtract))
	if err != nil {
		return fmt.Errorf("worker: subscribe: %w", err)
	}
	defer func() { _ = sub.Close() }()

	logger.Info().
		Str(log.FieldEvent, "worker.started").
		Str(log.FieldExtractor, o.Selector).
		Int("concurrency", o.Concurrency).
		Str("owner", o.Owner).
		Msg("worker consuming extraction requests")

	slots := make(chan struct{}, o.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return o.drain(ctx.Err())
		case d, ok := <-sub.C():
			if !ok {
				return o.drain(errors.New("worker: delivery channel closed"))
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				_ = d.Nack(true)
				return o.drain(ctx.Err())
			}
			o.wg.Add(1)
			go func(d bus.Delivery) {
				defer o.wg.Done()
				defer func() { <-slots }()
				o.handle(ctx, &d)
			}(d)
		}
	}
}

// drain waits for in-flight jobs, cancelling them when DrainTimeout runs
// out. Cancelled jobs finalize as CANCELLED and requeue their message.
func (o *Orchestrator) drain(cause error) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.DrainTimeout):
		wlog := log.WithComponent("worker")
		wlog.Warn().
			Str(log.FieldEvent, "worker.drain_timeout").
			Dur("timeout", o.DrainTimeout).
			Msg("drain timeout reached, cancelling in-flight jobs")
		o.cancelActive()
		<-done
	}
	return cause
}

func (o *Orchestrator) cancelActive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cancel := range o.active {
		cancel()
	}
}

func (o *Orchestrator) registerActive(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[id] = cancel
}

func (o *Orchestrator) unregisterActive(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

// handle processes one delivery end to end. It never panics the consumer
// loop and always settles the delivery exactly once.
func (o *Orchestrator) handle(ctx context.Context, d *bus.Delivery) {
	var req model.ExtractionRequest
	if err := json.Unmarshal(d.Body, &req); err != nil || req.ID == "" || req.DatasetID == "" {
		metrics.IncBadMessage()
		wlog := log.WithComponent("worker")
		wlog.Warn().
			Str(log.FieldEvent, "worker.bad_message").
			Int("bytes", len(d.Body)).
			Msg("dropping undecodable extraction request")
		_ = d.Ack() // poison: requeueing cannot fix the payload
		return
	}
	if !safeIDRe.MatchString(req.ID) || !safeIDRe.MatchString(req.DatasetID) {
		metrics.IncBadMessage()
		wlog := log.WithComponent("worker")
		wlog.Warn().
			Str(log.FieldEvent, "worker.bad_message").
			Str(log.FieldMessageID, req.ID).
			Msg("dropping request with unsafe identifiers")
		_ = d.Ack()
		return
	}

	correlation := uuid.NewString()
	ctx = log.ContextWithCorrelationID(ctx, correlation)
	ctx = log.ContextWithJobID(ctx, req.ID)
	ctx = log.ContextWithDatasetID(ctx, req.DatasetID)
	logger := log.WithComponentFromContext(ctx, "worker")

	// Replay protection: a request that already reached a settled outcome
	// within the idempotency TTL is skipped, not re-run.
	if boundJob, hit, err := o.Store.GetIdempotency(ctx, req.ID); err == nil && hit {
		metrics.IncIdempotentReplay()
		logger.Info().
			Str(log.FieldEvent, "worker.duplicate").
			Str("bound_job", boundJob).
			Msg("skipping idempotent replay")
		o.recordDuplicate(ctx, req)
		_ = d.Ack()
		return
	} else if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "worker.store_error").Msg("idempotency lookup failed")
		_ = d.Nack(true)
		return
	}

	// One dataset, one worker at a time.
	leaseKey := LeaseKeyDataset(req.DatasetID)
	_, got, err := o.Store.TryAcquireLease(ctx, leaseKey, o.Owner, o.LeaseTTL)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "worker.store_error").Msg("lease acquisition failed")
		_ = d.Nack(true)
		return
	}
	if !got {
		metrics.IncLeaseConflict()
		logger.Debug().
			Str(log.FieldEvent, "worker.lease_busy").
			Str("lease", leaseKey).
			Msg("dataset leased elsewhere, requeueing")
		o.pause(ctx, o.RequeueDelay)
		_ = d.Nack(true)
		return
	}
	defer func() {
		_ = o.Store.ReleaseLease(context.Background(), leaseKey, o.Owner)
	}()

	selector := req.Extractor
	if selector == "" {
		selector = o.Selector
	}

	attempt, err := o.beginRecord(ctx, req, selector, correlation)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "worker.store_error").Msg("job record write failed")
		_ = d.Nack(true)
		return
	}

	metrics.JobStarted()
	defer metrics.JobFinished()

	// The job context survives daemon shutdown so in-flight work can drain;
	// drainWith cancels it when the grace runs out.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.JobTimeout)
	defer cancel()
	o.registerActive(req.ID, cancel)
	defer o.unregisterActive(req.ID)

	go o.renewLease(jobCtx, cancel, leaseKey)

	started := time.Now()
	tr := telemetry.Tracer("gleaner/worker")
	spanCtx, span := tr.Start(jobCtx, "extract "+selector,
		trace.WithAttributes(telemetry.JobAttributes(req.ID, req.DatasetID, selector, attempt)...))

	out := o.execute(spanCtx, req, selector, attempt)

	span.SetAttributes(telemetry.ResultAttributes(string(out.state), time.Since(started).Milliseconds())...)
	if out.state == model.JobFailed {
		span.SetAttributes(telemetry.ErrorAttributes(nil, string(out.reason))...)
	}
	span.End()

	o.finalize(ctx, d, req, attempt, started, out)
}

// pause sleeps without outliving ctx.
func (o *Orchestrator) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// renewLease keeps the dataset lease alive; losing it cancels the job.
func (o *Orchestrator) renewLease(ctx context.Context, cancel context.CancelFunc, key string) {
	t := time.NewTicker(o.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, ok, err := o.Store.RenewLease(ctx, key, o.Owner, o.LeaseTTL)
			if err != nil {
				wlog := log.WithComponentFromContext(ctx, "worker")
				wlog.Warn().
					Err(err).
					Str(log.FieldEvent, "worker.heartbeat_error").
					Msg("lease renewal errored")
				continue
			}
			if !ok {
				metrics.IncLeaseLost()
				wlog := log.WithComponentFromContext(ctx, "worker")
				wlog.Warn().
					Str(log.FieldEvent, "worker.lease_lost").
					Str("lease", key).
					Msg("dataset lease lost, cancelling job")
				cancel()
				return
			}
		}
	}
}

// beginRecord creates or resets the job record for this processing attempt.
// Redeliveries reuse the record, so attempt counting survives worker
// restarts and broker requeues alike.
func (o *Orchestrator) beginRecord(ctx context.Context, req model.ExtractionRequest, selector, correlation string) (int, error) {
	now := time.Now().Unix()
	prev, err := o.Store.GetJob(ctx, req.ID)
	if err != nil {
		return 0, err
	}

	attempt := 1
	created := now
	if prev != nil {
		attempt = prev.Attempt + 1
		created = prev.CreatedAtUnix
	}

	rec := &model.JobRecord{
		JobID:         req.ID,
		DatasetID:     req.DatasetID,
		Extractor:     selector,
		State:         model.JobQueued,
		Reason:        model.RNone,
		Attempt:       attempt,
		CorrelationID: correlation,
		WorkDir:       jobWorkDir(o.DataDir, req.ID),
		CreatedAtUnix: created,
		UpdatedAtUnix: now,
	}
	return attempt, o.Store.PutJob(ctx, rec)
}

// recordDuplicate leaves a SKIPPED marker for a replayed request whose
// original record was already swept. A surviving record stays untouched.
func (o *Orchestrator) recordDuplicate(ctx context.Context, req model.ExtractionRequest) {
	prev, err := o.Store.GetJob(ctx, req.ID)
	if err != nil || prev != nil {
		return
	}
	now := time.Now().Unix()
	_ = o.Store.PutJob(ctx, &model.JobRecord{
		JobID:         req.ID,
		DatasetID:     req.DatasetID,
		Extractor:     o.Selector,
		State:         model.JobSkipped,
		Reason:        model.RDuplicate,
		ReasonDetail:  "request ID already processed",
		Attempt:       req.Attempt,
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	})
}

// transition moves a non-terminal record to the given state.
func (o *Orchestrator) transition(ctx context.Context, jobID string, to model.JobState, mut func(*model.JobRecord)) error {
	_, err := o.Store.UpdateJob(ctx, jobID, func(r *model.JobRecord) error {
		if r.State.IsTerminal() {
			return nil
		}
		metrics.IncJobTransition(string(r.State), string(to))
		r.State = to
		if mut != nil {
			mut(r)
		}
		r.UpdatedAtUnix = time.Now().Unix()
		return nil
	})
	return err
}

// outcome is the settled result of one processing attempt.
type outcome struct {
	state  model.JobState
	reason model.ReasonCode
	detail string

	// requeue asks for broker redelivery; finalize clears it once the
	// attempt cap is reached.
	requeue bool

	name     string // resolved extractor name
	workDir  string
	outputs  []string
	filesIn  int
	bytesOut int64
}

// execute runs the pipeline for one request and classifies whatever stops
// it. It mutates only the work dir and the job record's non-terminal states;
// the terminal transition belongs to finalize.
func (o *Orchestrator) execute(ctx context.Context, req model.ExtractionRequest, selector string, attempt int) outcome {
	logger := log.WithComponentFromContext(ctx, "worker")
	out := outcome{name: selector, workDir: jobWorkDir(o.DataDir, req.ID)}

	ext, err := o.Extractors.Lookup(selector)
	if err != nil {
		out.state, out.reason, out.detail = model.JobFailed, model.RBadMessage, err.Error()
		return out
	}
	out.name = ext.Name()

	has, err := o.Datasets.HasDataset(ctx, req.DatasetID)
	if err != nil {
		out.state, out.reason, out.detail, out.requeue = model.JobFailed, model.RStageFailed, err.Error(), true
		return out
	}
	if !has {
		out.state, out.reason = model.JobFailed, model.RDatasetMissing
		out.detail = fmt.Sprintf("dataset %s has no objects", req.DatasetID)
		return out
	}

	inputDir := out.workDir + "/input"
	outputDir := out.workDir + "/output"
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			out.state, out.reason, out.detail, out.requeue = model.JobFailed, model.RStageFailed, err.Error(), true
			return out
		}
	}

	status := newStatusPublisher(o.Bus, ext.Name(), req)
	if err := o.transition(ctx, req.ID, model.JobStarting, nil); err != nil {
		out.state, out.reason, out.detail, out.requeue = model.JobFailed, model.RUnknown, err.Error(), true
		return out
	}
	status.publish(ctx, model.PhaseStarted, fmt.Sprintf("attempt %d", attempt), true)

	job := extractor.Context{
		JobID:     req.ID,
		DatasetID: req.DatasetID,
		Metadata:  req.Metadata,
		Images:    o.Datasets,
		WorkDir:   out.workDir,
		InputDir:  inputDir,
		OutputDir: outputDir,
		Tools:     o.Tools,
		Plots:     o.Plots,
		Cache:     o.Cache,
		MinImages: o.MinImages,
	}

	keys, err := ext.InputKeys(ctx, job)
	if err != nil {
		return o.classify(out, err)
	}
	if len(req.Files) > 0 {
		keys = req.Files
	}

	stats, err := o.Datasets.Stage(ctx, req.DatasetID, keys, inputDir)
	if err != nil {
		out.state, out.reason, out.detail, out.requeue = model.JobFailed, model.RStageFailed, err.Error(), true
		return o.classify(out, err)
	}
	out.filesIn = stats.Files
	metrics.AddStagedBytes(ext.Name(), stats.Bytes)
	trace.SpanFromContext(ctx).SetAttributes(telemetry.StageAttributes(stats.Files, stats.Bytes)...)

	if err := o.transition(ctx, req.ID, model.JobRunning, nil); err != nil {
		out.state, out.reason, out.detail, out.requeue = model.JobFailed, model.RUnknown, err.Error(), true
		return out
	}
	status.publish(ctx, model.PhaseProcessing, fmt.Sprintf("%d files staged", stats.Files), false)

	products, err := ext.Run(ctx, job)
	if err != nil {
		return o.classify(out, err)
	}
	status.publish(ctx, model.PhaseProcessing, fmt.Sprintf("%d products, publishing", len(products)), false)

	result, err := o.Datasets.Publish(ctx, req.DatasetID, ext.Name(), req.ID, outputDir)
	if err != nil {
		out.state, out.reason, out.detail, out.requeue = model.JobFailed, model.RPublishFailed, err.Error(), true
		return out
	}
	out.outputs = result.Keys
	out.bytesOut = result.Bytes
	metrics.AddEmittedBytes(ext.Name(), result.Bytes)

	logger.Info().
		Str(log.FieldEvent, "job.extracted").
		Str(log.FieldExtractor, ext.Name()).
		Int("products", len(result.Keys)).
		Int64("bytes", result.Bytes).
		Msg("products published")

	out.state, out.reason = model.JobSucceeded, model.RNone
	return out
}

// classify maps an extractor or staging error to a terminal outcome.
// Typed errors carry their own reason; context ends and unresolved tool
// binaries get dedicated codes; anything else counts as a tool failure.
func (o *Orchestrator) classify(out outcome, err error) outcome {
	var skip *extractor.SkipError
	var perm *extractor.PermanentError

	switch {
	case errors.As(err, &skip):
		out.state, out.reason, out.detail = model.JobSkipped, skip.Reason, skip.Detail
	case errors.As(err, &perm):
		out.state, out.reason, out.detail = model.JobFailed, perm.Reason, perm.Error()
	case errors.Is(err, context.Canceled):
		out.state, out.reason, out.detail, out.requeue = model.JobCancelled, model.RCancelled, "job cancelled", true
	case errors.Is(err, context.DeadlineExceeded):
		out.state, out.reason = model.JobFailed, model.RCancelled
		out.detail = fmt.Sprintf("job timeout after %s", o.JobTimeout)
	case errors.Is(err, osexec.ErrNotFound):
		out.state, out.reason, out.detail, out.requeue = model.JobFailed, model.RToolStartFailed, err.Error(), true
	case out.reason != model.RNone && out.reason != "":
		// Caller pre-filled the classification (stage/publish paths).
	default:
		out.state, out.reason, out.detail = model.JobFailed, model.RToolExit, err.Error()
	}
	return out
}

// finalize writes the single terminal transition, settles the delivery,
// announces the result and reports run metrics. Work dirs survive failures
// until the sweeper's retention pass.
func (o *Orchestrator) finalize(ctx context.Context, d *bus.Delivery, req model.ExtractionRequest, attempt int, started time.Time, out outcome) {
	logger := log.WithComponentFromContext(ctx, "worker")
	duration := time.Since(started)

	requeue := out.requeue && attempt < o.MaxAttempts
	if out.requeue && !requeue {
		out.detail = fmt.Sprintf("%s (gave up after %d attempts)", out.detail, attempt)
		if out.state == model.JobCancelled {
			out.state = model.JobFailed
		}
	}

	// Store ops run on a background context: finalization must complete
	// even when the daemon context is already gone.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := o.Store.UpdateJob(finCtx, req.ID, func(r *model.JobRecord) error {
		if r.State.IsTerminal() {
			return nil
		}
		metrics.IncJobTransition(string(r.State), string(out.state))
		r.State = out.state
		r.Reason = out.reason
		r.ReasonDetail = out.detail
		r.Outputs = out.outputs
		r.UpdatedAtUnix = time.Now().Unix()
		r.ExpiresAtUnix = time.Now().Add(o.IdempotencyTTL).Unix()
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "worker.finalize_error").Msg("terminal transition failed")
	}

	result := strings.ToLower(string(out.state))
	metrics.IncJobResult(out.name, result)
	metrics.ObserveJobDuration(out.name, duration)

	if requeue {
		logger.Warn().
			Str(log.FieldEvent, "job.requeued").
			Str(log.FieldReason, string(out.reason)).
			Int(log.FieldAttempt, attempt).
			Msg("transient failure, requeueing")
		_ = d.Nack(true)
	} else {
		// Settled for good: bind the idempotency key so replays skip.
		if err := o.Store.PutIdempotency(finCtx, req.ID, req.ID, o.IdempotencyTTL); err != nil &&
			!errors.Is(err, store.ErrIdempotentReplay) {
			logger.Warn().Err(err).Str(log.FieldEvent, "worker.idempotency_error").Msg("idempotency bind failed")
		}
		_ = d.Ack()
	}

	o.announce(finCtx, req, out)

	o.Reporter.Record(report.Run{
		Extractor: out.name,
		Result:    result,
		Duration:  duration,
		FilesIn:   out.filesIn,
		FilesOut:  len(out.outputs),
		BytesOut:  out.bytesOut,
	})

	if out.state == model.JobSucceeded {
		o.cleanupWorkDir(req.ID)
	}

	logger.Info().
		Str(log.FieldEvent, "job.finished").
		Str(log.FieldExtractor, out.name).
		Str(log.FieldNewState, string(out.state)).
		Str(log.FieldReason, string(out.reason)).
		Int(log.FieldAttempt, attempt).
		Dur("duration", duration).
		Int("outputs", len(out.outputs)).
		Msg("job finished")
}

// announce publishes the final status and done events. Best-effort: a dead
// bus at shutdown must not block finalization.
func (o *Orchestrator) announce(ctx context.Context, req model.ExtractionRequest, out outcome) {
	now := time.Now().Unix()

	phase := model.PhaseDone
	msg := fmt.Sprintf("%d products", len(out.outputs))
	if out.state == model.JobFailed || out.state == model.JobCancelled {
		phase = model.PhaseError
		msg = out.detail
	}
	status := model.StatusEvent{
		JobID:     req.ID,
		DatasetID: req.DatasetID,
		Extractor: out.name,
		Phase:     phase,
		Message:   msg,
		AtUnix:    now,
	}
	if payload, err := json.Marshal(status); err == nil {
		_ = o.Bus.Publish(ctx, string(model.TopicStatus), payload)
	}

	done := model.DoneEvent{
		JobID:     req.ID,
		DatasetID: req.DatasetID,
		Extractor: out.name,
		State:     out.state,
		Reason:    out.reason,
		Outputs:   out.outputs,
		AtUnix:    now,
	}
	if payload, err := json.Marshal(done); err == nil {
		_ = o.Bus.Publish(ctx, string(model.TopicDone), payload)
	}
}

// cleanupWorkDir removes a job's scratch tree after success.
func (o *Orchestrator) cleanupWorkDir(jobID string) {
	if o.DataDir == "" || !safeIDRe.MatchString(jobID) {
		return
	}
	dir := jobWorkDir(o.DataDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		wlog := log.WithComponent("worker")
		wlog.Warn().
			Err(err).
			Str(log.FieldWorkDir, dir).
			Msg("work dir cleanup failed")
	}
}
