package gojob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
	glog "github.com/goliatone/go-logger/glog"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDRefreshCredential = "integrations.credential.refresh"
	JobIDSync              = "integrations.sync"
	JobIDRepair            = "integrations.repair"
)

// MaintenanceService is the slice of the orchestrator the background jobs
// drive.
type MaintenanceService interface {
	ExpiringCredentials(ctx context.Context, before time.Time) ([]*core.Credential, error)
	RefreshCredential(ctx context.Context, integrationID string) error
	Sync(ctx context.Context, req core.SyncRequest) error
	Repair(ctx context.Context, gracePeriod time.Duration) (removed int, err error)
}

// RetryPolicy bounds queue retry behavior so a failing job cannot requeue
// forever.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func (p RetryPolicy) normalize(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// Scheduler turns lifecycle sweeps into queued job messages. Each message
// carries an idempotency key so a sweep that fires twice does not double
// the work.
type Scheduler struct {
	service  MaintenanceService
	enqueuer queue.Enqueuer
	logger   core.Logger
	window   time.Duration
}

func NewScheduler(service MaintenanceService, enqueuer queue.Enqueuer, window time.Duration, logger core.Logger) (*Scheduler, error) {
	if service == nil {
		return nil, fmt.Errorf("gojob: maintenance service is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("gojob: enqueuer is required")
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Scheduler{
		service:  service,
		enqueuer: enqueuer,
		logger:   glog.Ensure(logger),
		window:   window,
	}, nil
}

// EnqueueRefreshSweep queues one refresh job per credential expiring
// inside the window.
func (s *Scheduler) EnqueueRefreshSweep(ctx context.Context) (int, error) {
	if s == nil || s.service == nil {
		return 0, fmt.Errorf("gojob: scheduler is not configured")
	}
	before := time.Now().UTC().Add(s.window)
	expiring, err := s.service.ExpiringCredentials(ctx, before)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, credential := range expiring {
		if credential == nil || strings.TrimSpace(credential.IntegrationID) == "" {
			continue
		}
		msg := &job.ExecutionMessage{
			JobID: JobIDRefreshCredential,
			Parameters: map[string]any{
				"integration_id": credential.IntegrationID,
			},
			IdempotencyKey: refreshIdempotencyKey(credential),
		}
		if err := s.enqueuer.Enqueue(ctx, msg); err != nil {
			s.logger.Error("enqueue refresh job failed",
				"integration_id", credential.IntegrationID, "error", err)
			continue
		}
		queued++
	}
	return queued, nil
}

// EnqueueSync queues a reconciliation job for one integration.
func (s *Scheduler) EnqueueSync(ctx context.Context, organizationID, integrationID string) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: scheduler is not configured")
	}
	organizationID = strings.TrimSpace(organizationID)
	integrationID = strings.TrimSpace(integrationID)
	if organizationID == "" || integrationID == "" {
		return fmt.Errorf("gojob: organization id and integration id are required")
	}
	return s.enqueuer.Enqueue(ctx, &job.ExecutionMessage{
		JobID: JobIDSync,
		Parameters: map[string]any{
			"organization_id": organizationID,
			"integration_id":  integrationID,
		},
		IdempotencyKey: JobIDSync + "::" + integrationID,
	})
}

// EnqueueRepair queues an orphan sweep.
func (s *Scheduler) EnqueueRepair(ctx context.Context, gracePeriod time.Duration) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: scheduler is not configured")
	}
	return s.enqueuer.Enqueue(ctx, &job.ExecutionMessage{
		JobID: JobIDRepair,
		Parameters: map[string]any{
			"grace_period": gracePeriod.String(),
		},
	})
}

func refreshIdempotencyKey(credential *core.Credential) string {
	key := JobIDRefreshCredential + "::" + credential.IntegrationID
	if credential.ExpiresAt != nil {
		key += "::" + strconv.FormatInt(credential.ExpiresAt.Unix(), 10)
	}
	return key
}

// Runner consumes queued maintenance jobs and dispatches them to the
// orchestrator, acking on success and nacking within the retry policy
// otherwise.
type Runner struct {
	service MaintenanceService
	policy  RetryPolicy
	logger  core.Logger
}

func NewRunner(service MaintenanceService, policy RetryPolicy, logger core.Logger) (*Runner, error) {
	if service == nil {
		return nil, fmt.Errorf("gojob: maintenance service is required")
	}
	return &Runner{
		service: service,
		policy:  policy,
		logger:  glog.Ensure(logger),
	}, nil
}

// Run drains the dequeuer until ctx is done.
func (r *Runner) Run(ctx context.Context, dequeuer queue.Dequeuer) error {
	if r == nil || dequeuer == nil {
		return fmt.Errorf("gojob: runner is not configured")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		delivery, err := dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		r.Handle(ctx, delivery, 1)
	}
}

// Handle executes one delivery. Attempt is 1-based and feeds the retry
// policy's bound.
func (r *Runner) Handle(ctx context.Context, delivery queue.Delivery, attempt int) {
	if r == nil || delivery == nil {
		return
	}
	msg := delivery.Message()
	if msg == nil {
		_ = delivery.Nack(ctx, r.policy.normalize(queue.NackOptions{
			Reason:     "empty message",
			DeadLetter: true,
		}, attempt))
		return
	}
	if err := r.execute(ctx, msg); err != nil {
		r.logger.Error("maintenance job failed", "job_id", msg.JobID, "error", err)
		_ = delivery.Nack(ctx, r.policy.normalize(queue.NackOptions{
			Reason:  err.Error(),
			Requeue: true,
		}, attempt))
		return
	}
	if err := delivery.Ack(ctx); err != nil {
		r.logger.Error("maintenance job ack failed", "job_id", msg.JobID, "error", err)
	}
}

func (r *Runner) execute(ctx context.Context, msg *job.ExecutionMessage) error {
	switch msg.JobID {
	case JobIDRefreshCredential:
		integrationID := stringParam(msg.Parameters, "integration_id")
		if integrationID == "" {
			return fmt.Errorf("gojob: refresh job is missing integration_id")
		}
		return r.service.RefreshCredential(ctx, integrationID)
	case JobIDSync:
		req := core.SyncRequest{
			OrganizationID: stringParam(msg.Parameters, "organization_id"),
			IntegrationID:  stringParam(msg.Parameters, "integration_id"),
		}
		if req.OrganizationID == "" || req.IntegrationID == "" {
			return fmt.Errorf("gojob: sync job is missing identity parameters")
		}
		return r.service.Sync(ctx, req)
	case JobIDRepair:
		gracePeriod, err := time.ParseDuration(stringParam(msg.Parameters, "grace_period"))
		if err != nil || gracePeriod <= 0 {
			gracePeriod = 24 * time.Hour
		}
		_, err = r.service.Repair(ctx, gracePeriod)
		return err
	}
	return fmt.Errorf("gojob: unknown job id %q", msg.JobID)
}

func stringParam(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}

// MetricsHook reports worker lifecycle events as maintenance metrics.
type MetricsHook struct {
	metrics core.MetricsRecorder
}

func NewMetricsHook(metrics core.MetricsRecorder) *MetricsHook {
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &MetricsHook{metrics: metrics}
}

func (h *MetricsHook) OnStart(ctx context.Context, event worker.Event) {
	h.record(ctx, event, "started")
}

func (h *MetricsHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.record(ctx, event, "succeeded")
	if h != nil && event.Duration > 0 {
		h.metrics.ObserveHistogram(ctx, "integrations.jobs.duration_ms",
			float64(event.Duration.Milliseconds()), hookTags(event))
	}
}

func (h *MetricsHook) OnFailure(ctx context.Context, event worker.Event) {
	h.record(ctx, event, "failed")
}

func (h *MetricsHook) OnRetry(ctx context.Context, event worker.Event) {
	h.record(ctx, event, "retried")
}

func (h *MetricsHook) record(ctx context.Context, event worker.Event, outcome string) {
	if h == nil || h.metrics == nil {
		return
	}
	tags := hookTags(event)
	tags["outcome"] = outcome
	h.metrics.IncCounter(ctx, "integrations.jobs.total", 1, tags)
}

func hookTags(event worker.Event) map[string]string {
	tags := map[string]string{}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message != nil {
		tags["job_id"] = message.JobID
	}
	return tags
}

var _ worker.Hook = (*MetricsHook)(nil)
