package gojob

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-integrations/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

type stubMaintenanceService struct {
	expiringFn func(ctx context.Context, before time.Time) ([]*core.Credential, error)
	refreshFn  func(ctx context.Context, integrationID string) error
	syncFn     func(ctx context.Context, req core.SyncRequest) error
	repairFn   func(ctx context.Context, gracePeriod time.Duration) (int, error)
}

func (s *stubMaintenanceService) ExpiringCredentials(ctx context.Context, before time.Time) ([]*core.Credential, error) {
	if s.expiringFn == nil {
		return nil, nil
	}
	return s.expiringFn(ctx, before)
}

func (s *stubMaintenanceService) RefreshCredential(ctx context.Context, integrationID string) error {
	if s.refreshFn == nil {
		return fmt.Errorf("unexpected RefreshCredential call")
	}
	return s.refreshFn(ctx, integrationID)
}

func (s *stubMaintenanceService) Sync(ctx context.Context, req core.SyncRequest) error {
	if s.syncFn == nil {
		return fmt.Errorf("unexpected Sync call")
	}
	return s.syncFn(ctx, req)
}

func (s *stubMaintenanceService) Repair(ctx context.Context, gracePeriod time.Duration) (int, error) {
	if s.repairFn == nil {
		return 0, fmt.Errorf("unexpected Repair call")
	}
	return s.repairFn(ctx, gracePeriod)
}

type stubQueueEnqueuer struct {
	messages []*job.ExecutionMessage
	failOn   map[string]error
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if msg != nil && s.failOn != nil {
		if integrationID, _ := msg.Parameters["integration_id"].(string); integrationID != "" {
			if err, found := s.failOn[integrationID]; found {
				return err
			}
		}
	}
	s.messages = append(s.messages, msg)
	return nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

func timePtr(value time.Time) *time.Time { return &value }

func TestRetryPolicy_Normalize(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: time.Minute, DeadLetterOnMax: true}

	t.Run("clamps delay and keeps requeue within budget", func(t *testing.T) {
		out := policy.normalize(queue.NackOptions{Requeue: true, Delay: 5 * time.Minute, Reason: " slow "}, 1)
		if out.Delay != time.Minute {
			t.Fatalf("expected delay clamp to %s, got %s", time.Minute, out.Delay)
		}
		if !out.Requeue || out.DeadLetter {
			t.Fatalf("expected requeue inside the budget, got %+v", out)
		}
		if out.Reason != "slow" {
			t.Fatalf("expected trimmed reason, got %q", out.Reason)
		}
	})

	t.Run("final attempt dead-letters instead of requeueing", func(t *testing.T) {
		out := policy.normalize(queue.NackOptions{Requeue: true}, 3)
		if out.Requeue {
			t.Fatalf("expected no requeue at max attempts")
		}
		if !out.DeadLetter {
			t.Fatalf("expected dead letter at max attempts")
		}
	})

	t.Run("explicit dead letter clears requeue", func(t *testing.T) {
		out := policy.normalize(queue.NackOptions{Requeue: true, DeadLetter: true}, 1)
		if out.Requeue || !out.DeadLetter {
			t.Fatalf("expected dead letter to win, got %+v", out)
		}
	})

	t.Run("exhausted budget without dead letter still drops requeue", func(t *testing.T) {
		lenient := RetryPolicy{MaxAttempts: 2}
		out := lenient.normalize(queue.NackOptions{Requeue: true}, 2)
		if out.Requeue || out.DeadLetter {
			t.Fatalf("expected the message to be dropped, got %+v", out)
		}
	})

	t.Run("negative delay resets and fallback requeues", func(t *testing.T) {
		out := RetryPolicy{}.normalize(queue.NackOptions{Delay: -time.Second}, 1)
		if out.Delay != 0 {
			t.Fatalf("expected delay reset, got %s", out.Delay)
		}
		if !out.Requeue {
			t.Fatalf("expected fallback requeue")
		}
	})
}

func TestScheduler_EnqueueRefreshSweep(t *testing.T) {
	expiry := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	service := &stubMaintenanceService{
		expiringFn: func(_ context.Context, before time.Time) ([]*core.Credential, error) {
			if before.Before(time.Now().UTC()) {
				t.Fatalf("expected window to extend into the future, got %s", before)
			}
			return []*core.Credential{
				{IntegrationID: "int_1", ExpiresAt: timePtr(expiry)},
				{IntegrationID: "  "},
				nil,
				{IntegrationID: "int_2"},
				{IntegrationID: "int_broken"},
			}, nil
		},
	}
	enqueuer := &stubQueueEnqueuer{failOn: map[string]error{
		"int_broken": errors.New("queue full"),
	}}

	scheduler, err := NewScheduler(service, enqueuer, time.Hour, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	queued, err := scheduler.EnqueueRefreshSweep(context.Background())
	if err != nil {
		t.Fatalf("enqueue refresh sweep: %v", err)
	}
	if queued != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", queued)
	}
	if len(enqueuer.messages) != 2 {
		t.Fatalf("expected 2 enqueued messages, got %d", len(enqueuer.messages))
	}

	first := enqueuer.messages[0]
	if first.JobID != JobIDRefreshCredential {
		t.Fatalf("unexpected job id %q", first.JobID)
	}
	wantKey := JobIDRefreshCredential + "::int_1::" + fmt.Sprintf("%d", expiry.Unix())
	if first.IdempotencyKey != wantKey {
		t.Fatalf("unexpected idempotency key %q, want %q", first.IdempotencyKey, wantKey)
	}
	if first.Parameters["integration_id"] != "int_1" {
		t.Fatalf("unexpected parameters: %#v", first.Parameters)
	}

	second := enqueuer.messages[1]
	if second.IdempotencyKey != JobIDRefreshCredential+"::int_2" {
		t.Fatalf("expected expiry-less key, got %q", second.IdempotencyKey)
	}
}

func TestScheduler_EnqueueRefreshSweep_ListFailure(t *testing.T) {
	service := &stubMaintenanceService{
		expiringFn: func(context.Context, time.Time) ([]*core.Credential, error) {
			return nil, errors.New("storage offline")
		},
	}
	scheduler, err := NewScheduler(service, &stubQueueEnqueuer{}, time.Hour, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if _, err := scheduler.EnqueueRefreshSweep(context.Background()); err == nil {
		t.Fatalf("expected listing failure to surface")
	}
}

func TestScheduler_EnqueueSyncAndRepair(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	scheduler, err := NewScheduler(&stubMaintenanceService{}, enqueuer, time.Hour, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	if err := scheduler.EnqueueSync(context.Background(), " org_1 ", " int_1 "); err != nil {
		t.Fatalf("enqueue sync: %v", err)
	}
	if err := scheduler.EnqueueSync(context.Background(), "org_1", ""); err == nil {
		t.Fatalf("expected missing integration id to be rejected")
	}
	if err := scheduler.EnqueueRepair(context.Background(), 6*time.Hour); err != nil {
		t.Fatalf("enqueue repair: %v", err)
	}

	if len(enqueuer.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(enqueuer.messages))
	}
	syncMsg := enqueuer.messages[0]
	if syncMsg.JobID != JobIDSync || syncMsg.Parameters["organization_id"] != "org_1" {
		t.Fatalf("unexpected sync message: %#v", syncMsg)
	}
	if syncMsg.IdempotencyKey != JobIDSync+"::int_1" {
		t.Fatalf("unexpected sync idempotency key %q", syncMsg.IdempotencyKey)
	}
	repairMsg := enqueuer.messages[1]
	if repairMsg.JobID != JobIDRepair || repairMsg.Parameters["grace_period"] != "6h0m0s" {
		t.Fatalf("unexpected repair message: %#v", repairMsg)
	}
}

func TestRunner_HandleDispatchesByJobID(t *testing.T) {
	t.Run("refresh acks on success", func(t *testing.T) {
		var refreshed string
		service := &stubMaintenanceService{
			refreshFn: func(_ context.Context, integrationID string) error {
				refreshed = integrationID
				return nil
			},
		}
		runner, err := NewRunner(service, RetryPolicy{}, nil)
		if err != nil {
			t.Fatalf("new runner: %v", err)
		}
		delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{
			JobID:      JobIDRefreshCredential,
			Parameters: map[string]any{"integration_id": "int_1"},
		}}
		runner.Handle(context.Background(), delivery, 1)
		if refreshed != "int_1" {
			t.Fatalf("expected refresh for int_1, got %q", refreshed)
		}
		if !delivery.acked || delivery.nacked {
			t.Fatalf("expected ack, got %+v", delivery)
		}
	})

	t.Run("sync failure nacks with reason", func(t *testing.T) {
		service := &stubMaintenanceService{
			syncFn: func(context.Context, core.SyncRequest) error {
				return errors.New("provider timeout")
			},
		}
		runner, err := NewRunner(service, RetryPolicy{MaxAttempts: 3}, nil)
		if err != nil {
			t.Fatalf("new runner: %v", err)
		}
		delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{
			JobID: JobIDSync,
			Parameters: map[string]any{
				"organization_id": "org_1",
				"integration_id":  "int_1",
			},
		}}
		runner.Handle(context.Background(), delivery, 1)
		if delivery.acked || !delivery.nacked {
			t.Fatalf("expected nack, got %+v", delivery)
		}
		if delivery.nackOpts.Reason != "provider timeout" || !delivery.nackOpts.Requeue {
			t.Fatalf("unexpected nack options: %+v", delivery.nackOpts)
		}
	})

	t.Run("repair defaults grace period on bad parameter", func(t *testing.T) {
		var grace time.Duration
		service := &stubMaintenanceService{
			repairFn: func(_ context.Context, gracePeriod time.Duration) (int, error) {
				grace = gracePeriod
				return 0, nil
			},
		}
		runner, err := NewRunner(service, RetryPolicy{}, nil)
		if err != nil {
			t.Fatalf("new runner: %v", err)
		}
		delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{
			JobID:      JobIDRepair,
			Parameters: map[string]any{"grace_period": "not-a-duration"},
		}}
		runner.Handle(context.Background(), delivery, 1)
		if grace != 24*time.Hour {
			t.Fatalf("expected default grace period, got %s", grace)
		}
		if !delivery.acked {
			t.Fatalf("expected ack after repair")
		}
	})

	t.Run("unknown job id nacks", func(t *testing.T) {
		runner, err := NewRunner(&stubMaintenanceService{}, RetryPolicy{}, nil)
		if err != nil {
			t.Fatalf("new runner: %v", err)
		}
		delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: "integrations.unknown"}}
		runner.Handle(context.Background(), delivery, 1)
		if !delivery.nacked {
			t.Fatalf("expected unknown job to nack")
		}
	})

	t.Run("empty message dead-letters", func(t *testing.T) {
		runner, err := NewRunner(&stubMaintenanceService{}, RetryPolicy{}, nil)
		if err != nil {
			t.Fatalf("new runner: %v", err)
		}
		delivery := &stubQueueDelivery{}
		runner.Handle(context.Background(), delivery, 1)
		if !delivery.nacked || !delivery.nackOpts.DeadLetter {
			t.Fatalf("expected dead letter for empty message, got %+v", delivery.nackOpts)
		}
	})
}

type recordingMetrics struct {
	counters   []recordedMetric
	histograms []recordedMetric
}

type recordedMetric struct {
	name  string
	value float64
	tags  map[string]string
}

func (r *recordingMetrics) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	r.counters = append(r.counters, recordedMetric{name: name, value: float64(value), tags: tags})
}

func (r *recordingMetrics) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	r.histograms = append(r.histograms, recordedMetric{name: name, value: value, tags: tags})
}

func TestMetricsHook_RecordsOutcomes(t *testing.T) {
	metrics := &recordingMetrics{}
	hook := NewMetricsHook(metrics)
	event := worker.Event{
		Message:  &job.ExecutionMessage{JobID: JobIDSync},
		Duration: 120 * time.Millisecond,
	}

	hook.OnStart(context.Background(), event)
	hook.OnSuccess(context.Background(), event)
	hook.OnFailure(context.Background(), event)
	hook.OnRetry(context.Background(), event)

	if len(metrics.counters) != 4 {
		t.Fatalf("expected 4 counter increments, got %d", len(metrics.counters))
	}
	outcomes := map[string]bool{}
	for _, counter := range metrics.counters {
		if counter.name != "integrations.jobs.total" {
			t.Fatalf("unexpected counter name %q", counter.name)
		}
		if counter.tags["job_id"] != JobIDSync {
			t.Fatalf("expected job id tag, got %#v", counter.tags)
		}
		outcomes[counter.tags["outcome"]] = true
	}
	for _, outcome := range []string{"started", "succeeded", "failed", "retried"} {
		if !outcomes[outcome] {
			t.Fatalf("missing outcome %q", outcome)
		}
	}

	if len(metrics.histograms) != 1 {
		t.Fatalf("expected 1 duration observation, got %d", len(metrics.histograms))
	}
	if metrics.histograms[0].value != 120 {
		t.Fatalf("expected 120ms observation, got %v", metrics.histograms[0].value)
	}
}
