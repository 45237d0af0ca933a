package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, 30*time.Second)
}

func TestPushDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Push(ctx, "batch-1", []string{"job-a", "job-b"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2 got %d err=%v", depth, err)
	}

	jobID, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if jobID != "job-a" {
		t.Fatalf("expected FIFO order, got %q", jobID)
	}
	depth, _ = q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected depth 1 after dequeue got %d", depth)
	}

	if err := q.Ack(ctx, "batch-1", jobID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// Nothing expired, so the acked job must stay gone.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("acked job should not be reclaimable, got %v", ids)
	}
}

func TestDequeueEmpty(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	jobID, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if jobID != "" {
		t.Fatalf("expected empty queue, got %q", jobID)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Push(ctx, "batch-1", []string{"job-a"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Before the lease deadline the job is invisible.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("lease not expired yet, got %v", ids)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-a" {
		t.Fatalf("expected job-a reclaimed, got %v", ids)
	}
	jobID, _ := q.DequeueWithLease(ctx)
	if jobID != "job-a" {
		t.Fatalf("expected reclaimed job ready again, got %q", jobID)
	}
}

func TestRequeuePutsJobBack(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Push(ctx, "batch-1", []string{"job-a"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Requeue(ctx, "job-a"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	jobID, _ := q.DequeueWithLease(ctx)
	if jobID != "job-a" {
		t.Fatalf("expected requeued job, got %q", jobID)
	}
}

func TestSchedulePromote(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Push(ctx, "batch-1", []string{"job-a"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	runAt := time.Now().Add(time.Minute)
	if err := q.Schedule(ctx, "job-a", runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("job not due yet, promoted %d", n)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted got %d", n)
	}
	jobID, _ := q.DequeueWithLease(ctx)
	if jobID != "job-a" {
		t.Fatalf("expected promoted job ready, got %q", jobID)
	}
}

func TestCancelBatchDropsPendingJobs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Push(ctx, "batch-1", []string{"job-a", "job-b", "job-c"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(ctx, "batch-2", []string{"job-x"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	// job-a is in-flight when the batch is cancelled.
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	ids, err := q.CancelBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 cancelled jobs, got %v", ids)
	}

	// Only the other batch's job survives.
	jobID, _ := q.DequeueWithLease(ctx)
	if jobID != "job-x" {
		t.Fatalf("expected job-x after cancel, got %q", jobID)
	}
	jobID, _ = q.DequeueWithLease(ctx)
	if jobID != "" {
		t.Fatalf("expected empty queue, got %q", jobID)
	}
}
