package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type testSchedulerConfig struct {
	url string
}

func (c testSchedulerConfig) GetRedisURL() string       { return c.url }
func (c testSchedulerConfig) GetRedisTLSInsecure() bool { return false }
func (c testSchedulerConfig) GetAsynqQueueName() string { return "default" }
func (c testSchedulerConfig) GetAsynqConcurrency() int  { return 1 }

func TestClientSchedulesFollowupTask(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := NewClient(testSchedulerConfig{url: "redis://" + srv.Addr()}, time.Hour)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	tenant := uuid.New()
	contact := uuid.New()
	sentAt := time.Now()
	if err := client.Schedule(context.Background(), tenant, contact, sentAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	insp := asynq.NewInspector(asynq.RedisClientOpt{Addr: srv.Addr()})
	defer insp.Close()

	tasks, err := insp.ListScheduledTasks("default")
	if err != nil {
		t.Fatalf("list scheduled: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("scheduled tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Type != TaskAutoReplyFollowup {
		t.Fatalf("task type = %q", tasks[0].Type)
	}

	payload, err := ParseAutoReplyFollowupPayload(asynq.NewTask(tasks[0].Type, tasks[0].Payload))
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.TenantID != tenant.String() || payload.ContactID != contact.String() {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestClientRequiresRedisURL(t *testing.T) {
	if _, err := NewClient(testSchedulerConfig{url: ""}, time.Hour); err == nil {
		t.Fatal("expected error without redis url")
	}
}
