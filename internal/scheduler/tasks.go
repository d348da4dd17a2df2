// Package scheduler books and processes delayed follow-up checks on top of
// asynq, so they survive process restarts.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskAutoReplyFollowup = "autoreply.followup"

type AutoReplyFollowupPayload struct {
	TenantID  string    `json:"tenantId"`
	ContactID string    `json:"contactId"`
	SentAt    time.Time `json:"sentAt"`
}

func NewAutoReplyFollowupTask(payload AutoReplyFollowupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAutoReplyFollowup, data), nil
}

func ParseAutoReplyFollowupPayload(task *asynq.Task) (AutoReplyFollowupPayload, error) {
	var payload AutoReplyFollowupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return AutoReplyFollowupPayload{}, err
	}
	return payload, nil
}
