package scheduler

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"chatbridge_backend/platform/config"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Client enqueues follow-up tasks. Implements autoreply.FollowupScheduler.
type Client struct {
	client *asynq.Client
	queue  string
	delay  time.Duration
}

func NewClient(cfg config.SchedulerConfig, followupDelay time.Duration) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queue,
		delay:  followupDelay,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Schedule books a follow-up check to run after the configured delay from
// the reply's send time.
func (c *Client) Schedule(ctx context.Context, tenantID, contactID uuid.UUID, sentAt time.Time) error {
	if c == nil || c.client == nil {
		return nil
	}

	task, err := NewAutoReplyFollowupTask(AutoReplyFollowupPayload{
		TenantID:  tenantID.String(),
		ContactID: contactID.String(),
		SentAt:    sentAt,
	})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task, asynq.ProcessAt(sentAt.Add(c.delay)), asynq.Queue(c.queue))
	return err
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
