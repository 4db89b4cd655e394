package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/carscout/carscout/internal/logger"
)

// processing is delayed slightly so the transaction that created the
// post is visible to the consumer
const taskDelaySeconds = 2

// PostTask is the event the AI service consumes.
type PostTask struct {
	TaskID       uuid.UUID `json:"task_id"`
	PostID       int64     `json:"post_id"`
	ChannelID    int64     `json:"channel_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	DelaySeconds int       `json:"delay_seconds"`
}

// JetStreamClient is the publishing surface, mockable in tests.
type JetStreamClient interface {
	Publish(ctx context.Context, subject string, data any) error
}

// Publisher publishes post-processing tasks. It implements the
// monitor's TaskQueue.
type Publisher struct {
	js  JetStreamClient
	log *logger.Logger
}

// NewPublisher creates a publisher over the given client.
func NewPublisher(js JetStreamClient) *Publisher {
	return &Publisher{
		js:  js,
		log: logger.Get().Component("queue"),
	}
}

// EnqueuePost publishes a fire-and-forget processing task for the post.
func (p *Publisher) EnqueuePost(ctx context.Context, postID, channelID int64) error {
	task := PostTask{
		TaskID:       uuid.New(),
		PostID:       postID,
		ChannelID:    channelID,
		EnqueuedAt:   time.Now().UTC(),
		DelaySeconds: taskDelaySeconds,
	}

	if err := p.js.Publish(ctx, SubjectPostProcess, task); err != nil {
		return err
	}

	p.log.Debug().
		Str("task_id", task.TaskID.String()).
		Int64("post_id", postID).
		Msg("processing task enqueued")
	return nil
}
