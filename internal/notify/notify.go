// Package notify is the in-process hand-off between the Distributor
// (producer) and the QueueProcessor (consumer): one in-memory pub/sub topic
// shared by all campaigns, each message carrying the campaign ID, so a
// freshly distributed batch gets its first tick
// immediately instead of waiting out the QueueProcessor's poll interval.
package notify

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

const campaignTopic = "campaigns.distributed"

// Bus wraps an in-process watermill pub/sub used to nudge the
// QueueProcessor whenever the Distributor enqueues a new batch.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    watermill.LoggerAdapter
}

// NewBus builds a Bus. The underlying gochannel has no persistence and no
// external broker: it only decouples Distribute from the QueueProcessor's
// own goroutine.
func NewBus(log zerolog.Logger) *Bus {
	adapter := watermillLogAdapter{log: log.With().Str("component", "notify").Logger()}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, adapter),
		log:    adapter,
	}
}

// PublishCampaignDistributed announces that campaignID has queued records
// ready for dispatch.
func (b *Bus) PublishCampaignDistributed(ctx context.Context, campaignID string) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(campaignID))
	msg.SetContext(ctx)
	return b.pubsub.Publish(campaignTopic, msg)
}

// SubscribeCampaignDistributed returns a channel of campaign IDs the
// QueueProcessor can select on to trigger an immediate tick.
func (b *Bus) SubscribeCampaignDistributed(ctx context.Context) (<-chan string, error) {
	messages, err := b.pubsub.Subscribe(ctx, campaignTopic)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			select {
			case out <- string(msg.Payload):
			case <-ctx.Done():
				msg.Ack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close releases the underlying pub/sub.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillLogAdapter forwards watermill's internal logging onto zerolog.
type watermillLogAdapter struct {
	log zerolog.Logger
}

func (a watermillLogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}
func (a watermillLogAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info().Fields(map[string]any(fields)).Msg(msg)
}
func (a watermillLogAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug().Fields(map[string]any(fields)).Msg(msg)
}
func (a watermillLogAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Trace().Fields(map[string]any(fields)).Msg(msg)
}
func (a watermillLogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogAdapter{log: a.log.With().Fields(map[string]any(fields)).Logger()}
}
