package live

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis channel pokes are relayed on.
const DefaultChannel = "tasksync:pokes"

// Local delivers pokes to the clients of this process.
type Local interface {
	Poke(ctx context.Context, orgIDs []string)
}

type relayMessage struct {
	Origin string   `json:"origin"`
	OrgIDs []string `json:"org_ids"`
}

// RedisBridge relays pokes between server replicas through Redis pub/sub
// so a commit on one replica reaches clients connected to any other.
type RedisBridge struct {
	client  *redis.Client
	channel string
	local   Local
	origin  string
	logger  zerolog.Logger
}

// NewRedisBridge creates a bridge delivering relayed pokes to local.
func NewRedisBridge(client *redis.Client, channel string, local Local, logger zerolog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		local:   local,
		origin:  uuid.NewString(),
		logger:  logger.With().Str("component", "live_redis").Logger(),
	}
}

// Poke delivers locally and publishes to the other replicas. A publish
// failure only costs remote clients a poke; they still catch up on their
// next query refresh.
func (b *RedisBridge) Poke(ctx context.Context, orgIDs []string) {
	b.local.Poke(ctx, orgIDs)

	data, err := json.Marshal(relayMessage{Origin: b.origin, OrgIDs: orgIDs})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to encode poke")
		return
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Warn().Err(err).Strs("org_ids", orgIDs).Msg("failed to publish poke")
	}
}

// Run relays pokes from other replicas until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("relaying pokes")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

func (b *RedisBridge) handle(ctx context.Context, payload string) {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		b.logger.Warn().Err(err).Msg("ignoring malformed poke")
		return
	}
	if m.Origin == b.origin || len(m.OrgIDs) == 0 {
		return
	}
	b.local.Poke(ctx, m.OrgIDs)
}
