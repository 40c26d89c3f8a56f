package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cwrk-planet/collab-relay/internal/domain"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr          string
	DB            int
	ChannelPrefix string
	InstanceID    string
}

// Message is what one relay instance publishes for the others.
type Message struct {
	InstanceID   string `json:"instanceId"`
	OriginConnID string `json:"originConnectionId"`
	RoomID       string `json:"roomId"`
	Kind         string `json:"kind"`
	Payload      string `json:"payload"`
	LanguageTag  string `json:"languageTag,omitempty"`
	DisplayName  string `json:"displayName"`
}

// RedisBus делит правки и typing между репликами через redis pub/sub.
// Присутствие (списки и тосты) по шине не ходит: у каждой реплики свой реестр.
type RedisBus struct {
	rdb        *redis.Client
	prefix     string
	instanceID string
}

// NewRedisBus connects to redis and verifies connectivity.
func NewRedisBus(ctx context.Context, cfg Config) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "relay:room:"
	}
	return &RedisBus{rdb: rdb, prefix: prefix, instanceID: cfg.InstanceID}, nil
}

// Publish implements service.Publisher.
func (b *RedisBus) Publish(ctx context.Context, originConnectionID string, msg domain.Outbound) error {
	raw, err := json.Marshal(toMessage(b.instanceID, originConnectionID, msg))
	if err != nil {
		return fmt.Errorf("bus encode: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(msg.RoomID), raw).Err(); err != nil {
		return fmt.Errorf("bus publish %s: %w", msg.RoomID, err)
	}
	return nil
}

// Subscribe listens to all room channels and invokes fn for each message
// from another instance. Blocks until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(context.Context, domain.Outbound)) {
	pubsub := b.rdb.PSubscribe(ctx, b.channel("*"))
	defer func() { _ = pubsub.Close() }()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			out, ok := b.accept(ctx, msg.Channel, []byte(msg.Payload))
			if ok {
				fn(ctx, out)
			}
		}
	}
}

// accept decodes a raw bus frame and drops our own echoes and garbage.
func (b *RedisBus) accept(ctx context.Context, channel string, raw []byte) (domain.Outbound, bool) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		slog.WarnContext(ctx, "bus message undecodable", "channel", channel, "err", err)
		return domain.Outbound{}, false
	}
	if m.InstanceID == b.instanceID {
		return domain.Outbound{}, false
	}
	if m.RoomID == "" || strings.TrimPrefix(channel, b.prefix) != m.RoomID {
		slog.WarnContext(ctx, "bus message room mismatch", "channel", channel, "room", m.RoomID)
		return domain.Outbound{}, false
	}
	return m.toOutbound(), true
}

// Close shuts down the redis connection
func (b *RedisBus) Close() error { return b.rdb.Close() }

func (b *RedisBus) channel(roomID string) string { return b.prefix + roomID }

func toMessage(instanceID, origin string, msg domain.Outbound) Message {
	return Message{
		InstanceID:   instanceID,
		OriginConnID: origin,
		RoomID:       msg.RoomID,
		Kind:         string(msg.Kind),
		Payload:      msg.Payload,
		LanguageTag:  msg.LanguageTag,
		DisplayName:  msg.DisplayName,
	}
}

func (m Message) toOutbound() domain.Outbound {
	return domain.Outbound{
		Kind:        domain.OutboundKind(m.Kind),
		RoomID:      m.RoomID,
		Payload:     m.Payload,
		LanguageTag: m.LanguageTag,
		DisplayName: m.DisplayName,
	}
}
