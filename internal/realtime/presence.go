package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-crm/internal/dto"
)

// PresenceTransport opens named presence channels. Tuples older than TTL are
// treated as absent, so active trackers must re-track within it.
type PresenceTransport interface {
	Join(ctx context.Context, channel string) (PresenceChannel, error)
	TTL() time.Duration
}

// PresenceChannel tracks per-user presence tuples within one named channel.
// Track replaces the caller's previous tuple. Sync delivers the full current state
// of every tracker after each change.
type PresenceChannel interface {
	Track(ctx context.Context, state dto.PresenceState) error
	Untrack(ctx context.Context, userID string) error
	Sync() <-chan []dto.PresenceState
	Close() error
}

type redisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisPresence stores presence in one Redis hash per channel, keyed by user id,
// and announces changes over pub/sub so every member re-reads the full hash.
func NewRedisPresence(client *redis.Client, channelBase string, ttl time.Duration, logger zerolog.Logger) PresenceTransport {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	prefix := "presence"
	if channelBase != "" {
		prefix = channelBase + ":presence"
	}
	return &redisPresence{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "presence_transport").Logger(),
	}
}

func (p *redisPresence) TTL() time.Duration {
	return p.ttl
}

func (p *redisPresence) Join(ctx context.Context, channel string) (PresenceChannel, error) {
	if p.client == nil {
		return nil, errors.New("presence transport requires redis")
	}
	if channel == "" {
		return nil, errors.New("presence channel name required")
	}

	key := fmt.Sprintf("%s:%s", p.prefix, channel)
	notify := key + ":sync"

	pubsub := p.client.Subscribe(ctx, notify)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe presence channel: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ch := &redisPresenceChannel{
		transport: p,
		key:       key,
		notify:    notify,
		pubsub:    pubsub,
		sync:      make(chan []dto.PresenceState, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    p.logger.With().Str("channel", channel).Logger(),
	}

	go ch.run(runCtx)
	ch.refresh(runCtx)

	return ch, nil
}

type redisPresenceChannel struct {
	transport *redisPresence
	key       string
	notify    string
	pubsub    *redis.PubSub
	sync      chan []dto.PresenceState
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	logger    zerolog.Logger
}

func (c *redisPresenceChannel) Track(ctx context.Context, state dto.PresenceState) error {
	if state.UserID == "" {
		return errors.New("presence state requires a user id")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	pipe := c.transport.client.Pipeline()
	pipe.HSet(ctx, c.key, state.UserID, payload)
	pipe.Expire(ctx, c.key, 2*c.transport.ttl)
	pipe.Publish(ctx, c.notify, state.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

func (c *redisPresenceChannel) Untrack(ctx context.Context, userID string) error {
	pipe := c.transport.client.Pipeline()
	pipe.HDel(ctx, c.key, userID)
	pipe.Publish(ctx, c.notify, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return nil
}

func (c *redisPresenceChannel) Sync() <-chan []dto.PresenceState {
	return c.sync
}

func (c *redisPresenceChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.pubsub.Close()
		<-c.done
	})
	return err
}

func (c *redisPresenceChannel) run(ctx context.Context) {
	defer close(c.done)

	messages := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			c.refresh(ctx)
		}
	}
}

// refresh reads the full channel state and hands it to the consumer, replacing any
// snapshot the consumer has not picked up yet.
func (c *redisPresenceChannel) refresh(ctx context.Context) {
	states, err := c.snapshot(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Msg("failed to read presence state")
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case c.sync <- states:
	default:
		select {
		case <-c.sync:
		default:
		}
		c.sync <- states
	}
}

func (c *redisPresenceChannel) snapshot(ctx context.Context) ([]dto.PresenceState, error) {
	raw, err := c.transport.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-c.transport.ttl)
	states := make([]dto.PresenceState, 0, len(raw))
	for userID, value := range raw {
		var state dto.PresenceState
		if err := json.Unmarshal([]byte(value), &state); err != nil {
			c.logger.Debug().Err(err).Str("user_id", userID).Msg("skipping malformed presence tuple")
			continue
		}
		if state.UpdatedAt.Before(cutoff) {
			continue
		}
		state.UserID = userID
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })
	return states, nil
}
