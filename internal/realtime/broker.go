package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-crm/internal/dto"
)

const subscriberBufferSize = 64

// ErrBrokerClosed is returned when subscribing after Close.
var ErrBrokerClosed = errors.New("realtime broker closed")

// MessageInserted is a change feed event emitted for every row inserted into the message table.
type MessageInserted struct {
	Source  string          `json:"source"`
	Message dto.ChatMessage `json:"message"`
	SentAt  time.Time       `json:"sent_at"`
}

// Broker fans message inserts out to every session on every node. Filtering is left to subscribers.
type Broker interface {
	Publish(ctx context.Context, message dto.ChatMessage) error
	Subscribe() (*Subscription, error)
	Start(ctx context.Context)
	Close()
}

// Subscription is a cancellable handle on the change feed.
type Subscription struct {
	events chan MessageInserted
	broker *broker
	once   sync.Once
}

// Events returns the channel of inserts. It is closed when the subscription is cancelled.
func (s *Subscription) Events() <-chan MessageInserted {
	return s.events
}

// Close cancels the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
	})
}

type broker struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	logger       zerolog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroker builds a change feed over Redis pub/sub and, when available, NATS.
// Either transport may be nil; with both nil the feed only reaches local subscribers.
func NewBroker(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) Broker {
	redisChannel := ""
	natsSubject := ""
	if channelBase != "" {
		redisChannel = channelBase + ":chat:inserts"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".chat.inserts"
	}

	return &broker{
		redis:        redisClient,
		redisChannel: redisChannel,
		nats:         natsConn,
		natsSubject:  natsSubject,
		nodeID:       uuid.NewString(),
		logger:       logger.With().Str("component", "realtime_broker").Logger(),
		subs:         make(map[*Subscription]struct{}),
	}
}

func (b *broker) Start(ctx context.Context) {
	switch {
	case b.nats != nil && b.natsSubject != "":
		b.consumeNATS(ctx)
	case b.redis != nil && b.redisChannel != "":
		pubsub := b.redis.Subscribe(ctx, b.redisChannel)
		if _, err := pubsub.Receive(ctx); err != nil {
			b.logger.Error().Err(err).Msg("failed to subscribe to chat redis channel")
			_ = pubsub.Close()
			return
		}
		go b.consumeRedis(ctx, pubsub)
	}
}

func (b *broker) Publish(ctx context.Context, message dto.ChatMessage) error {
	event := MessageInserted{
		Source:  b.nodeID,
		Message: message,
		SentAt:  time.Now().UTC(),
	}

	b.fanOut(event)

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (b *broker) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	sub := &Subscription{
		events: make(chan MessageInserted, subscriberBufferSize),
		broker: b,
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.events)
		delete(b.subs, sub)
	}
}

func (b *broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.events)
}

func (b *broker) fanOut(event MessageInserted) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.events <- event:
		default:
			b.logger.Warn().Str("message_id", event.Message.ID).Msg("dropping insert event for slow subscriber")
		}
	}
}

func (b *broker) consumeRedis(ctx context.Context, pubsub *redis.PubSub) {
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			b.logger.Error().Err(err).Msg("chat redis subscription closed")
			return
		}
		b.handleEvent([]byte(msg.Payload))
	}
}

func (b *broker) consumeNATS(ctx context.Context) {
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handleEvent(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats chat subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (b *broker) handleEvent(data []byte) {
	var event MessageInserted
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Warn().Err(err).Msg("invalid chat insert event")
		return
	}

	if event.Source == b.nodeID {
		return
	}

	b.fanOut(event)
}
