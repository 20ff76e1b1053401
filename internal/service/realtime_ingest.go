package service

import (
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/observability"
	"github.com/noah-isme/gema-crm/internal/realtime"
)

// IngestEvent is a relevant insert seen on the change feed.
type IngestEvent struct {
	Message dto.ChatMessage
}

// IngestRoute says what a session must do about an ingest event.
type IngestRoute struct {
	RefreshDirectory bool
	ReloadActive     bool
}

// Relevant reports whether an insert concerns selfID. Group inserts are always
// relevant; membership is enforced by the directory and the gateway.
func Relevant(message dto.ChatMessage, selfID string) bool {
	return message.RecipientID == selfID || message.SenderID == selfID || message.GroupID != ""
}

// Route decides the reaction to an insert. Self-sent inserts never reload the
// active conversation because the local confirm has already applied them.
func Route(message dto.ChatMessage, selfID string, active dto.ConversationRef) IngestRoute {
	if !Relevant(message, selfID) {
		return IngestRoute{}
	}
	route := IngestRoute{RefreshDirectory: true}
	if message.SenderID != selfID && !active.IsZero() && message.Conversation(selfID).Key() == active.Key() {
		route.ReloadActive = true
	}
	return route
}

// RealtimeIngest filters the system-wide insert feed down to one user's events.
type RealtimeIngest struct {
	sub    *realtime.Subscription
	selfID string
	emit   func(IngestEvent)
	logger zerolog.Logger
	done   chan struct{}
}

// StartRealtimeIngest subscribes to broker and forwards relevant inserts to emit.
func StartRealtimeIngest(broker realtime.Broker, selfID string, emit func(IngestEvent), logger zerolog.Logger) (*RealtimeIngest, error) {
	sub, err := broker.Subscribe()
	if err != nil {
		return nil, err
	}
	ingest := &RealtimeIngest{
		sub:    sub,
		selfID: selfID,
		emit:   emit,
		logger: logger.With().Str("component", "realtime_ingest").Str("user_id", selfID).Logger(),
		done:   make(chan struct{}),
	}
	go ingest.run()
	return ingest, nil
}

// Close cancels the subscription and waits for the forwarder to stop.
func (i *RealtimeIngest) Close() {
	i.sub.Close()
	<-i.done
}

func (i *RealtimeIngest) run() {
	defer close(i.done)
	for event := range i.sub.Events() {
		if !Relevant(event.Message, i.selfID) {
			observability.ChatRealtimeEvents().WithLabelValues("ignored").Inc()
			continue
		}
		observability.ChatRealtimeEvents().WithLabelValues("relevant").Inc()
		i.logger.Debug().Str("message_id", event.Message.ID).Msg("relevant insert received")
		i.emit(IngestEvent{Message: event.Message})
	}
}
