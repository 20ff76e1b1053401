package service

import (
	"context"
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/observability"
	"github.com/noah-isme/gema-crm/internal/realtime"
)

const (
	sessionEventBuffer  = 128
	sessionUpdateBuffer = 64
)

var (
	// ErrSessionClosed indicates a command submitted after the session stopped.
	ErrSessionClosed = errors.New("chat session closed")
	// ErrCommandRateLimited indicates the client is sending commands too fast.
	ErrCommandRateLimited = errors.New("too many chat commands")
	// ErrNoActiveConversation indicates a command that needs an open conversation.
	ErrNoActiveConversation = errors.New("no conversation is open")
)

// SessionConfig tunes a session.
type SessionConfig struct {
	HistoryLimit  int
	MaxMediaBytes int64
	CommandRate   float64
	CommandBurst  int
}

// SessionDeps are the collaborators shared by every session of the process.
type SessionDeps struct {
	Directory ConversationDirectory
	Gateway   MessageGateway
	Presence  PresenceBus
	Mentions  MentionResolver
	Broker    realtime.Broker
	Blobs     BlobStore
	Previews  *MediaPreviews
	Validator *validator.Validate
	Config    SessionConfig
	Logger    zerolog.Logger
}

// Session is one connected user's conversation engine. It owns the directory view,
// the message store, the presence handle, the delivery pipeline and the ingest
// subscription. All state is mutated on the goroutine running Run; collaborators
// report back by posting events.
type Session struct {
	deps    SessionDeps
	selfID  string
	limiter *rate.Limiter
	logger  zerolog.Logger

	events  chan any
	updates chan dto.SessionUpdate
	quit    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	joins     sync.WaitGroup

	// loop-owned state
	ctx        context.Context
	directory  DirectoryView
	store      *MessageStore
	presence   *PresenceHandle
	pipeline   *DeliveryPipeline
	ingest     *RealtimeIngest
	roster     []dto.MentionEntity
	loadSeq    uint64
	appliedSeq uint64
}

type commandEvent struct{ cmd dto.ClientCommand }

type toastEvent struct{ toast dto.Toast }

type directoryLoaded struct {
	generation    uint64
	conversations []dto.Conversation
	err           error
}

type messagesLoaded struct {
	seq          uint64
	conversation dto.ConversationRef
	messages     []dto.ChatMessage
	err          error
}

type presenceJoined struct {
	conversation dto.ConversationRef
	handle       *PresenceHandle
	err          error
}

type presenceChanged struct {
	conversation dto.ConversationRef
	typing       []string
	recording    []string
}

type placeholderReady struct{ conversation dto.Conversation }

type rosterLoaded struct {
	entities []dto.MentionEntity
	err      error
}

type messageDeleted struct {
	message dto.ChatMessage
	err     error
}

// NewSession prepares a session for selfID. Call Run to start it.
func NewSession(deps SessionDeps, selfID string) *Session {
	if deps.Validator == nil {
		deps.Validator = validator.New(validator.WithRequiredStructEnabled())
	}
	if deps.Config.CommandRate <= 0 {
		deps.Config.CommandRate = 20
	}
	if deps.Config.CommandBurst <= 0 {
		deps.Config.CommandBurst = 40
	}
	if deps.Config.HistoryLimit <= 0 {
		deps.Config.HistoryLimit = 100
	}

	return &Session{
		deps:    deps,
		selfID:  selfID,
		limiter: rate.NewLimiter(rate.Limit(deps.Config.CommandRate), deps.Config.CommandBurst),
		logger:  deps.Logger.With().Str("component", "chat_session").Str("user_id", selfID).Logger(),
		events:  make(chan any, sessionEventBuffer),
		updates: make(chan dto.SessionUpdate, sessionUpdateBuffer),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		store:   NewMessageStore(),
	}
}

// Updates returns the frames to push to the browser. It is closed when Run returns.
func (s *Session) Updates() <-chan dto.SessionUpdate {
	return s.updates
}

// Submit queues a client command. Invalid or rate-limited commands are rejected
// with an error and a toast.
func (s *Session) Submit(cmd dto.ClientCommand) error {
	if err := s.deps.Validator.Struct(cmd); err != nil {
		s.post(toastEvent{toast: destructiveToast("Invalid request", err.Error())})
		return err
	}
	if cmd.Conversation != nil {
		if err := s.deps.Validator.Struct(cmd.Conversation); err != nil {
			s.post(toastEvent{toast: destructiveToast("Invalid conversation", err.Error())})
			return err
		}
	}
	if !s.limiter.Allow() {
		s.post(toastEvent{toast: destructiveToast("Slow down", "You are sending messages too quickly.")})
		return ErrCommandRateLimited
	}
	if !s.post(commandEvent{cmd: cmd}) {
		return ErrSessionClosed
	}
	return nil
}

// Close stops the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

// Run processes events until ctx is cancelled or Close is called. Every resource
// acquired by the session is released before Run returns.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx

	observability.ChatSessionsActive().Inc()
	s.logger.Info().Msg("chat session started")

	defer func() {
		close(s.stopped)
		cancel()
		s.joins.Wait()
		s.drain()
		if s.presence != nil {
			s.presence.Leave()
			s.presence = nil
		}
		if s.ingest != nil {
			s.ingest.Close()
		}
		s.pipeline.Close()
		close(s.updates)
		observability.ChatSessionsActive().Dec()
		s.logger.Info().Msg("chat session stopped")
	}()

	s.pipeline = NewDeliveryPipeline(ctx, s.deps.Mentions, s.deps.Gateway, s.deps.Blobs, s.deps.Previews, DeliveryConfig{
		MaxMediaBytes: s.deps.Config.MaxMediaBytes,
	}, func(event DeliveryEvent) {
		if !s.post(event) {
			s.pipeline.ReleasePreview(event.PreviewToken)
		}
	}, s.deps.Logger)

	if s.deps.Broker != nil {
		ingest, err := StartRealtimeIngest(s.deps.Broker, s.selfID, func(event IngestEvent) { s.post(event) }, s.deps.Logger)
		if err != nil {
			s.logger.Error().Err(err).Msg("realtime subscription failed")
			s.pushToast(destructiveToast("Live updates unavailable", err.Error()))
		} else {
			s.ingest = ingest
		}
	}

	s.loadRoster()
	s.refreshDirectory()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case event := <-s.events:
			s.handle(event)
		}
	}
}

func (s *Session) post(event any) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.events <- event:
		return true
	case <-s.stopped:
		return false
	}
}

// drain releases resources carried by events that arrived after the loop stopped.
// Pending presence joins must have returned before it runs.
func (s *Session) drain() {
	for {
		select {
		case event := <-s.events:
			switch ev := event.(type) {
			case presenceJoined:
				if ev.handle != nil {
					ev.handle.Leave()
				}
			case DeliveryEvent:
				s.pipeline.ReleasePreview(ev.PreviewToken)
			}
		default:
			return
		}
	}
}

// tryPost never blocks; it is used for events that a later event supersedes.
func (s *Session) tryPost(event any) {
	select {
	case <-s.stopped:
	case s.events <- event:
	default:
		s.logger.Debug().Type("event", event).Msg("session queue full; event coalesced")
	}
}

func (s *Session) handle(event any) {
	switch ev := event.(type) {
	case commandEvent:
		s.handleCommand(ev.cmd)
	case toastEvent:
		s.pushToast(ev.toast)
	case DeliveryEvent:
		s.handleDelivery(ev)
	case IngestEvent:
		route := Route(ev.Message, s.selfID, s.store.Active())
		if route.RefreshDirectory {
			s.refreshDirectory()
		}
		if route.ReloadActive {
			s.loadActive()
		}
	case directoryLoaded:
		if ev.err != nil {
			s.pushToast(destructiveToast("Could not load conversations", ev.err.Error()))
		}
		if s.directory.Replace(ev.conversations, ev.generation) {
			s.pushDirectory()
		}
	case messagesLoaded:
		s.handleLoaded(ev)
	case presenceJoined:
		s.handlePresenceJoined(ev)
	case presenceChanged:
		if s.presence != nil && s.presence.Conversation() == ev.conversation {
			conversation := ev.conversation
			s.push(dto.SessionUpdate{Type: dto.UpdatePresence, Conversation: &conversation, Typing: ev.typing, Recording: ev.recording})
		}
	case placeholderReady:
		if s.directory.AddPlaceholder(ev.conversation) {
			s.pushDirectory()
		}
	case rosterLoaded:
		if ev.err != nil {
			s.logger.Warn().Err(ev.err).Msg("roster unavailable; mentions render as plain text")
			return
		}
		s.roster = ev.entities
		if !s.store.Active().IsZero() {
			s.pushMessages()
		}
	case messageDeleted:
		if ev.err != nil {
			s.pushToast(destructiveToast("Could not delete message", ev.err.Error()))
			return
		}
		if s.store.Remove(ev.message.ID) {
			s.pushMessages()
		}
		s.refreshDirectory()
	default:
		s.logger.Warn().Type("event", event).Msg("unknown session event")
	}
}

func (s *Session) handleCommand(cmd dto.ClientCommand) {
	switch cmd.Type {
	case dto.CommandOpen:
		if cmd.Conversation == nil || cmd.Conversation.IsZero() {
			s.pushToast(destructiveToast("Invalid conversation", ErrConversationInvalid.Error()))
			return
		}
		s.open(*cmd.Conversation)
	case dto.CommandSendText:
		conversation, ok := s.target(cmd)
		if !ok {
			return
		}
		if err := s.pipeline.SendText(conversation, cmd.Text, s.selfID, SendOptions{ReplyTo: cmd.ReplyTo}); err != nil {
			s.pushToast(destructiveToast("Message not sent", err.Error()))
		}
	case dto.CommandSendMedia:
		conversation, ok := s.target(cmd)
		if !ok {
			return
		}
		upload := MediaUpload{FileName: cmd.FileName, Data: cmd.Data}
		if err := s.pipeline.SendMedia(conversation, upload, s.selfID, SendOptions{ReplyTo: cmd.ReplyTo}); err != nil {
			s.pushToast(destructiveToast("Upload failed", err.Error()))
		}
	case dto.CommandTyping:
		if s.presence != nil {
			s.presence.SetTyping(cmd.Active)
		}
	case dto.CommandRecording:
		if s.presence != nil {
			s.presence.SetRecording(cmd.Active)
		}
	case dto.CommandRefresh:
		s.refreshDirectory()
		s.loadActive()
	case dto.CommandDeleteMessage:
		if cmd.MessageID == "" {
			return
		}
		s.deleteMessage(cmd.MessageID)
	}
}

func (s *Session) target(cmd dto.ClientCommand) (dto.ConversationRef, bool) {
	conversation := s.store.Active()
	if cmd.Conversation != nil && !cmd.Conversation.IsZero() {
		conversation = *cmd.Conversation
	}
	if conversation.IsZero() {
		s.pushToast(destructiveToast("Message not sent", ErrNoActiveConversation.Error()))
		return dto.ConversationRef{}, false
	}
	return conversation, true
}

// open makes conversation active, moving the presence subscription with it.
func (s *Session) open(conversation dto.ConversationRef) {
	if s.store.Activate(conversation) {
		if s.presence != nil {
			go s.presence.Leave()
			s.presence = nil
		}
		s.joinPresence(conversation)
		s.pushMessages()

		if conversation.Kind == dto.ConversationDirect && !s.directory.Contains(conversation) {
			s.placeholder(conversation.ID)
		}
	}
	s.loadActive()
}

// handleDelivery applies a pipeline event. A media preview is released only
// after the confirmed or rolled back state has been pushed.
func (s *Session) handleDelivery(ev DeliveryEvent) {
	defer s.pipeline.ReleasePreview(ev.PreviewToken)

	switch ev.Kind {
	case DeliveryStaged:
		if s.presence != nil && s.presence.Conversation() == ev.Conversation {
			s.presence.SetTyping(false)
		}
		// replies live in the thread view; the main timeline only shows their count
		if ev.Message.ReplyTo != "" {
			return
		}
		if s.store.AppendOptimistic(ev.Conversation, ev.Message) {
			s.pushMessages()
		}
	case DeliveryConfirmed:
		if ev.Message.ReplyTo != "" {
			if s.store.IsActive(ev.Conversation) {
				s.loadActive()
			}
			return
		}
		if s.store.Confirm(ev.Conversation, ev.TempID, ev.Message) {
			s.pushMessages()
		}
	case DeliveryFailed:
		if ev.TempID != "" && s.store.Rollback(ev.TempID) {
			s.pushMessages()
		}
		if ev.Toast != nil {
			s.pushToast(*ev.Toast)
		}
	}
}

func (s *Session) handleLoaded(ev messagesLoaded) {
	if ev.seq <= s.appliedSeq {
		return
	}
	if ev.err != nil {
		if s.store.IsActive(ev.conversation) {
			s.pushToast(destructiveToast("Could not load messages", ev.err.Error()))
		}
		return
	}
	if s.store.Apply(ev.conversation, ev.messages) {
		s.appliedSeq = ev.seq
		s.pushMessages()
	}
}

func (s *Session) handlePresenceJoined(ev presenceJoined) {
	if ev.err != nil {
		s.logger.Warn().Err(ev.err).Str("conversation", ev.conversation.Key()).Msg("presence unavailable")
		return
	}
	if !s.store.IsActive(ev.conversation) || s.presence != nil {
		ev.handle.Leave()
		return
	}
	s.presence = ev.handle
	conversation := ev.conversation
	s.presence.OnChange(func(typing, recording []string) {
		s.tryPost(presenceChanged{conversation: conversation, typing: typing, recording: recording})
	})
}

func (s *Session) joinPresence(conversation dto.ConversationRef) {
	if s.deps.Presence == nil {
		return
	}
	ctx := s.ctx
	s.joins.Add(1)
	go func() {
		defer s.joins.Done()
		handle, err := s.deps.Presence.Join(ctx, conversation, s.selfID)
		if !s.post(presenceJoined{conversation: conversation, handle: handle, err: err}) && handle != nil {
			handle.Leave()
		}
	}()
}

func (s *Session) refreshDirectory() {
	if s.deps.Directory == nil {
		return
	}
	generation := s.directory.NextGeneration()
	ctx := s.ctx
	go func() {
		conversations, err := s.deps.Directory.Fetch(ctx, s.selfID)
		s.post(directoryLoaded{generation: generation, conversations: conversations, err: err})
	}()
}

func (s *Session) loadActive() {
	conversation := s.store.Active()
	if conversation.IsZero() || s.deps.Gateway == nil {
		return
	}
	s.loadSeq++
	seq := s.loadSeq
	ctx := s.ctx
	limit := s.deps.Config.HistoryLimit
	go func() {
		messages, err := s.deps.Gateway.Load(ctx, s.selfID, conversation, LoadOptions{Limit: limit})
		s.post(messagesLoaded{seq: seq, conversation: conversation, messages: messages, err: err})
	}()
}

func (s *Session) placeholder(peerID string) {
	if s.deps.Directory == nil {
		return
	}
	ctx := s.ctx
	go func() {
		s.post(placeholderReady{conversation: s.deps.Directory.Placeholder(ctx, s.selfID, peerID)})
	}()
}

func (s *Session) loadRoster() {
	if s.deps.Mentions == nil {
		return
	}
	ctx := s.ctx
	go func() {
		entities, err := s.deps.Mentions.Roster(ctx)
		s.post(rosterLoaded{entities: entities, err: err})
	}()
}

func (s *Session) deleteMessage(id string) {
	ctx := s.ctx
	go func() {
		message, err := s.deps.Gateway.Delete(ctx, s.selfID, id)
		s.post(messageDeleted{message: message, err: err})
	}()
}

func (s *Session) pushDirectory() {
	s.push(dto.SessionUpdate{Type: dto.UpdateDirectory, Conversations: s.directory.List()})
}

func (s *Session) pushMessages() {
	conversation := s.store.Active()
	messages := s.store.View()
	for i := range messages {
		if len(messages[i].MentionedUserIDs) > 0 {
			messages[i].Spans = ParseMentions(messages[i].Content, messages[i].MentionedUserIDs, s.roster)
		}
	}
	s.push(dto.SessionUpdate{Type: dto.UpdateMessages, Conversation: &conversation, Messages: messages})
}

func (s *Session) pushToast(toast dto.Toast) {
	s.push(dto.SessionUpdate{Type: dto.UpdateToast, Toast: &toast})
}

func (s *Session) push(update dto.SessionUpdate) {
	select {
	case s.updates <- update:
	default:
		s.logger.Warn().Str("type", update.Type).Msg("session update dropped; client not keeping up")
	}
}

func destructiveToast(title, description string) dto.Toast {
	return dto.Toast{Variant: dto.ToastDestructive, Title: title, Description: description}
}
