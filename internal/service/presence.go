package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/observability"
	"github.com/noah-isme/gema-crm/internal/realtime"
)

const (
	defaultTypingDebounce = 3 * time.Second
	presenceWriteTimeout  = 5 * time.Second
)

// ErrConversationInvalid indicates a missing or malformed conversation reference.
var ErrConversationInvalid = errors.New("conversation reference invalid")

// PresenceBus opens per-conversation presence channels.
type PresenceBus interface {
	Join(ctx context.Context, conversation dto.ConversationRef, selfID string) (*PresenceHandle, error)
}

type presenceBus struct {
	transport realtime.PresenceTransport
	debounce  time.Duration
	logger    zerolog.Logger
}

// NewPresenceBus builds a presence bus over the given transport. Typing expires after debounce.
func NewPresenceBus(transport realtime.PresenceTransport, debounce time.Duration, logger zerolog.Logger) PresenceBus {
	if debounce <= 0 {
		debounce = defaultTypingDebounce
	}
	return &presenceBus{
		transport: transport,
		debounce:  debounce,
		logger:    logger.With().Str("component", "presence_bus").Logger(),
	}
}

// ChannelName returns the presence channel for a conversation. Direct channels order
// the two participant ids so both peers derive the same name.
func ChannelName(conversation dto.ConversationRef, selfID string) string {
	switch conversation.Kind {
	case dto.ConversationGroup:
		return "group:" + conversation.ID
	case dto.ConversationDirect:
		a, b := selfID, conversation.ID
		if b < a {
			a, b = b, a
		}
		return "dm:" + a + ":" + b
	default:
		return ""
	}
}

func (b *presenceBus) Join(ctx context.Context, conversation dto.ConversationRef, selfID string) (*PresenceHandle, error) {
	name := ChannelName(conversation, selfID)
	if name == "" || selfID == "" {
		return nil, ErrConversationInvalid
	}

	channel, err := b.transport.Join(ctx, name)
	if err != nil {
		observability.ChatPresenceUpdates().WithLabelValues("join_error").Inc()
		return nil, err
	}

	handle := &PresenceHandle{
		conversation: conversation,
		selfID:       selfID,
		channel:      channel,
		debounce:     b.debounce,
		done:         make(chan struct{}),
		logger:       b.logger.With().Str("channel", name).Str("user_id", selfID).Logger(),
	}
	go handle.watch()
	if interval := b.transport.TTL() / 2; interval > 0 {
		go handle.heartbeat(interval)
	}

	return handle, nil
}

// PresenceHandle is one user's membership of a presence channel. It must be released with Leave.
type PresenceHandle struct {
	conversation dto.ConversationRef
	selfID       string
	channel      realtime.PresenceChannel
	debounce     time.Duration
	logger       zerolog.Logger

	mu         sync.Mutex
	typing     bool
	recording  bool
	expiry     *time.Timer
	generation uint64
	onChange   func(typing, recording []string)
	last       []dto.PresenceState
	left       bool

	done      chan struct{}
	leaveOnce sync.Once
}

// Conversation returns the conversation the handle belongs to.
func (h *PresenceHandle) Conversation() dto.ConversationRef {
	return h.conversation
}

// SetTyping broadcasts the typing flag. Setting it clears recording, and a true
// value expires on its own unless renewed within the debounce window.
func (h *PresenceHandle) SetTyping(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.left {
		return
	}

	h.generation++
	if h.expiry != nil {
		h.expiry.Stop()
		h.expiry = nil
	}

	if active {
		gen := h.generation
		h.expiry = time.AfterFunc(h.debounce, func() { h.expireTyping(gen) })
		if h.typing && !h.recording {
			return
		}
		h.typing, h.recording = true, false
		h.broadcastLocked()
		return
	}

	if !h.typing {
		return
	}
	h.typing = false
	h.broadcastLocked()
}

// SetRecording broadcasts the recording flag. Setting it clears typing.
func (h *PresenceHandle) SetRecording(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.left {
		return
	}

	if active {
		h.generation++
		if h.expiry != nil {
			h.expiry.Stop()
			h.expiry = nil
		}
		if h.recording && !h.typing {
			return
		}
		h.typing, h.recording = false, true
		h.broadcastLocked()
		return
	}

	if !h.recording {
		return
	}
	h.recording = false
	h.broadcastLocked()
}

// OnChange registers the callback receiving the other users currently typing and recording.
// The callback runs on the handle's watcher goroutine.
func (h *PresenceHandle) OnChange(callback func(typing, recording []string)) {
	h.mu.Lock()
	h.onChange = callback
	last := h.last
	h.mu.Unlock()

	if callback != nil && last != nil {
		typing, recording := h.others(last)
		callback(typing, recording)
	}
}

// Leave clears the caller's tuple and releases the channel. It is safe to call more than once.
func (h *PresenceHandle) Leave() {
	h.leaveOnce.Do(func() {
		h.mu.Lock()
		h.left = true
		h.generation++
		if h.expiry != nil {
			h.expiry.Stop()
			h.expiry = nil
		}
		h.onChange = nil
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
		defer cancel()
		if err := h.channel.Untrack(ctx, h.selfID); err != nil {
			h.logger.Warn().Err(err).Msg("failed to clear presence on leave")
		}

		close(h.done)
		if err := h.channel.Close(); err != nil {
			h.logger.Debug().Err(err).Msg("presence channel close returned error")
		}
	})
}

// heartbeat re-tracks an active tuple so readers do not prune it as stale while
// the user keeps typing or recording.
func (h *PresenceHandle) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			if !h.left && (h.typing || h.recording) {
				h.broadcastLocked()
			}
			h.mu.Unlock()
		}
	}
}

func (h *PresenceHandle) expireTyping(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.left || gen != h.generation || !h.typing {
		return
	}
	h.expiry = nil
	h.typing = false
	h.broadcastLocked()
}

// broadcastLocked publishes the full tuple. Failures are logged and never surfaced.
func (h *PresenceHandle) broadcastLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
	defer cancel()

	state := dto.PresenceState{
		UserID:    h.selfID,
		Typing:    h.typing,
		Recording: h.recording,
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.channel.Track(ctx, state); err != nil {
		observability.ChatPresenceUpdates().WithLabelValues("error").Inc()
		h.logger.Warn().Err(err).Msg("failed to broadcast presence")
		return
	}
	observability.ChatPresenceUpdates().WithLabelValues("ok").Inc()
}

func (h *PresenceHandle) watch() {
	for {
		select {
		case <-h.done:
			return
		case states := <-h.channel.Sync():
			h.mu.Lock()
			h.last = states
			callback := h.onChange
			h.mu.Unlock()

			if callback == nil {
				continue
			}
			typing, recording := h.others(states)
			callback(typing, recording)
		}
	}
}

func (h *PresenceHandle) others(states []dto.PresenceState) ([]string, []string) {
	typing := make(map[string]struct{})
	recording := make(map[string]struct{})
	for _, state := range states {
		if state.UserID == h.selfID {
			continue
		}
		if state.Typing {
			typing[state.UserID] = struct{}{}
		}
		if state.Recording {
			recording[state.UserID] = struct{}{}
		}
	}
	return dto.SortedIDs(typing), dto.SortedIDs(recording)
}
