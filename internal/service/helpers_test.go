package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/models"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.ChatMessage{},
		&models.ChatGroup{},
		&models.ChatGroupMember{},
		&models.User{},
		&models.Sector{},
		&models.Team{},
		&models.DealActivity{},
	))
	return db
}

type staticRoster struct {
	entities []dto.MentionEntity
	err      error
}

func (s staticRoster) Entities(ctx context.Context) ([]dto.MentionEntity, error) {
	return s.entities, s.err
}

// gatewayStub records inserts and answers loads from a fixed list.
type gatewayStub struct {
	mu        sync.Mutex
	drafts    []MessageDraft
	insertErr error
	// release gates Insert when set, letting tests hold a write in flight.
	release  chan struct{}
	messages []dto.ChatMessage
	loadErr  error
	loads    int
	seq      int
}

func (g *gatewayStub) Insert(ctx context.Context, draft MessageDraft) (dto.ChatMessage, error) {
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return dto.ChatMessage{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.drafts = append(g.drafts, draft)
	if g.insertErr != nil {
		return dto.ChatMessage{}, g.insertErr
	}
	g.seq++
	message := dto.ChatMessage{
		ID:               fmt.Sprintf("srv-%d", g.seq),
		SenderID:         draft.SenderID,
		Content:          draft.Content,
		MediaURL:         draft.MediaURL,
		MediaType:        draft.MediaType,
		MentionedUserIDs: draft.MentionedIDs,
		ReplyTo:          draft.ReplyTo,
		CreatedAt:        time.Now().UTC(),
	}
	if draft.Conversation.Kind == dto.ConversationGroup {
		message.GroupID = draft.Conversation.ID
	} else {
		message.RecipientID = draft.Conversation.ID
	}
	return message, nil
}

func (g *gatewayStub) Load(ctx context.Context, selfID string, conversation dto.ConversationRef, opts LoadOptions) ([]dto.ChatMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loads++
	if g.loadErr != nil {
		return nil, g.loadErr
	}
	return append([]dto.ChatMessage(nil), g.messages...), nil
}

func (g *gatewayStub) Thread(ctx context.Context, selfID, rootID string) (dto.ChatThreadResponse, error) {
	return dto.ChatThreadResponse{}, ErrMessageNotFound
}

func (g *gatewayStub) Delete(ctx context.Context, selfID, messageID string) (dto.ChatMessage, error) {
	return dto.ChatMessage{ID: messageID, SenderID: selfID}, nil
}

func (g *gatewayStub) Drafts() []MessageDraft {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]MessageDraft(nil), g.drafts...)
}

type blobStub struct {
	mu        sync.Mutex
	uploaded  map[string][]byte
	deleted   []string
	uploadErr error
}

func newBlobStub() *blobStub {
	return &blobStub{uploaded: make(map[string][]byte)}
}

func (b *blobStub) Upload(ctx context.Context, path string, reader io.Reader) (string, error) {
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploaded[path] = data
	return "https://cdn.example.com/" + path, nil
}

func (b *blobStub) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, path)
	delete(b.uploaded, path)
	return nil
}

func (b *blobStub) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

var errRemote = errors.New("row store unavailable")

func groupRef(id string) dto.ConversationRef {
	return dto.ConversationRef{Kind: dto.ConversationGroup, ID: id}
}

func directRef(peer string) dto.ConversationRef {
	return dto.ConversationRef{Kind: dto.ConversationDirect, ID: peer}
}

// eventRecorder collects pipeline events for assertions.
type eventRecorder struct {
	ch chan DeliveryEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan DeliveryEvent, 32)}
}

func (r *eventRecorder) emit(event DeliveryEvent) {
	r.ch <- event
}

func (r *eventRecorder) next(t *testing.T) DeliveryEvent {
	t.Helper()
	select {
	case event := <-r.ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery event")
		return DeliveryEvent{}
	}
}
