package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/models"
	"github.com/noah-isme/gema-crm/internal/repository"
)

type failingGroupRepo struct {
	repository.GroupRepository
}

func (failingGroupRepo) ListMemberships(ctx context.Context, userID string) ([]models.ChatGroupMember, error) {
	return nil, errRemote
}

type failingChatRepo struct {
	repository.ChatRepository
}

func (failingChatRepo) LatestDirectPerPeer(ctx context.Context, userID string) ([]models.ChatMessage, error) {
	return nil, errRemote
}

func TestConversationDirectoryGroupsFirstThenDirects(t *testing.T) {
	db := setupServiceTestDB(t)
	ctx := context.Background()
	chat := repository.NewChatRepository(db)
	groups := repository.NewGroupRepository(db)
	roster := repository.NewRosterRepository(db)

	require.NoError(t, db.Create(&models.User{ID: "u2", Name: "Bruno", Email: "bruno@example.com"}).Error)
	require.NoError(t, groups.Create(ctx, &models.ChatGroup{ID: "g1", Name: "Sales"}, []string{"u1", "u2"}))
	require.NoError(t, groups.Create(ctx, &models.ChatGroup{ID: "g-empty", Name: "New group"}, []string{"u1"}))

	base := time.Now().Add(-time.Hour)
	g1 := "g1"
	require.NoError(t, chat.Insert(ctx, &models.ChatMessage{SenderID: "u2", GroupID: &g1, Content: "pipeline review", CreatedAt: base}))
	u2, u3 := "u2", "u3"
	require.NoError(t, chat.Insert(ctx, &models.ChatMessage{SenderID: "u1", RecipientID: &u2, Content: "old", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, chat.Insert(ctx, &models.ChatMessage{SenderID: "u2", RecipientID: strPtr("u1"), Content: "newest", CreatedAt: base.Add(2 * time.Minute)}))
	require.NoError(t, chat.Insert(ctx, &models.ChatMessage{SenderID: "u1", RecipientID: &u3, Content: "hello u3", CreatedAt: base.Add(30 * time.Second)}))

	directory := NewConversationDirectory(chat, groups, roster, nil, testLogger())
	conversations, err := directory.Fetch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, conversations, 4)

	require.Equal(t, dto.ConversationGroup, conversations[0].Kind)
	require.Equal(t, dto.ConversationGroup, conversations[1].Kind)
	byID := map[string]dto.Conversation{}
	for _, conversation := range conversations {
		byID[conversation.ID] = conversation
	}

	require.Nil(t, byID["g-empty"].LastMessage)
	require.Empty(t, byID["g-empty"].Preview())
	require.Equal(t, "pipeline review", byID["g1"].Preview())

	require.Equal(t, dto.ConversationDirect, conversations[2].Kind)
	require.Equal(t, "u2", conversations[2].ID)
	require.Equal(t, "Bruno", conversations[2].Name)
	require.Equal(t, "newest", conversations[2].LastMessage.Content)
	require.Equal(t, "u3", conversations[3].ID)
	require.Equal(t, "u3", conversations[3].Name)
}

func TestConversationDirectoryBranchFailuresAreIndependent(t *testing.T) {
	db := setupServiceTestDB(t)
	ctx := context.Background()
	chat := repository.NewChatRepository(db)
	groups := repository.NewGroupRepository(db)

	require.NoError(t, groups.Create(ctx, &models.ChatGroup{ID: "g1", Name: "Sales"}, []string{"u1"}))
	require.NoError(t, chat.Insert(ctx, &models.ChatMessage{SenderID: "u1", RecipientID: strPtr("u2"), Content: "hi"}))

	directory := NewConversationDirectory(chat, failingGroupRepo{groups}, nil, nil, testLogger())
	conversations, err := directory.Fetch(ctx, "u1")
	require.ErrorIs(t, err, ErrGroupBranchFailed)
	require.ErrorIs(t, err, errRemote)
	require.Len(t, conversations, 1)
	require.Equal(t, "u2", conversations[0].ID)

	directory = NewConversationDirectory(failingChatRepo{chat}, groups, nil, nil, testLogger())
	conversations, err = directory.Fetch(ctx, "u1")
	require.ErrorIs(t, err, ErrDirectBranchFailed)
	require.Len(t, conversations, 1)
	require.Equal(t, "g1", conversations[0].ID)
}

func TestConversationDirectoryUsesLastMessageCache(t *testing.T) {
	db := setupServiceTestDB(t)
	client, _ := newTestRedis(t)
	ctx := context.Background()
	chat := repository.NewChatRepository(db)
	groups := repository.NewGroupRepository(db)
	cache := NewLastMessageCache(client, "test", time.Minute, testLogger())

	require.NoError(t, groups.Create(ctx, &models.ChatGroup{ID: "g1", Name: "Sales"}, []string{"u1"}))
	cache.Put(ctx, ChannelName(groupRef("g1"), "u1"), dto.ChatMessage{ID: "cached", GroupID: "g1", Content: "from cache"})

	directory := NewConversationDirectory(chat, groups, nil, cache, testLogger())
	conversations, err := directory.Fetch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	require.Equal(t, "from cache", conversations[0].LastMessage.Content)
}

func TestConversationDirectoryPlaceholder(t *testing.T) {
	db := setupServiceTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create(&models.User{ID: "u9", Name: "Carla", Email: "carla@example.com"}).Error)

	directory := NewConversationDirectory(repository.NewChatRepository(db), repository.NewGroupRepository(db), repository.NewRosterRepository(db), nil, testLogger())
	placeholder := directory.Placeholder(ctx, "u1", "u9")
	require.True(t, placeholder.Placeholder)
	require.Equal(t, "Carla", placeholder.Name)
	require.Nil(t, placeholder.LastMessage)

	unknown := directory.Placeholder(ctx, "u1", "ghost")
	require.Equal(t, "ghost", unknown.Name)
}

func TestDirectoryViewGenerations(t *testing.T) {
	var view DirectoryView
	first := view.NextGeneration()
	second := view.NextGeneration()

	require.True(t, view.Replace([]dto.Conversation{{Kind: dto.ConversationGroup, ID: "g2"}}, second))
	require.False(t, view.Replace([]dto.Conversation{{Kind: dto.ConversationGroup, ID: "g1"}}, first))
	require.Len(t, view.List(), 1)
	require.Equal(t, "g2", view.List()[0].ID)

	require.True(t, view.AddPlaceholder(dto.Conversation{Kind: dto.ConversationDirect, ID: "u9"}))
	require.False(t, view.AddPlaceholder(dto.Conversation{Kind: dto.ConversationDirect, ID: "u9"}))
	require.True(t, view.Contains(directRef("u9")))
	require.Len(t, view.List(), 2)

	third := view.NextGeneration()
	require.True(t, view.Replace([]dto.Conversation{
		{Kind: dto.ConversationGroup, ID: "g2"},
		{Kind: dto.ConversationDirect, ID: "u9"},
	}, third))
	list := view.List()
	require.Len(t, list, 2)
	require.False(t, list[1].Placeholder)
}

func strPtr(v string) *string {
	return &v
}
