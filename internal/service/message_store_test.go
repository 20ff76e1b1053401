package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-crm/internal/dto"
)

func storeMessage(id string, at time.Time) dto.ChatMessage {
	return dto.ChatMessage{ID: id, SenderID: "u1", GroupID: "g1", Content: id, CreatedAt: at}
}

func TestMessageStoreOptimisticToConfirmed(t *testing.T) {
	store := NewMessageStore()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.True(t, store.Activate(groupRef("g1")))
	require.True(t, store.Apply(groupRef("g1"), []dto.ChatMessage{
		storeMessage("m1", base),
		storeMessage("m2", base.Add(time.Minute)),
	}))

	require.True(t, store.AppendOptimistic(groupRef("g1"), dto.ChatMessage{TempID: "tmp-1", SenderID: "u1", Content: "hi"}))
	entries := store.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, EntryPending, entries[2].Tag)
	require.Equal(t, "tmp-1", entries[2].Key)

	require.True(t, store.Confirm(groupRef("g1"), "tmp-1", storeMessage("m3", base.Add(2*time.Minute))))
	view := store.View()
	require.Len(t, view, 3)
	require.Equal(t, []string{"m1", "m2", "m3"}, []string{view[0].ID, view[1].ID, view[2].ID})
	require.False(t, view[2].Pending)
	require.Zero(t, store.PendingCount())
}

func TestMessageStoreConfirmIsIdempotent(t *testing.T) {
	store := NewMessageStore()
	store.Activate(groupRef("g1"))
	require.True(t, store.AppendOptimistic(groupRef("g1"), dto.ChatMessage{TempID: "tmp-1"}))

	record := storeMessage("m1", time.Now())
	require.True(t, store.Confirm(groupRef("g1"), "tmp-1", record))
	require.False(t, store.Confirm(groupRef("g1"), "tmp-1", record))
	require.Len(t, store.View(), 1)
}

func TestMessageStoreConfirmAfterIngestDoesNotDuplicate(t *testing.T) {
	store := NewMessageStore()
	store.Activate(groupRef("g1"))
	require.True(t, store.AppendOptimistic(groupRef("g1"), dto.ChatMessage{TempID: "tmp-1"}))

	record := storeMessage("m1", time.Now())
	require.True(t, store.Apply(groupRef("g1"), []dto.ChatMessage{record}))
	require.Len(t, store.View(), 2)

	require.True(t, store.Confirm(groupRef("g1"), "tmp-1", record))
	view := store.View()
	require.Len(t, view, 1)
	require.Equal(t, "m1", view[0].ID)
}

func TestMessageStoreRollbackRemovesOnlyPending(t *testing.T) {
	store := NewMessageStore()
	store.Activate(groupRef("g1"))
	store.Apply(groupRef("g1"), []dto.ChatMessage{storeMessage("m1", time.Now())})
	store.AppendOptimistic(groupRef("g1"), dto.ChatMessage{TempID: "tmp-1"})
	store.AppendOptimistic(groupRef("g1"), dto.ChatMessage{TempID: "tmp-2"})

	require.True(t, store.Rollback("tmp-1"))
	require.False(t, store.Rollback("tmp-1"))
	require.False(t, store.Confirm(groupRef("g1"), "tmp-1", storeMessage("m9", time.Now())))

	entries := store.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "m1", entries[0].Key)
	require.Equal(t, "tmp-2", entries[1].Key)
}

func TestMessageStoreSwitchDiscardsStaleLoadAndOverlay(t *testing.T) {
	store := NewMessageStore()
	store.Activate(groupRef("a"))
	store.AppendOptimistic(groupRef("a"), dto.ChatMessage{TempID: "tmp-a"})

	require.True(t, store.Activate(groupRef("b")))
	require.Zero(t, store.PendingCount())
	require.True(t, store.Apply(groupRef("b"), []dto.ChatMessage{storeMessage("b1", time.Now())}))

	require.False(t, store.Apply(groupRef("a"), []dto.ChatMessage{storeMessage("a1", time.Now())}))
	require.False(t, store.AppendOptimistic(groupRef("a"), dto.ChatMessage{TempID: "tmp-late"}))
	require.False(t, store.Confirm(groupRef("a"), "tmp-a", storeMessage("a2", time.Now())))

	view := store.View()
	require.Len(t, view, 1)
	require.Equal(t, "b1", view[0].ID)
}

func TestMessageStoreConfirmAfterReopenStillShowsMessage(t *testing.T) {
	store := NewMessageStore()
	base := time.Now()
	store.Activate(groupRef("a"))
	require.True(t, store.AppendOptimistic(groupRef("a"), dto.ChatMessage{TempID: "tmp-1"}))

	store.Activate(groupRef("b"))
	store.Activate(groupRef("a"))
	// the reload ran before the insert committed
	require.True(t, store.Apply(groupRef("a"), []dto.ChatMessage{storeMessage("a1", base)}))

	record := storeMessage("a2", base.Add(time.Second))
	require.True(t, store.Confirm(groupRef("a"), "tmp-1", record))
	require.False(t, store.Confirm(groupRef("a"), "tmp-1", record))
	view := store.View()
	require.Len(t, view, 2)
	require.Equal(t, "a2", view[1].ID)
	require.False(t, view[1].Pending)

	require.False(t, store.Confirm(groupRef("b"), "tmp-2", storeMessage("b1", base)))
	require.Len(t, store.View(), 2)
}

func TestMessageStoreApplyKeepsLocallyConfirmed(t *testing.T) {
	store := NewMessageStore()
	base := time.Now()
	store.Activate(groupRef("g1"))
	store.AppendOptimistic(groupRef("g1"), dto.ChatMessage{TempID: "tmp-1"})
	store.Confirm(groupRef("g1"), "tmp-1", storeMessage("m2", base.Add(time.Second)))

	// a load issued before the insert landed
	require.True(t, store.Apply(groupRef("g1"), []dto.ChatMessage{storeMessage("m1", base)}))
	view := store.View()
	require.Len(t, view, 2)
	require.Equal(t, "m1", view[0].ID)
	require.Equal(t, "m2", view[1].ID)

	require.True(t, store.Apply(groupRef("g1"), []dto.ChatMessage{storeMessage("m1", base), storeMessage("m2", base.Add(time.Second))}))
	require.Len(t, store.View(), 2)
}

func TestMessageStoreRemove(t *testing.T) {
	store := NewMessageStore()
	store.Activate(directRef("u2"))
	store.Apply(directRef("u2"), []dto.ChatMessage{storeMessage("m1", time.Now()), storeMessage("m2", time.Now())})

	require.True(t, store.Remove("m1"))
	require.False(t, store.Remove("m1"))
	require.Len(t, store.View(), 1)
}
