package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-crm/internal/dto"
)

func threadRecord(id, parent string, minute int) dto.ChatMessage {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return dto.ChatMessage{ID: id, ReplyTo: parent, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
}

func threadIDs(threads []Thread[dto.ChatMessage]) map[string][]string {
	out := make(map[string][]string, len(threads))
	for _, thread := range threads {
		ids := make([]string, 0, len(thread.Replies))
		for _, reply := range thread.Replies {
			ids = append(ids, reply.ID)
		}
		out[thread.Root.ID] = ids
	}
	return out
}

func TestBuildThreadsSortsRepliesAndDropsOrphans(t *testing.T) {
	records := []dto.ChatMessage{
		threadRecord("r2", "root-a", 5),
		threadRecord("root-b", "", 2),
		threadRecord("orphan", "missing", 3),
		threadRecord("root-a", "", 1),
		threadRecord("r1", "root-a", 4),
		threadRecord("rb", "root-b", 3),
	}

	threads := BuildThreads(records)
	require.Len(t, threads, 2)
	require.Equal(t, "root-b", threads[0].Root.ID)
	require.Equal(t, "root-a", threads[1].Root.ID)
	require.Equal(t, map[string][]string{
		"root-a": {"r1", "r2"},
		"root-b": {"rb"},
	}, threadIDs(threads))
}

func TestBuildThreadsIsIdempotent(t *testing.T) {
	records := []dto.ChatMessage{
		threadRecord("root", "", 0),
		threadRecord("c", "root", 3),
		threadRecord("a", "root", 1),
		threadRecord("b", "root", 1),
	}

	first := BuildThreads(records)
	second := BuildThreads(records)
	require.Equal(t, first, second)
	require.Equal(t, []string{"a", "b", "c"}, threadIDs(first)["root"])
	require.Equal(t, "c", records[1].ID)
}

func TestBuildThreadsFlattensNestedReplies(t *testing.T) {
	records := []dto.ChatMessage{
		threadRecord("root", "", 0),
		threadRecord("child", "root", 1),
		threadRecord("grandchild", "child", 2),
	}

	threads := BuildThreads(records)
	require.Len(t, threads, 1)
	require.Equal(t, []string{"child", "grandchild"}, threadIDs(threads)["root"])
}

func TestBuildThreadsHandlesCycles(t *testing.T) {
	records := []dto.ChatMessage{
		threadRecord("x", "y", 0),
		threadRecord("y", "x", 1),
	}
	require.Empty(t, BuildThreads(records))
}

func TestBuildThreadsEmptyRootHasNoReplies(t *testing.T) {
	threads := BuildThreads([]dto.ChatMessage{threadRecord("solo", "", 0)})
	require.Len(t, threads, 1)
	require.NotNil(t, threads[0].Replies)
	require.Empty(t, threads[0].Replies)
}
