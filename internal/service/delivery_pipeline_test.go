package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/models"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newTestPipeline(t *testing.T, gateway MessageGateway, blobs BlobStore, previews *MediaPreviews, cfg DeliveryConfig) (*DeliveryPipeline, *eventRecorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	recorder := newEventRecorder()
	roster := staticRoster{entities: []dto.MentionEntity{{ID: "ana-id", Label: "Ana Silva", Kind: MentionKindUser}}}
	pipeline := NewDeliveryPipeline(ctx, NewMentionResolver(roster), gateway, blobs, previews, cfg, recorder.emit, testLogger())
	t.Cleanup(func() {
		cancel()
		pipeline.Close()
	})
	return pipeline, recorder
}

func TestDeliveryPipelineSendTextStagesThenConfirms(t *testing.T) {
	gateway := &gatewayStub{}
	pipeline, events := newTestPipeline(t, gateway, nil, nil, DeliveryConfig{})

	require.NoError(t, pipeline.SendText(groupRef("g1"), "Hey @ana silva <script>x</script>", "u1", SendOptions{}))

	staged := events.next(t)
	require.Equal(t, DeliveryStaged, staged.Kind)
	require.True(t, strings.HasPrefix(staged.TempID, TempIDPrefix))
	require.True(t, staged.Message.Pending)
	require.Equal(t, "g1", staged.Message.GroupID)
	require.NotContains(t, staged.Message.Content, "<script>")
	require.Equal(t, []string{"ana-id"}, staged.Message.MentionedUserIDs)

	confirmed := events.next(t)
	require.Equal(t, DeliveryConfirmed, confirmed.Kind)
	require.Equal(t, staged.TempID, confirmed.TempID)
	require.NotEmpty(t, confirmed.Message.ID)

	drafts := gateway.Drafts()
	require.Len(t, drafts, 1)
	require.Equal(t, []string{"ana-id"}, drafts[0].MentionedIDs)
}

func TestDeliveryPipelineDetectsLabelsWithEscapedCharacters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recorder := newEventRecorder()
	roster := staticRoster{entities: []dto.MentionEntity{
		{ID: "rd", Label: "R&D Team", Kind: MentionKindTeam},
		{ID: "obrien", Label: "O'Brien", Kind: MentionKindUser},
	}}
	gateway := &gatewayStub{}
	pipeline := NewDeliveryPipeline(ctx, NewMentionResolver(roster), gateway, nil, nil, DeliveryConfig{}, recorder.emit, testLogger())
	defer pipeline.Close()

	require.NoError(t, pipeline.SendText(groupRef("g1"), "ask @R&D Team and @O'Brien <b>now</b>", "u1", SendOptions{}))

	staged := recorder.next(t)
	require.Equal(t, DeliveryStaged, staged.Kind)
	require.Equal(t, []string{"rd", "obrien"}, staged.Message.MentionedUserIDs)
	require.Contains(t, staged.Message.Content, "R&amp;D Team")

	require.Equal(t, DeliveryConfirmed, recorder.next(t).Kind)
	drafts := gateway.Drafts()
	require.Len(t, drafts, 1)
	require.Equal(t, []string{"rd", "obrien"}, drafts[0].MentionedIDs)
}

func TestDeliveryPipelineFailedInsertEmitsDestructiveToast(t *testing.T) {
	gateway := &gatewayStub{insertErr: errRemote}
	pipeline, events := newTestPipeline(t, gateway, nil, nil, DeliveryConfig{})

	require.NoError(t, pipeline.SendText(directRef("u2"), "hello", "u1", SendOptions{}))

	staged := events.next(t)
	require.Equal(t, DeliveryStaged, staged.Kind)
	require.Equal(t, "u2", staged.Message.RecipientID)

	failed := events.next(t)
	require.Equal(t, DeliveryFailed, failed.Kind)
	require.Equal(t, staged.TempID, failed.TempID)
	require.ErrorIs(t, failed.Err, errRemote)
	require.NotNil(t, failed.Toast)
	require.Equal(t, dto.ToastDestructive, failed.Toast.Variant)
	require.Contains(t, failed.Toast.Description, errRemote.Error())
}

func TestDeliveryPipelinePreservesCallOrder(t *testing.T) {
	gateway := &gatewayStub{release: make(chan struct{})}
	pipeline, events := newTestPipeline(t, gateway, nil, nil, DeliveryConfig{})

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, pipeline.SendText(groupRef("g1"), text, "u1", SendOptions{}))
	}

	var staged []string
	for i := 0; i < 3; i++ {
		event := events.next(t)
		require.Equal(t, DeliveryStaged, event.Kind)
		staged = append(staged, event.Message.Content)
	}
	require.Equal(t, []string{"one", "two", "three"}, staged)

	close(gateway.release)
	for i := 0; i < 3; i++ {
		require.Equal(t, DeliveryConfirmed, events.next(t).Kind)
	}
}

func TestDeliveryPipelineRejectsInvalidSends(t *testing.T) {
	pipeline, _ := newTestPipeline(t, &gatewayStub{}, nil, nil, DeliveryConfig{})

	require.ErrorIs(t, pipeline.SendText(dto.ConversationRef{}, "hi", "u1", SendOptions{}), ErrConversationInvalid)
	require.ErrorIs(t, pipeline.SendText(groupRef("g1"), "   ", "u1", SendOptions{}), ErrMessageEmpty)
	require.ErrorIs(t, pipeline.SendMedia(groupRef("g1"), MediaUpload{Data: pngHeader}, "u1", SendOptions{}), ErrMediaUnavailable)
}

func TestDeliveryPipelineSanitisedToNothingFails(t *testing.T) {
	pipeline, events := newTestPipeline(t, &gatewayStub{}, nil, nil, DeliveryConfig{})

	require.NoError(t, pipeline.SendText(groupRef("g1"), "<script>alert(1)</script>", "u1", SendOptions{}))
	failed := events.next(t)
	require.Equal(t, DeliveryFailed, failed.Kind)
	require.Empty(t, failed.TempID)
	require.ErrorIs(t, failed.Err, ErrMessageEmpty)
}

func TestDeliveryPipelineMediaUsesPreviewUntilConfirmed(t *testing.T) {
	gateway := &gatewayStub{}
	blobs := newBlobStub()
	previews := NewMediaPreviews()
	pipeline, events := newTestPipeline(t, gateway, blobs, previews, DeliveryConfig{})

	require.NoError(t, pipeline.SendMedia(groupRef("g1"), MediaUpload{FileName: "photo.png", Data: pngHeader}, "u1", SendOptions{}))

	staged := events.next(t)
	require.Equal(t, DeliveryStaged, staged.Kind)
	require.Equal(t, models.MediaKindImage, staged.Message.MediaType)
	require.True(t, strings.HasPrefix(staged.Message.MediaURL, PreviewPathPrefix))

	confirmed := events.next(t)
	require.Equal(t, DeliveryConfirmed, confirmed.Kind)
	require.True(t, strings.HasPrefix(confirmed.Message.MediaURL, "https://cdn.example.com/chat/image/"))
	require.Equal(t, staged.Message.MediaURL, PreviewURL(confirmed.PreviewToken))

	// the preview keeps resolving until the owner has swapped in the stored copy
	_, ok := previews.Get(confirmed.PreviewToken)
	require.True(t, ok)
	pipeline.ReleasePreview(confirmed.PreviewToken)
	require.Zero(t, previews.Len())

	drafts := gateway.Drafts()
	require.Len(t, drafts, 1)
	require.True(t, strings.HasPrefix(drafts[0].MediaPath, "chat/image/"))
}

func TestDeliveryPipelineMediaInsertFailureRemovesBlob(t *testing.T) {
	gateway := &gatewayStub{insertErr: errRemote}
	blobs := newBlobStub()
	previews := NewMediaPreviews()
	pipeline, events := newTestPipeline(t, gateway, blobs, previews, DeliveryConfig{})

	require.NoError(t, pipeline.SendMedia(directRef("u2"), MediaUpload{FileName: "notes.txt", Data: []byte("plain notes")}, "u1", SendOptions{}))

	staged := events.next(t)
	require.Equal(t, models.MediaKindFile, staged.Message.MediaType)
	require.Equal(t, "notes.txt", staged.Message.Content)

	failed := events.next(t)
	require.Equal(t, DeliveryFailed, failed.Kind)
	require.Equal(t, staged.TempID, failed.TempID)
	require.NotEmpty(t, failed.PreviewToken)
	require.Equal(t, 1, previews.Len())
	pipeline.ReleasePreview(failed.PreviewToken)
	require.Zero(t, previews.Len())
	require.Len(t, blobs.Deleted(), 1)
	require.True(t, strings.HasPrefix(blobs.Deleted()[0], "chat/file/"))
}

func TestDeliveryPipelineMediaUploadFailure(t *testing.T) {
	blobs := newBlobStub()
	blobs.uploadErr = errRemote
	previews := NewMediaPreviews()
	gateway := &gatewayStub{}
	pipeline, events := newTestPipeline(t, gateway, blobs, previews, DeliveryConfig{})

	require.NoError(t, pipeline.SendMedia(groupRef("g1"), MediaUpload{Data: pngHeader}, "u1", SendOptions{}))
	require.Equal(t, DeliveryStaged, events.next(t).Kind)

	failed := events.next(t)
	require.Equal(t, DeliveryFailed, failed.Kind)
	require.Equal(t, "Upload failed", failed.Toast.Title)
	require.Equal(t, 1, previews.Len())
	pipeline.ReleasePreview(failed.PreviewToken)
	require.Zero(t, previews.Len())
	require.Empty(t, gateway.Drafts())
}

func TestDeliveryPipelineMediaTooLarge(t *testing.T) {
	pipeline, _ := newTestPipeline(t, &gatewayStub{}, newBlobStub(), nil, DeliveryConfig{MaxMediaBytes: 8})

	err := pipeline.SendMedia(groupRef("g1"), MediaUpload{Data: pngHeader}, "u1", SendOptions{})
	require.ErrorIs(t, err, ErrMediaTooLarge)
	require.Contains(t, err.Error(), "8 B")
}

func TestDeliveryPipelineClosedRejectsSends(t *testing.T) {
	pipeline, _ := newTestPipeline(t, &gatewayStub{}, nil, nil, DeliveryConfig{})
	pipeline.Close()
	pipeline.Close()

	require.ErrorIs(t, pipeline.SendText(groupRef("g1"), "hi", "u1", SendOptions{}), ErrPipelineClosed)
}

func TestMediaKind(t *testing.T) {
	require.Equal(t, models.MediaKindImage, mediaKind("image/png"))
	require.Equal(t, models.MediaKindAudio, mediaKind("audio/ogg"))
	require.Equal(t, models.MediaKindVideo, mediaKind("video/mp4"))
	require.Equal(t, models.MediaKindFile, mediaKind("application/pdf"))
}
