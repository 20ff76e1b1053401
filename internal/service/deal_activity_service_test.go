package service

import (
	"context"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/repository"
)

func newDealActivityService(t *testing.T) DealActivityService {
	t.Helper()
	db := setupServiceTestDB(t)
	validate := validator.New(validator.WithRequiredStructEnabled())
	return NewDealActivityService(repository.NewDealActivityRepository(db), validate, testLogger())
}

func TestDealActivityThreadsRepliesUnderRoot(t *testing.T) {
	svc := newDealActivityService(t)
	ctx := context.Background()

	root, err := svc.Create(ctx, "deal-1", "u1", dto.DealActivityCreateRequest{Kind: "call", Content: "Called the buyer"})
	require.NoError(t, err)
	reply, err := svc.Create(ctx, "deal-1", "u2", dto.DealActivityCreateRequest{Content: "Follow up Friday", ParentID: root.ID})
	require.NoError(t, err)
	require.Equal(t, "note", reply.Kind)

	nested, err := svc.Create(ctx, "deal-1", "u1", dto.DealActivityCreateRequest{Content: "Done", ParentID: reply.ID})
	require.NoError(t, err)
	require.Equal(t, root.ID, nested.ParentID)

	threads, err := svc.List(ctx, "deal-1")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Equal(t, root.ID, threads[0].Root.ID)
	require.Len(t, threads[0].Replies, 2)
}

func TestDealActivityRejectsForeignParent(t *testing.T) {
	svc := newDealActivityService(t)
	ctx := context.Background()

	other, err := svc.Create(ctx, "deal-2", "u1", dto.DealActivityCreateRequest{Content: "Other deal"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, "deal-1", "u1", dto.DealActivityCreateRequest{Content: "reply", ParentID: other.ID})
	require.ErrorIs(t, err, ErrActivityParentInvalid)

	_, err = svc.Create(ctx, "deal-1", "u1", dto.DealActivityCreateRequest{Content: "reply", ParentID: "missing"})
	require.ErrorIs(t, err, ErrActivityParentInvalid)
}

func TestDealActivityValidatesAndSanitises(t *testing.T) {
	svc := newDealActivityService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "deal-1", "u1", dto.DealActivityCreateRequest{Kind: "fax", Content: "x"})
	require.Error(t, err)

	_, err = svc.Create(ctx, "deal-1", "u1", dto.DealActivityCreateRequest{Content: "<script>alert(1)</script>"})
	require.ErrorIs(t, err, ErrActivityContentEmpty)

	created, err := svc.Create(ctx, "deal-1", "u1", dto.DealActivityCreateRequest{Content: "<b>Signed</b><img src=x onerror=alert(1)>"})
	require.NoError(t, err)
	require.NotContains(t, created.Content, "onerror")
}
