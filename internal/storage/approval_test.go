package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"designer/internal/domain"
	"designer/internal/storage"
)

func TestApprovalStore_Lifecycle(t *testing.T) {
	store := storage.NewApprovalStore(openSQLite(t))

	a := &domain.Approval{ID: "a1", Tool: "delete_project", Description: "Delete project p1"}
	require.NoError(t, store.CreateApproval(a))
	require.NoError(t, store.CreateApproval(&domain.Approval{ID: "a2", Tool: "clear_project_queue"}))

	pending, err := store.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a1", pending[0].ID)
	assert.Equal(t, domain.ApprovalPending, pending[0].Status)
	assert.Equal(t, "{}", pending[0].Metadata)

	require.NoError(t, store.Resolve("a1", true))
	got, err := store.GetApproval("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, got.Status)

	// Only pending approvals can be answered.
	assert.ErrorIs(t, store.Resolve("a1", false), storage.ErrApprovalNotFound)
	assert.ErrorIs(t, store.Resolve("missing", true), storage.ErrApprovalNotFound)

	require.NoError(t, store.Resolve("a2", false))
	got, err = store.GetApproval("a2")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, got.Status)

	pending, err = store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, store.DeleteApproval("a1"))
	_, err = store.GetApproval("a1")
	assert.ErrorIs(t, err, storage.ErrApprovalNotFound)
}
