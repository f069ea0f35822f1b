package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(requester string, requestedAt time.Time, subs ...Submission) *DripRecord {
	success := false
	for _, s := range subs {
		success = success || s.Success
	}
	status := "funding_failed"
	if success {
		status = "success"
	}
	return &DripRecord{
		ID:          uuid.NewString(),
		RequesterID: requester,
		Address:     "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
		Status:      status,
		Success:     success,
		RequestedAt: requestedAt,
		DurationMS:  120,
		Submissions: subs,
	}
}

func TestRecordDrip(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	failure := "broadcast nonce 9: pool full"

	rec := newRecord("user-1", now,
		Submission{Network: "rococo", Address: "5Grw", Success: true, TxHashes: []string{"0xaa"}, Nonces: []int64{8}},
		Submission{Network: "sepolia", Address: "0x1c7D", Success: false, Nonces: []int64{9}, Error: &failure},
	)
	require.NoError(t, store.RecordDrip(ctx, rec))

	got, err := store.GetDrip(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.RequesterID)
	assert.Equal(t, "success", got.Status)
	assert.True(t, got.Success)
	assert.WithinDuration(t, now, got.RequestedAt, time.Microsecond)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)

	require.Len(t, got.Submissions, 2)
	assert.Equal(t, "rococo", got.Submissions[0].Network)
	assert.Equal(t, []string{"0xaa"}, got.Submissions[0].TxHashes)
	assert.Nil(t, got.Submissions[0].Error)
	assert.Equal(t, "sepolia", got.Submissions[1].Network)
	assert.Empty(t, got.Submissions[1].TxHashes)
	assert.Equal(t, []int64{9}, got.Submissions[1].Nonces)
	require.NotNil(t, got.Submissions[1].Error)
	assert.Equal(t, failure, *got.Submissions[1].Error)
}

func TestRecordDrip_NoSubmissions(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	rec := newRecord("user-2", time.Now().UTC())
	rec.Status = "not_initialized"
	require.NoError(t, store.RecordDrip(ctx, rec))

	got, err := store.GetDrip(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Submissions)

	// duplicate ids are rejected
	assert.Error(t, store.RecordDrip(ctx, rec))
}

func TestGetDrip_NotFound(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()

	_, err := store.GetDrip(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListDrips(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := range 3 {
		rec := newRecord("user-1", base.Add(time.Duration(i)*time.Minute),
			Submission{Network: "rococo", Address: "5Grw", Success: true, Nonces: []int64{int64(i)}})
		require.NoError(t, store.RecordDrip(ctx, rec))
	}
	require.NoError(t, store.RecordDrip(ctx, newRecord("user-2", base)))

	t.Run("newest first for one requester", func(t *testing.T) {
		drips, err := store.ListDrips(ctx, ListDripsParams{RequesterID: "user-1", Limit: 10})
		require.NoError(t, err)
		require.Len(t, drips, 3)
		assert.True(t, drips[0].RequestedAt.After(drips[1].RequestedAt))
		require.Len(t, drips[0].Submissions, 1)
		assert.Equal(t, []int64{2}, drips[0].Submissions[0].Nonces)
	})

	t.Run("all requesters", func(t *testing.T) {
		drips, err := store.ListDrips(ctx, ListDripsParams{})
		require.NoError(t, err)
		assert.Len(t, drips, 4)
	})

	t.Run("pagination", func(t *testing.T) {
		drips, err := store.ListDrips(ctx, ListDripsParams{RequesterID: "user-1", Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, drips, 1)
		assert.WithinDuration(t, base, drips[0].RequestedAt, time.Microsecond)
	})

	t.Run("unknown requester", func(t *testing.T) {
		drips, err := store.ListDrips(ctx, ListDripsParams{RequesterID: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, drips)
	})
}
