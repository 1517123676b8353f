package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "chat.json"))
	require.NoError(t, err)

	now := baseTime.Add(8 * 24 * time.Hour)
	old := newTestMessage(baseTime)
	fresh := newTestMessage(now.Add(-time.Hour))
	require.NoError(t, store.Append(ctx, old))
	require.NoError(t, store.Append(ctx, fresh))

	require.NoError(t, store.UpsertMuteRecord(ctx, &models.MuteRecord{
		SenderAddress: old.SenderAddress,
		MutedUntil:    now.Add(-time.Minute),
		Kind:          models.KindMute,
	}))
	require.NoError(t, store.UpsertMuteRecord(ctx, &models.MuteRecord{
		SenderAddress: fresh.SenderAddress,
		MutedUntil:    now.Add(time.Hour),
		Kind:          models.KindBlock,
	}))

	sweeper := NewSweeper(store, 7*24*time.Hour, time.Hour)
	sweeper.now = func() time.Time { return now }

	messages, mutes, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), messages)
	assert.Equal(t, int64(1), mutes)

	_, err = store.GetMessage(ctx, old.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	rec, err := store.GetMuteRecord(ctx, fresh.SenderAddress)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "chat.json"))
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), newTestMessage(baseTime)))

	sweeper := NewSweeper(store, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	assert.Eventually(t, func() bool {
		msgs, _ := store.ListRecent(context.Background(), 10, 0)
		return len(msgs) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_Disabled(t *testing.T) {
	sweeper := NewSweeper(nil, time.Hour, 0)
	assert.NoError(t, sweeper.Run(context.Background()))
}
