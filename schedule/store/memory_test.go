package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/schedule"
	"github.com/warp/schedule-engine/schedule/store"
	"github.com/warp/schedule-engine/schedule/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) schedule.TxStore { return store.NewMemory() })
}

func TestMemory_CanceledContextSkipsTx(t *testing.T) {
	m := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.WithTx(ctx, func(schedule.Store) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveStaff(ctx, schedule.StaffProfile{ID: "s1", TenantID: "t1"}))

	m.Reset()

	_, err := m.GetStaff(ctx, "t1", "s1")
	assert.ErrorIs(t, err, schedule.ErrNotFound)
}
