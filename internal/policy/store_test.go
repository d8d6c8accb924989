package policy

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/intent"
)

func allow(State, bool) []Violation { return nil }

// exerciseStore 覆盖所有 Store 实现共同遵守的行为。
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	user := NormalizeUser(testUser)

	violations, err := store.Reserve(ctx, Reservation{User: testUser, Nonce: 1, Type: intent.TypeTransfer, At: baseTime}, allow)
	require.NoError(t, err)
	require.Empty(t, violations)
	used, err := store.NonceUsed(ctx, 1)
	require.NoError(t, err)
	assert.True(t, used)
	used, err = store.NonceUsed(ctx, 99)
	require.NoError(t, err)
	assert.False(t, used)

	var sawUsed bool
	violations, err = store.Reserve(ctx, Reservation{User: testUser, Nonce: 1, Type: intent.TypeTransfer, At: baseTime},
		func(st State, used bool) []Violation {
			sawUsed = used
			assert.Len(t, st.Records, 1)
			return []Violation{{Rule: RuleReplay, Message: "replay"}}
		})
	require.NoError(t, err)
	assert.True(t, sawUsed)
	assert.Len(t, violations, 1)

	st, err := store.Snapshot(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, user, st.User)
	require.Len(t, st.Records, 1)
	assert.Equal(t, StatusPending, st.Records[0].Status)

	confirmedAt := baseTime.Add(3 * time.Second)
	require.NoError(t, store.Commit(ctx, testUser, 1, Outcome{TxHash: "0xfeed", GasSpent: big.NewInt(21000), Confirmed: confirmedAt}))
	st, err = store.Snapshot(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, st.Records, 1)
	assert.Equal(t, StatusConfirmed, st.Records[0].Status)
	assert.Equal(t, "0xfeed", st.Records[0].TxHash)
	assert.Equal(t, 0, st.Records[0].GasSpent.Cmp(big.NewInt(21000)))
	assert.True(t, st.Records[0].Timestamp.Equal(confirmedAt))

	assert.ErrorIs(t, store.Commit(ctx, testUser, 77, Outcome{}), ErrRecordNotFound)

	_, err = store.Reserve(ctx, Reservation{User: testUser, Nonce: 2, Type: intent.TypeSwap, At: baseTime}, allow)
	require.NoError(t, err)
	require.NoError(t, store.Abort(ctx, testUser, 2, true))
	st, err = store.Snapshot(ctx, testUser)
	require.NoError(t, err)
	assert.Len(t, st.Records, 1)
	used, err = store.NonceUsed(ctx, 2)
	require.NoError(t, err)
	assert.False(t, used, "released nonce is free again")

	inserted, err := store.TrackNonce(ctx, testUser, 2)
	require.NoError(t, err)
	assert.True(t, inserted, "released nonce can be tracked again")
	inserted, err = store.TrackNonce(ctx, testUser, 1)
	require.NoError(t, err)
	assert.False(t, inserted)

	empty, err := store.Snapshot(ctx, "0x0000000000000000000000000000000000000bad")
	require.NoError(t, err)
	assert.Empty(t, empty.Records)
}

func exerciseHistoryLimit(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	for i := uint64(1); i <= 4; i++ {
		_, err := store.Reserve(ctx, Reservation{User: testUser, Nonce: i, Type: intent.TypeTransfer, At: baseTime.Add(time.Duration(i) * time.Second)}, allow)
		require.NoError(t, err)
	}
	st, err := store.Snapshot(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, st.Records, 3)
	assert.Equal(t, uint64(2), st.Records[0].Nonce)
	assert.Equal(t, uint64(4), st.Records[2].Nonce)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))
	exerciseHistoryLimit(t, NewMemoryStore(3))
}

func TestMemoryStoreSnapshotIsCopy(t *testing.T) {
	store := NewMemoryStore(0)
	store.Seed(testUser, confirmed(1, time.Second, big.NewInt(5)))
	st, err := store.Snapshot(context.Background(), testUser)
	require.NoError(t, err)
	st.Records[0].GasSpent.SetInt64(999)

	again, err := store.Snapshot(context.Background(), testUser)
	require.NoError(t, err)
	assert.EqualValues(t, 5, again.Records[0].GasSpent.Int64())
}

func newMiniredisStore(t *testing.T, limit int) *RedisStore {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	store := NewRedisStoreWithClient(client, "test:policy", limit)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore(t *testing.T) {
	exerciseStore(t, newMiniredisStore(t, 0))
	exerciseHistoryLimit(t, newMiniredisStore(t, 3))
}

func TestRedisStoreBurnKeepsNonce(t *testing.T) {
	ctx := context.Background()
	store := newMiniredisStore(t, 0)
	_, err := store.Reserve(ctx, Reservation{User: testUser, Nonce: 9, Type: intent.TypeTransfer, At: baseTime}, allow)
	require.NoError(t, err)
	require.NoError(t, store.Abort(ctx, testUser, 9, false))

	inserted, err := store.TrackNonce(ctx, testUser, 9)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestRedisLedgerScenario(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, DefaultConfig(), newMiniredisStore(t, 0))

	require.NoError(t, ledger.Reserve(ctx, testUser, transferIntent(1), nil))
	require.NoError(t, ledger.RecordTransaction(ctx, testUser, transferIntent(1), Outcome{TxHash: "0x1", GasSpent: ether("0.1")}))
	tx, err := ledger.GetRemainingTx(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 4, tx.PerMinute)
	spend, err := ledger.GetRemainingSpend(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, ether("0.4").String(), spend.PerHour.String())
}
