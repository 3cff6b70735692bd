package deposit

import (
	"context"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

// memStore is an in-memory Store for tracker tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Address
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Address)}
}

func (m *memStore) GetAddress(_ context.Context, addr string) (*Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[addr]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *record
	return &clone, nil
}

func (m *memStore) UpdateAddress(_ context.Context, record *Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *record
	m.records[record.Addr] = &clone

	return nil
}

func testOutpoint(b byte) wire.OutPoint {
	var hash chainhash.Hash
	hash[0] = b

	return wire.OutPoint{Hash: hash, Index: 1}
}

func newTestTracker(t *testing.T, onFinalized func(context.Context, *Address)) (*Tracker, *memStore) {
	t.Helper()

	store := newMemStore()
	tracker, err := NewTracker(Config{
		Store:         store,
		FinalityDepth: 6,
		OnFinalized:   onFinalized,
	})
	require.NoError(t, err)

	return tracker, store
}

func seedAddress(t *testing.T, store *memStore, addr string) {
	t.Helper()

	require.NoError(t, store.UpdateAddress(context.Background(), &Address{
		Addr:     addr,
		IntentID: uuid.New(),
		UserUUID: uuid.New(),
		RuneID:   "840002:1",
		Amount:   500_000_000,
		Side:     SideBitcoin,
		ShareID:  uuid.New(),
		Status:   StatusIssued,
	}))
}

// TestHappyPathLifecycle walks issued -> seen -> finalized -> settled and
// checks the external status at each step.
func TestHappyPathLifecycle(t *testing.T) {
	t.Parallel()

	var finalized []string
	tracker, store := newTestTracker(t, func(_ context.Context, record *Address) {
		finalized = append(finalized, record.Addr)
	})
	seedAddress(t, store, "bcrt1ptest")

	ctx := context.Background()
	op := testOutpoint(1)

	record, err := store.GetAddress(ctx, "bcrt1ptest")
	require.NoError(t, err)
	require.Equal(t, ExtAddressIssued, record.External())

	// First sighting, 1 confirmation.
	record, err = tracker.RecordOutpoint(
		ctx, "bcrt1ptest", op, "840002:1",
		uint128.From64(500_000_000), 546, 1,
	)
	require.NoError(t, err)
	require.Equal(t, StatusUTXOSeen, record.Status)
	require.Equal(t, ExtWaitingConf, record.External())
	require.Empty(t, finalized)

	// Finality reached.
	record, err = tracker.RecordOutpoint(
		ctx, "bcrt1ptest", op, "840002:1",
		uint128.From64(500_000_000), 546, 6,
	)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, record.Status)
	require.Equal(t, ExtReadyForMint, record.External())
	require.Equal(t, []string{"bcrt1ptest"}, finalized)

	// Further reports do not re-dispatch.
	_, err = tracker.RecordOutpoint(
		ctx, "bcrt1ptest", op, "840002:1",
		uint128.From64(500_000_000), 546, 7,
	)
	require.NoError(t, err)
	require.Len(t, finalized, 1)

	// Settlement.
	record, err = tracker.MarkSettled(ctx, "bcrt1ptest", "spark-tx-1")
	require.NoError(t, err)
	require.Equal(t, StatusSettled, record.Status)
	require.Equal(t, ExtMinted, record.External())

	// Terminal states admit no outgoing edges.
	_, err = tracker.MarkFailed(ctx, "bcrt1ptest", "nope")
	require.ErrorIs(t, err, ErrBadTransition)
}

// TestReorgEdge covers the single permitted cycle: below finality the
// deposit returns to issued, shows waiting_for_confirmations externally,
// and a reappearance resumes counting.
func TestReorgEdge(t *testing.T) {
	t.Parallel()

	tracker, store := newTestTracker(t, nil)
	seedAddress(t, store, "bcrt1preorg")

	ctx := context.Background()
	op := testOutpoint(2)

	_, err := tracker.RecordOutpoint(
		ctx, "bcrt1preorg", op, "840002:1",
		uint128.From64(500_000_000), 546, 3,
	)
	require.NoError(t, err)

	record, err := tracker.OutpointGone(ctx, "bcrt1preorg", op)
	require.NoError(t, err)
	require.Equal(t, StatusIssued, record.Status)
	require.Nil(t, record.OutPoint)
	require.Equal(t, uint32(0), record.Confirmations)

	// The user already paid once, so the surface keeps waiting.
	require.Equal(t, ExtWaitingConf, record.External())

	// Reappearance resumes the count.
	record, err = tracker.RecordOutpoint(
		ctx, "bcrt1preorg", op, "840002:1",
		uint128.From64(500_000_000), 546, 2,
	)
	require.NoError(t, err)
	require.Equal(t, StatusUTXOSeen, record.Status)
	require.Equal(t, uint32(2), record.Confirmations)
}

// TestReorgBeyondFinalityFails covers the double-spend alert path.
func TestReorgBeyondFinalityFails(t *testing.T) {
	t.Parallel()

	tracker, store := newTestTracker(t, nil)
	seedAddress(t, store, "bcrt1pdeep")

	ctx := context.Background()
	op := testOutpoint(3)

	_, err := tracker.RecordOutpoint(
		ctx, "bcrt1pdeep", op, "840002:1",
		uint128.From64(500_000_000), 546, 6,
	)
	require.NoError(t, err)

	record, err := tracker.OutpointGone(ctx, "bcrt1pdeep", op)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, record.Status)
	require.Contains(t, record.FailReason, "finality")
}

// TestCancelSemantics covers cancel-before and cancel-after deposit.
func TestCancelSemantics(t *testing.T) {
	t.Parallel()

	tracker, store := newTestTracker(t, nil)
	seedAddress(t, store, "bcrt1pcancel")

	ctx := context.Background()

	record, err := tracker.Cancel(ctx, "bcrt1pcancel")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, record.Status)

	// A later indexer callback for the cancelled address is rejected and
	// changes nothing.
	_, err = tracker.RecordOutpoint(
		ctx, "bcrt1pcancel", testOutpoint(4), "840002:1",
		uint128.From64(500_000_000), 546, 1,
	)
	require.ErrorIs(t, err, ErrBadTransition)

	record, err = store.GetAddress(ctx, "bcrt1pcancel")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, record.Status)

	// Cancel after a deposit was observed is refused.
	seedAddress(t, store, "bcrt1pfunded")
	_, err = tracker.RecordOutpoint(
		ctx, "bcrt1pfunded", testOutpoint(5), "840002:1",
		uint128.From64(500_000_000), 546, 1,
	)
	require.NoError(t, err)

	_, err = tracker.Cancel(ctx, "bcrt1pfunded")
	require.ErrorIs(t, err, ErrDepositObserved)

	// Even after a reorg back to issued the cancel stays refused.
	_, err = tracker.OutpointGone(ctx, "bcrt1pfunded", testOutpoint(5))
	require.NoError(t, err)
	_, err = tracker.Cancel(ctx, "bcrt1pfunded")
	require.ErrorIs(t, err, ErrDepositObserved)
}

// TestAmountMismatchFails covers observed != requested.
func TestAmountMismatchFails(t *testing.T) {
	t.Parallel()

	tracker, store := newTestTracker(t, nil)
	seedAddress(t, store, "bcrt1pmismatch")

	ctx := context.Background()

	record, err := tracker.RecordOutpoint(
		ctx, "bcrt1pmismatch", testOutpoint(6), "840002:1",
		uint128.From64(1), 546, 1,
	)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, record.Status)
	require.Contains(t, record.FailReason, "amount_mismatch")
}

// TestFirstOutpointWins covers the duplicate-payment edge case.
func TestFirstOutpointWins(t *testing.T) {
	t.Parallel()

	tracker, store := newTestTracker(t, nil)
	seedAddress(t, store, "bcrt1pdouble")

	ctx := context.Background()

	first := testOutpoint(7)
	record, err := tracker.RecordOutpoint(
		ctx, "bcrt1pdouble", first, "840002:1",
		uint128.From64(500_000_000), 546, 2,
	)
	require.NoError(t, err)
	require.Equal(t, first, *record.OutPoint)

	// A second, distinct outpoint is logged and ignored.
	second := testOutpoint(8)
	record, err = tracker.RecordOutpoint(
		ctx, "bcrt1pdouble", second, "840002:1",
		uint128.From64(500_000_000), 546, 1,
	)
	require.NoError(t, err)
	require.Equal(t, first, *record.OutPoint)
	require.Equal(t, uint32(2), record.Confirmations)
}

// TestRequeue covers retry bookkeeping for finalized deposits.
func TestRequeue(t *testing.T) {
	t.Parallel()

	dispatches := 0
	tracker, store := newTestTracker(t, func(context.Context, *Address) {
		dispatches++
	})
	seedAddress(t, store, "bcrt1pretry")

	ctx := context.Background()

	_, err := tracker.RecordOutpoint(
		ctx, "bcrt1pretry", testOutpoint(9), "840002:1",
		uint128.From64(500_000_000), 546, 6,
	)
	require.NoError(t, err)
	require.Equal(t, 1, dispatches)

	record, err := tracker.Requeue(ctx, "bcrt1pretry")
	require.NoError(t, err)
	require.False(t, record.Dispatched)

	// Requeue from a non-finalized state is refused.
	seedAddress(t, store, "bcrt1pissued")
	_, err = tracker.Requeue(ctx, "bcrt1pissued")
	require.ErrorIs(t, err, ErrBadTransition)

	// Unknown address surfaces not-found.
	_, err = tracker.Requeue(ctx, "bcrt1punknown")
	require.ErrorIs(t, err, ErrNotFound)
}
