package store

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/dkg"
	"github.com/sats-terminal/spark-bridge/runes"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	db, err := Open(Config{
		DSN:           ":memory:",
		EncryptionKey: key,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// TestSharePoolDraw covers transactional draws, idempotent rebinding and
// exhaustion.
func TestSharePoolDraw(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	shares, err := dkg.RunLocalCeremony(2)
	require.NoError(t, err)
	moreShares, err := dkg.RunLocalCeremony(2)
	require.NoError(t, err)

	require.NoError(t, db.InsertShare(ctx, shares[0]))
	require.NoError(t, db.InsertShare(ctx, moreShares[0]))

	free, err := db.CountFree(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, free)

	binding := dkg.Binding{
		UserUUID: uuid.New(),
		RuneID:   "840002:1",
	}

	drawn, err := db.Draw(ctx, binding)
	require.NoError(t, err)
	require.NotNil(t, drawn.Secret)

	// Redraw for the same binding returns the same share.
	again, err := db.Draw(ctx, binding)
	require.NoError(t, err)
	require.Equal(t, drawn.ID, again.ID)

	free, err = db.CountFree(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, free)

	// Issuer role binds independently of the user role.
	issuerBinding := dkg.Binding{
		UserUUID: binding.UserUUID,
		RuneID:   "840002:1",
		IsIssuer: true,
	}
	issuerShare, err := db.Draw(ctx, issuerBinding)
	require.NoError(t, err)
	require.NotEqual(t, drawn.ID, issuerShare.ID)

	// Pool exhausted.
	_, err = db.Draw(ctx, dkg.Binding{
		UserUUID: uuid.New(),
		RuneID:   "840002:1",
	})
	require.ErrorIs(t, err, dkg.ErrPoolExhausted)

	// Lookups resolve bindings and ids.
	byBinding, err := db.ShareByBinding(ctx, binding)
	require.NoError(t, err)
	require.Equal(t, drawn.ID, byBinding.ID)

	byID, err := db.ShareByID(ctx, drawn.ID)
	require.NoError(t, err)
	require.True(t, drawn.GroupKey.IsEqual(byID.GroupKey))
	require.Equal(t, drawn.Secret.Bytes(), byID.Secret.Bytes())
}

func testDeposit(addr string, pubKey []byte) *deposit.Address {
	return &deposit.Address{
		Addr:       addr,
		IntentID:   uuid.New(),
		UserUUID:   uuid.New(),
		UserPubKey: pubKey,
		RuneID:     "840002:1",
		Amount:     500_000_000,
		BridgeAddr: "sprt1qbridge",
		Side:       deposit.SideBitcoin,
		ShareID:    uuid.New(),
		Status:     deposit.StatusIssued,
	}
}

// TestDepositRoundTrip covers insert, load, update and the activity
// queries.
func TestDepositRoundTrip(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	pubKey := []byte{0x02, 0xaf, 0x01}

	record := testDeposit("bcrt1pone", pubKey)
	require.NoError(t, db.InsertAddress(ctx, record))

	loaded, err := db.GetAddress(ctx, "bcrt1pone")
	require.NoError(t, err)
	require.Equal(t, record.IntentID, loaded.IntentID)
	require.Equal(t, deposit.StatusIssued, loaded.Status)
	require.Nil(t, loaded.OutPoint)

	// Record an outpoint and verify it round-trips.
	var hash chainhash.Hash
	hash[0] = 0x58
	loaded.Status = deposit.StatusUTXOSeen
	loaded.OutPoint = &wire.OutPoint{Hash: hash, Index: 1}
	loaded.Confirmations = 3
	loaded.EverSeenUTXO = true
	require.NoError(t, db.UpdateAddress(ctx, loaded))

	reloaded, err := db.GetAddress(ctx, "bcrt1pone")
	require.NoError(t, err)
	require.NotNil(t, reloaded.OutPoint)
	require.Equal(t, hash, reloaded.OutPoint.Hash)
	require.Equal(t, uint32(1), reloaded.OutPoint.Index)
	require.Equal(t, uint32(3), reloaded.Confirmations)
	require.True(t, reloaded.EverSeenUTXO)

	// Lookup by txid.
	byTx, err := db.AddressByTxID(ctx, hash.String())
	require.NoError(t, err)
	require.Equal(t, "bcrt1pone", byTx.Addr)

	// Activity listing excludes cancelled records.
	cancelled := testDeposit("bcrt1ptwo", pubKey)
	require.NoError(t, db.InsertAddress(ctx, cancelled))
	cancelled.Status = deposit.StatusCancelled
	require.NoError(t, db.UpdateAddress(ctx, cancelled))

	activity, err := db.ListAddressesByUser(ctx, pubKey)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	require.Equal(t, "bcrt1pone", activity[0].Addr)

	// Unknown address maps to the deposit sentinel.
	_, err = db.GetAddress(ctx, "bcrt1punknown")
	require.ErrorIs(t, err, deposit.ErrNotFound)
	require.ErrorIs(
		t, db.UpdateAddress(ctx, testDeposit("bcrt1pmissing", pubKey)),
		deposit.ErrNotFound,
	)
}

// TestUndispatchedFinalized covers the reconciliation query.
func TestUndispatchedFinalized(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	record := testDeposit("bcrt1pfin", []byte{0x03})
	require.NoError(t, db.InsertAddress(ctx, record))
	record.Status = deposit.StatusFinalized
	require.NoError(t, db.UpdateAddress(ctx, record))

	pending, err := db.ListUndispatchedFinalized(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	record.Dispatched = true
	require.NoError(t, db.UpdateAddress(ctx, record))

	pending, err = db.ListUndispatchedFinalized(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestSessionUniqueness covers the one-active-session-per-share invariant.
func TestSessionUniqueness(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	shareID := uuid.New()
	first := &SessionRecord{
		ID:      uuid.New(),
		ShareID: shareID,
		MsgHash: make([]byte, 32),
		Kind:    "mint",
		State:   "await_nonces",
	}
	require.NoError(t, db.InsertSession(ctx, first))

	// Second active session for the same share violates the index.
	err := db.InsertSession(ctx, &SessionRecord{
		ID:      uuid.New(),
		ShareID: shareID,
		MsgHash: make([]byte, 32),
		Kind:    "mint",
		State:   "await_nonces",
	})
	require.ErrorIs(t, err, ErrSessionActive)

	active, err := db.ActiveSessionForShare(ctx, shareID)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, first.ID, active.ID)

	// Terminal state releases the slot.
	require.NoError(t, db.UpdateSessionState(ctx, first.ID, "failed"))

	active, err = db.ActiveSessionForShare(ctx, shareID)
	require.NoError(t, err)
	require.Nil(t, active)

	require.NoError(t, db.InsertSession(ctx, &SessionRecord{
		ID:      uuid.New(),
		ShareID: shareID,
		MsgHash: make([]byte, 32),
		Kind:    "mint",
		State:   "await_nonces",
	}))
}

// TestRequestIdempotence covers the request-id table.
func TestRequestIdempotence(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	record := &RequestRecord{
		RequestID:   "req-1",
		Kind:        "bridge_runes",
		Status:      RequestProcessing,
		DepositAddr: "bcrt1pone",
	}
	require.NoError(t, db.InsertRequest(ctx, record))

	err := db.InsertRequest(ctx, record)
	require.ErrorIs(t, err, ErrRequestExists)

	require.NoError(
		t, db.UpdateRequest(ctx, "req-1", RequestCompleted, "minted"),
	)

	loaded, err := db.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, RequestCompleted, loaded.Status)
	require.Equal(t, "minted", loaded.Outcome)

	missing, err := db.GetRequest(ctx, "req-404")
	require.NoError(t, err)
	require.Nil(t, missing)
}

// TestUTXOLifecycle covers upsert idempotence, spendable listing and spend
// marking.
func TestUTXOLifecycle(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	runeID := runes.RuneID{Block: 840002, Tx: 1}
	var hash chainhash.Hash
	hash[0] = 0x11
	op := wire.OutPoint{Hash: hash, Index: 0}

	record := &UTXORecord{
		OutPoint:   op,
		Sats:       546,
		RuneID:     runeID,
		RuneAmount: uint128.From64(500_000_000),
		PkScript:   []byte{0x51, 0x20},
		Status:     UTXOPending,
		OwningAddr: "bcrt1pbridge",
	}
	require.NoError(t, db.UpsertUTXO(ctx, record))

	// Pending UTXOs are not spendable.
	spendable, err := db.SpendableUTXOs(ctx, runeID)
	require.NoError(t, err)
	require.Empty(t, spendable)

	// Confirmation flips it spendable; the upsert is idempotent.
	record.Status = UTXOConfirmed
	require.NoError(t, db.UpsertUTXO(ctx, record))
	require.NoError(t, db.UpsertUTXO(ctx, record))

	spendable, err = db.SpendableUTXOs(ctx, runeID)
	require.NoError(t, err)
	require.Len(t, spendable, 1)
	require.Equal(t, op, spendable[0].OutPoint)
	require.True(
		t, spendable[0].RuneAmount.Equals(uint128.From64(500_000_000)),
	)

	// Spending removes it from the spendable set.
	require.NoError(t, db.MarkUTXOsSpent(ctx, []wire.OutPoint{op}))

	spendable, err = db.SpendableUTXOs(ctx, runeID)
	require.NoError(t, err)
	require.Empty(t, spendable)

	loaded, err := db.GetUTXO(ctx, op)
	require.NoError(t, err)
	require.Equal(t, UTXOSpent, loaded.Status)

	missing, err := db.GetUTXO(ctx, wire.OutPoint{Hash: hash, Index: 9})
	require.NoError(t, err)
	require.Nil(t, missing)
}

// TestWRuneMetadataCache covers the oracle cache.
func TestWRuneMetadataCache(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	record := &WRuneRecord{
		RuneID:         "840002:1",
		Ticker:         "WRUNE",
		Divisibility:   2,
		Supply:         "100000000000",
		IssuerPubKey:   []byte{0x02, 0x01},
		BitcoinNetwork: "regtest",
		SparkNetwork:   "regtest",
	}
	require.NoError(t, db.UpsertWRune(ctx, record))

	// Refresh updates in place.
	record.Supply = "150000000000"
	require.NoError(t, db.UpsertWRune(ctx, record))

	loaded, err := db.GetWRune(ctx, "840002:1")
	require.NoError(t, err)
	require.Equal(t, "150000000000", loaded.Supply)
	require.Equal(t, uint8(2), loaded.Divisibility)

	all, err := db.ListWRunes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	missing, err := db.GetWRune(ctx, "1:1")
	require.NoError(t, err)
	require.Nil(t, missing)
}
