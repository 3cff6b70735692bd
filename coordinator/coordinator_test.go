package coordinator_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/chain/indexer"
	"github.com/sats-terminal/spark-bridge/coordinator"
	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/dkg"
	"github.com/sats-terminal/spark-bridge/runes"
	"github.com/sats-terminal/spark-bridge/spark"
	"github.com/sats-terminal/spark-bridge/store"
	"github.com/sats-terminal/spark-bridge/transport"
	"github.com/sats-terminal/spark-bridge/txbuilder"
	"github.com/sats-terminal/spark-bridge/verifier"
)

const (
	testRuneID     = "840002:1"
	testBaseUnits  = uint64(50_000_000_000)
	testNumParties = 3
)

// fakeIndexer serves scripted outpoint responses keyed by outpoint.
type fakeIndexer struct {
	mu        sync.Mutex
	outpoints map[string]*indexer.OutPointResponse
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		outpoints: make(map[string]*indexer.OutPointResponse),
	}
}

func (f *fakeIndexer) set(txid string, vout uint32, resp *indexer.OutPointResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outpoints[fmt.Sprintf("%s:%d", txid, vout)] = resp
}

func (f *fakeIndexer) GetOutPoint(_ context.Context, txid string,
	vout uint32) (*indexer.OutPointResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	resp, ok := f.outpoints[fmt.Sprintf("%s:%d", txid, vout)]
	if !ok {
		return nil, indexer.ErrNotFound
	}

	return resp, nil
}

// fakeSpark records submissions and verifies every aggregate signature
// before accepting it.
type fakeSpark struct {
	mu          sync.Mutex
	submissions []*txbuilder.SparkTransaction
	burns       map[string]*spark.BurnReceipt
}

func newFakeSpark() *fakeSpark {
	return &fakeSpark{burns: make(map[string]*spark.BurnReceipt)}
}

func (f *fakeSpark) SubmitTransaction(_ context.Context,
	tx *txbuilder.SparkTransaction, sig []byte,
	operationalKey []byte) (string, error) {

	key, err := btcec.ParsePubKey(operationalKey)
	if err != nil {
		return "", err
	}

	msg := tx.MessageHash(key)
	if err := crypto.VerifySchnorr(sig, msg[:], key); err != nil {
		return "", fmt.Errorf("fake rollup rejects signature: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, tx)

	return fmt.Sprintf("spark-tx-%d", len(f.submissions)), nil
}

func (f *fakeSpark) GetBurnReceipt(_ context.Context, burnTxID string) (*spark.BurnReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	receipt, ok := f.burns[burnTxID]
	if !ok {
		return nil, spark.ErrNotFound
	}

	return receipt, nil
}

func (f *fakeSpark) GetRuneMetadata(context.Context, string) (*spark.WRuneMetadata, error) {
	return &spark.WRuneMetadata{
		RuneID:       testRuneID,
		Ticker:       "WRUNE",
		Divisibility: 2,
		Supply:       "100000000000",
	}, nil
}

// fakeBroadcaster captures the broadcast exit transaction.
type fakeBroadcaster struct {
	mu sync.Mutex
	tx *wire.MsgTx
}

func (f *fakeBroadcaster) BroadcastTransaction(_ context.Context,
	tx *wire.MsgTx) (string, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx = tx

	return tx.TxHash().String(), nil
}

// localLink drives a verifier node in-process.
type localLink struct {
	id   string
	node *verifier.Node
}

func (l *localLink) ID() string {
	return l.id
}

func (l *localLink) RoundTrip(ctx context.Context,
	req *transport.Envelope) (*transport.Envelope, error) {

	return l.node.HandleEnvelope(ctx, req)
}

// harness is a complete in-process bridge: one coordinator, three verifier
// replicas with independent stores and indexers.
type harness struct {
	coord       *coordinator.Coordinator
	gatewayDB   *store.DB
	spark       *fakeSpark
	bitcoin     *fakeBroadcaster
	indexers    []*fakeIndexer
	userKey     *btcec.PrivateKey
	userKeyHex  string
}

func encryptionKey() [32]byte {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	return key
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	gatewayDB, err := store.Open(store.Config{
		DSN: ":memory:", EncryptionKey: encryptionKey(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { gatewayDB.Close() })

	// Two ceremonies: one share ends up as the rune's issuer share, the
	// other as the user's deposit share.
	ctx := context.Background()
	var (
		links    []coordinator.VerifierLink
		indexers []*fakeIndexer
		replicas []*store.DB
	)

	for i := 0; i < testNumParties; i++ {
		replicaDB, err := store.Open(store.Config{
			DSN: ":memory:", EncryptionKey: encryptionKey(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { replicaDB.Close() })
		replicas = append(replicas, replicaDB)
	}

	for c := 0; c < 2; c++ {
		shares, err := dkg.RunLocalCeremony(testNumParties)
		require.NoError(t, err)

		// The aggregator holds only public copies; each replica holds
		// its own secret.
		require.NoError(t, gatewayDB.InsertShare(
			ctx, shares[0].PublicShare(),
		))
		for i, share := range shares {
			require.NoError(t, replicas[i].InsertShare(ctx, share))
		}
	}

	h := &harness{
		gatewayDB: gatewayDB,
		spark:     newFakeSpark(),
		bitcoin:   &fakeBroadcaster{},
	}

	for i := 0; i < testNumParties; i++ {
		fakeIdx := newFakeIndexer()
		indexers = append(indexers, fakeIdx)

		node, err := verifier.New(verifier.Config{
			VerifierID:    fmt.Sprintf("verifier-%d", i+1),
			Store:         replicas[i],
			Indexer:       fakeIdx,
			Params:        &chaincfg.RegressionNetParams,
			FinalityDepth: 6,
		})
		require.NoError(t, err)

		links = append(links, &localLink{
			id:   fmt.Sprintf("verifier-%d", i+1),
			node: node,
		})
	}
	h.indexers = indexers

	coord, err := coordinator.New(coordinator.Config{
		Store:               gatewayDB,
		Pool:                dkg.NewPool(gatewayDB),
		Params:              &chaincfg.RegressionNetParams,
		Verifiers:           links,
		Quorum:              testNumParties,
		Spark:               h.spark,
		Bitcoin:             h.bitcoin,
		FinalityDepth:       6,
		Round1Timeout:       5 * time.Second,
		Round2Timeout:       5 * time.Second,
		MaxMintAttempts:     2,
		BridgeSparkAddress:  "sprt1qbridgeaccount",
		BridgeChangeAddress: newTaprootAddress(t),
	})
	require.NoError(t, err)
	h.coord = coord

	h.userKey, err = btcec.NewPrivateKey()
	require.NoError(t, err)
	h.userKeyHex = hex.EncodeToString(
		h.userKey.PubKey().SerializeCompressed(),
	)

	return h
}

func newTaprootAddress(t *testing.T) string {
	t.Helper()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	outputKey := crypto.TaprootOutputKey(privKey.PubKey())
	addr, err := btcutil.NewAddressTaproot(
		crypto.XOnly(outputKey), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return addr.EncodeAddress()
}

// populateIndexers makes every replica see the deposit outpoint as final.
func (h *harness) populateIndexers(addr, txid string, vout uint32,
	amount string, confs uint32) {

	for _, fakeIdx := range h.indexers {
		fakeIdx.set(txid, vout, &indexer.OutPointResponse{
			TxID:          txid,
			Vout:          vout,
			Sats:          546,
			Address:       addr,
			Confirmations: confs,
			Runes: []indexer.RuneBalance{{
				RuneID: testRuneID,
				Amount: amount,
			}},
		})
	}
}

// notifyDeposit simulates a verifier confirmation callback.
func (h *harness) notifyDeposit(t *testing.T, addr, txid string, vout uint32,
	confs uint32) {

	t.Helper()

	notice := &verifier.DepositNotice{VerifierID: "verifier-1"}
	notice.Address = addr
	notice.OutPoint.TxID = txid
	notice.OutPoint.Vout = vout
	notice.SatsFeeAmount = 546
	notice.Status.Confirmed = &struct {
		Confirmations uint32 `json:"confirmations"`
	}{Confirmations: confs}

	require.NoError(t, h.coord.HandleDepositNotice(
		context.Background(), notice,
	))
}

func (h *harness) waitStatus(t *testing.T, addr string, want deposit.Status) *deposit.Address {
	t.Helper()

	var record *deposit.Address
	require.Eventually(t, func() bool {
		var err error
		record, err = h.gatewayDB.GetAddress(context.Background(), addr)
		if err != nil {
			return false
		}
		return record.Status == want
	}, 10*time.Second, 50*time.Millisecond,
		"deposit %s never reached %s", addr, want)

	return record
}

// TestMintHappyPath walks the full Runes -> Spark direction: address
// issuance, deposit confirmation, threshold signing across three replicas,
// and rollup submission.
func TestMintHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	record, err := h.coord.IssueDepositAddress(
		ctx, h.userKeyHex, testRuneID, testBaseUnits,
		deposit.SideBitcoin,
	)
	require.NoError(t, err)
	require.Equal(t, "bcrt1p", record.Addr[:6])

	// Issuance is idempotent per intent inputs at the share layer: the
	// same user and rune reuse the same bound share.
	again, err := h.coord.IssueDepositAddress(
		ctx, h.userKeyHex, testRuneID, testBaseUnits,
		deposit.SideBitcoin,
	)
	require.NoError(t, err)
	require.Equal(t, record.ShareID, again.ShareID)

	txid := "58b16053e1e07d4b32b885ef2e4e1d0e8b3b2a52f1c7e9a64a1e2d3c4b5088ef"
	h.populateIndexers(record.Addr, txid, 1, "50000000000", 6)

	h.notifyDeposit(t, record.Addr, txid, 1, 6)

	settled := h.waitStatus(t, record.Addr, deposit.StatusSettled)
	require.Equal(t, deposit.ExtMinted, settled.External())
	require.Equal(t, "spark-tx-1", settled.SettleTxID)

	// The rollup accepted exactly one mint with the full base units.
	h.spark.mu.Lock()
	require.Len(t, h.spark.submissions, 1)
	mint := h.spark.submissions[0]
	h.spark.mu.Unlock()

	require.Equal(t, txbuilder.SparkMint, mint.Kind)
	require.True(t, mint.TokenAmount.Equals(uint128.From64(testBaseUnits)))
	require.Equal(t, "sprt1qbridgeaccount", mint.UserAddress)

	// Activity reflects the settled mint.
	activity, err := h.coord.Activity(ctx, h.userKeyHex)
	require.NoError(t, err)
	require.Len(t, activity, 2) // settled mint + idempotent re-issue
	var found bool
	for _, item := range activity {
		if item.BtcDepositAddress == record.Addr {
			found = true
			require.Equal(t, "minted", item.Status)
			require.NotNil(t, item.Confirmations)
			require.GreaterOrEqual(t, *item.Confirmations, uint32(6))
			require.NotNil(t, item.TxID)
			require.Equal(t, txid, *item.TxID)
		}
	}
	require.True(t, found)

	// The deposit outpoint is now recorded bridge collateral.
	spendable, err := h.gatewayDB.SpendableUTXOs(
		ctx, runes.RuneID{Block: 840002, Tx: 1},
	)
	require.NoError(t, err)
	require.Len(t, spendable, 1)
}

// TestMintQuorumFailure: two of three verifiers see a
// different amount and refuse; the deposit fails with amount_mismatch and
// nothing reaches the rollup.
func TestMintQuorumFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	record, err := h.coord.IssueDepositAddress(
		ctx, h.userKeyHex, testRuneID, testBaseUnits,
		deposit.SideBitcoin,
	)
	require.NoError(t, err)

	txid := "ab0000000000000000000000000000000000000000000000000000000000cdcd"

	// Verifier 1 sees the right amount; 2 and 3 see a shortfall.
	h.indexers[0].set(txid, 1, &indexer.OutPointResponse{
		TxID: txid, Vout: 1, Sats: 546, Address: record.Addr,
		Confirmations: 6,
		Runes: []indexer.RuneBalance{{
			RuneID: testRuneID, Amount: "50000000000",
		}},
	})
	for _, fakeIdx := range h.indexers[1:] {
		fakeIdx.set(txid, 1, &indexer.OutPointResponse{
			TxID: txid, Vout: 1, Sats: 546, Address: record.Addr,
			Confirmations: 6,
			Runes: []indexer.RuneBalance{{
				RuneID: testRuneID, Amount: "49999999999",
			}},
		})
	}

	h.notifyDeposit(t, record.Addr, txid, 1, 6)

	failed := h.waitStatus(t, record.Addr, deposit.StatusFailed)
	require.Contains(t, failed.FailReason, "amount_mismatch")

	h.spark.mu.Lock()
	require.Empty(t, h.spark.submissions)
	h.spark.mu.Unlock()
}

// TestExitFlow covers the Spark -> Bitcoin direction end to end: burn
// verification, paying-input verification, per-input threshold signing and
// broadcast.
func TestExitFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	// First run a full mint so the bridge holds rune collateral.
	btcRecord, err := h.coord.IssueDepositAddress(
		ctx, h.userKeyHex, testRuneID, testBaseUnits,
		deposit.SideBitcoin,
	)
	require.NoError(t, err)

	depositTxID := "11000000000000000000000000000000000000000000000000000000000000aa"
	h.populateIndexers(btcRecord.Addr, depositTxID, 1, "50000000000", 6)
	h.notifyDeposit(t, btcRecord.Addr, depositTxID, 1, 6)
	h.waitStatus(t, btcRecord.Addr, deposit.StatusSettled)

	// Spark-side deposit address for the exit.
	sparkRecord, err := h.coord.IssueDepositAddress(
		ctx, h.userKeyHex, testRuneID, testBaseUnits,
		deposit.SideSpark,
	)
	require.NoError(t, err)
	require.Equal(t, "sprt1", sparkRecord.Addr[:5])

	// The rollup knows the burn.
	h.spark.mu.Lock()
	h.spark.burns["burn-1"] = &spark.BurnReceipt{
		BurnTxID:     "burn-1",
		SparkAddress: sparkRecord.Addr,
		RuneID:       testRuneID,
		Amount:       "50000000000",
	}
	h.spark.mu.Unlock()

	// User's pre-signed paying input.
	paySecret, payScript := newTaprootScript(t)
	var payHash chainhash.Hash
	payHash[0] = 0xef
	paying := txbuilder.PayingInput{
		OutPoint: wire.OutPoint{Hash: payHash, Index: 1},
		PkScript: payScript,
		Sats:     50_000,
	}
	paying.Signature = signPayingInput(t, paying, paySecret)

	exitAddr := newTaprootAddress(t)

	txid, err := h.coord.ProcessExit(ctx, &coordinator.ExitRequest{
		SparkAddress:   sparkRecord.Addr,
		Paying:         paying,
		BtcExitAddress: exitAddr,
		BurnTxID:       "burn-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, txid)

	// The broadcast transaction routes the full amount to the exit
	// address under a valid runestone.
	h.bitcoin.mu.Lock()
	broadcastTx := h.bitcoin.tx
	h.bitcoin.mu.Unlock()
	require.NotNil(t, broadcastTx)

	stone, err := runes.Decode(broadcastTx.TxOut[0].PkScript)
	require.NoError(t, err)
	require.Len(t, stone.Edicts, 1)
	require.True(t, stone.Edicts[0].Amount.Equals(
		uint128.From64(testBaseUnits),
	))
	require.Equal(t, uint32(1), stone.Edicts[0].Output)

	// Every input carries a witness.
	for i, txIn := range broadcastTx.TxIn {
		require.NotEmpty(t, txIn.Witness, "input %d unsigned", i)
	}

	// Spent collateral left the spendable set.
	spendable, err := h.gatewayDB.SpendableUTXOs(
		ctx, runes.RuneID{Block: 840002, Tx: 1},
	)
	require.NoError(t, err)
	require.Empty(t, spendable)

	// The spark deposit settled as spent.
	settled, err := h.gatewayDB.GetAddress(ctx, sparkRecord.Addr)
	require.NoError(t, err)
	require.Equal(t, deposit.ExtSpent, settled.External())
}

// newTaprootScript builds a keypath taproot output and its signing secret.
func newTaprootScript(t *testing.T) (*secp256k1.ModNScalar, []byte) {
	t.Helper()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	internalKey := privKey.PubKey()

	outputKey := crypto.TaprootOutputKey(internalKey)

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(crypto.XOnly(outputKey)).
		Script()
	require.NoError(t, err)

	tweak, err := crypto.TaprootTweakScalar(internalKey)
	require.NoError(t, err)

	secret := new(secp256k1.ModNScalar).Set(&privKey.Key)
	if !crypto.HasEvenY(internalKey) {
		secret.Negate()
	}
	secret.Add(tweak)
	if !crypto.HasEvenY(crypto.ScalarBaseMult(secret)) {
		secret.Negate()
	}

	return secret, script
}

// signPayingInput pre-signs a paying input under NONE|ANYONECANPAY. The
// sighash only commits to this input, so a minimal one-input transaction
// produces the same digest as the final exit transaction.
func signPayingInput(t *testing.T, paying txbuilder.PayingInput,
	secret *secp256k1.ModNScalar) []byte {

	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&paying.OutPoint, nil, nil))

	prevOuts := map[wire.OutPoint]*wire.TxOut{
		paying.OutPoint: wire.NewTxOut(paying.Sats, paying.PkScript),
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	digest, err := txscript.CalcTaprootSignatureHash(
		sigHashes,
		txscript.SigHashNone|txscript.SigHashAnyOneCanPay,
		tx, 0, fetcher,
	)
	require.NoError(t, err)

	sig, err := schnorr.Sign(secp256k1.NewPrivateKey(secret), digest)
	require.NoError(t, err)

	return sig.Serialize()
}
