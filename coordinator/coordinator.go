// Package coordinator implements the aggregator: address issuance from the
// DKG share pool, deposit-driven mint sessions, exit sessions, quorum
// collection across verifiers, idempotent request handling and the
// reconciliation loop.
package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/dkg"
	"github.com/sats-terminal/spark-bridge/frost"
	"github.com/sats-terminal/spark-bridge/spark"
	"github.com/sats-terminal/spark-bridge/store"
	"github.com/sats-terminal/spark-bridge/transport"
	"github.com/sats-terminal/spark-bridge/txbuilder"
)

// namespaceUser and namespaceIssuer derive stable UUIDs for share bindings:
// users from their public key, the per-rune issuer from the rune id.
var (
	namespaceUser   = uuid.MustParse("b1a6f5c0-58d4-44f7-9c9e-0d4a7d1c8e21")
	namespaceIssuer = uuid.MustParse("e3d92b74-0a14-4c7b-8f14-6b2c5a9d0f37")
)

// VerifierLink is one signing channel to a verifier replica.
type VerifierLink interface {
	// ID names the verifier for logs and refusal accounting.
	ID() string

	// RoundTrip sends one envelope and waits for the answer.
	RoundTrip(ctx context.Context, req *transport.Envelope) (*transport.Envelope, error)
}

// SparkClient is the rollup surface the coordinator needs.
type SparkClient interface {
	SubmitTransaction(ctx context.Context, tx *txbuilder.SparkTransaction,
		sig []byte, operationalKey []byte) (string, error)
	GetBurnReceipt(ctx context.Context, burnTxID string) (*spark.BurnReceipt, error)
	GetRuneMetadata(ctx context.Context, runeID string) (*spark.WRuneMetadata, error)
}

// Broadcaster publishes a signed Bitcoin transaction.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) (string, error)
}

// Config wires a Coordinator.
type Config struct {
	// Store is the gateway-namespace database.
	Store *store.DB

	// Pool is the DKG share pool handle.
	Pool *dkg.Pool

	// Params selects the Bitcoin network.
	Params *chaincfg.Params

	// Verifiers are the signing links, one per replica.
	Verifiers []VerifierLink

	// Quorum is M: commitments and partials required per session.
	Quorum uint32

	// Spark is the rollup client.
	Spark SparkClient

	// Bitcoin broadcasts exit transactions.
	Bitcoin Broadcaster

	// FinalityDepth is K.
	FinalityDepth uint32

	// Round1Timeout and Round2Timeout are T1 and T2.
	Round1Timeout time.Duration
	Round2Timeout time.Duration

	// MaxMintAttempts bounds reconciliation retries per deposit.
	MaxMintAttempts int

	// ReconcileInterval paces the retry/GC loop.
	ReconcileInterval time.Duration

	// SessionGracePeriod is how long a timed-out session's nonces stay
	// quarantined before garbage collection.
	SessionGracePeriod time.Duration

	// FeeRate is the fixed exit fee rate in sat/vB.
	FeeRate int64

	// BridgeSparkAddress is the bridge's Spark account receiving burns.
	BridgeSparkAddress string

	// BridgeChangeAddress receives Bitcoin-side rune and sats change.
	BridgeChangeAddress string
}

// Coordinator is the aggregator.
type Coordinator struct {
	cfg Config

	tracker  *deposit.Tracker
	registry *frost.NonceRegistry

	// gcQueue holds terminal sessions awaiting nonce release.
	gcMu    sync.Mutex
	gcQueue map[uuid.UUID]time.Time

	reconcileTicker ticker.Ticker

	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// New validates the config and builds a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("store and pool required")
	}
	if cfg.Params == nil {
		return nil, fmt.Errorf("network params required")
	}
	if cfg.Quorum == 0 || uint32(len(cfg.Verifiers)) < cfg.Quorum {
		return nil, fmt.Errorf("need at least %d verifier links, "+
			"have %d", cfg.Quorum, len(cfg.Verifiers))
	}
	if cfg.Round1Timeout == 0 {
		cfg.Round1Timeout = 30 * time.Second
	}
	if cfg.Round2Timeout == 0 {
		cfg.Round2Timeout = 30 * time.Second
	}
	if cfg.MaxMintAttempts == 0 {
		cfg.MaxMintAttempts = 5
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.SessionGracePeriod == 0 {
		cfg.SessionGracePeriod = 2 * time.Minute
	}
	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = deposit.DefaultFinalityDepth
	}
	if cfg.FeeRate == 0 {
		cfg.FeeRate = 2
	}

	c := &Coordinator{
		cfg:             cfg,
		registry:        frost.NewNonceRegistry(),
		gcQueue:         make(map[uuid.UUID]time.Time),
		reconcileTicker: ticker.New(cfg.ReconcileInterval),
		quit:            make(chan struct{}),
	}

	tracker, err := deposit.NewTracker(deposit.Config{
		Store:         cfg.Store,
		FinalityDepth: cfg.FinalityDepth,
		OnFinalized:   c.onDepositFinalized,
	})
	if err != nil {
		return nil, err
	}
	c.tracker = tracker

	return c, nil
}

// Tracker exposes the deposit tracker to the HTTP layer.
func (c *Coordinator) Tracker() *deposit.Tracker {
	return c.tracker
}

// Store exposes the gateway store to the HTTP layer.
func (c *Coordinator) Store() *store.DB {
	return c.cfg.Store
}

// Start launches the reconciliation loop.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.started = true

	c.reconcileTicker.Resume()

	c.wg.Add(1)
	go c.reconcileLoop()

	log.Infof("Coordinator started with %d verifier links, quorum %d",
		len(c.cfg.Verifiers), c.cfg.Quorum)

	return nil
}

// Stop terminates the loops and waits for in-flight work.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.mu.Unlock()

	close(c.quit)
	c.reconcileTicker.Stop()
	c.wg.Wait()

	return nil
}

// userUUID derives the stable user identifier from a public key.
func userUUID(userPubKey []byte) uuid.UUID {
	return uuid.NewSHA1(namespaceUser, userPubKey)
}

// issuerUUID derives the per-rune issuer identity: one issuer share is
// shared by every user of a rune.
func issuerUUID(runeID string) uuid.UUID {
	return uuid.NewSHA1(namespaceIssuer, []byte(runeID))
}

// IssueDepositAddress allocates a share, derives the per-intent address and
// persists the deposit record before returning. side selects the bridge
// direction; amount is in base units.
func (c *Coordinator) IssueDepositAddress(ctx context.Context,
	userPubKeyHex, runeID string, amount uint64,
	side deposit.Side) (*deposit.Address, error) {

	userKeyBytes, err := hex.DecodeString(userPubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: user public key hex",
			ErrInvalidInput)
	}
	userKey, err := crypto.ParsePubKey(userKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: user public key not on curve",
			ErrInvalidInput)
	}

	userID := userUUID(userKeyBytes)

	// The issuer share for the rune is drawn on first use and shared by
	// every subsequent deposit of that rune.
	_, err = c.cfg.Pool.Draw(ctx, dkg.Binding{
		UserUUID: issuerUUID(runeID),
		RuneID:   runeID,
		IsIssuer: true,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to draw issuer share: %w", err)
	}

	userShare, err := c.cfg.Pool.Draw(ctx, dkg.Binding{
		UserUUID: userID,
		RuneID:   runeID,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to draw user share: %w", err)
	}

	intentID := uuid.New()
	keys, err := crypto.DeriveDepositKeys(
		userShare.GroupKey, userKey, amount, runeID, intentID,
	)
	if err != nil {
		return nil, err
	}

	var addr string
	switch side {
	case deposit.SideBitcoin:
		addr, err = keys.Address(c.cfg.Params)
	case deposit.SideSpark:
		addr, err = spark.EncodeAddress(crypto.XOnly(keys.OutputKey))
	default:
		return nil, fmt.Errorf("%w: side %q", ErrInvalidInput, side)
	}
	if err != nil {
		return nil, err
	}

	record := &deposit.Address{
		Addr:       addr,
		IntentID:   intentID,
		UserUUID:   userID,
		UserPubKey: userKeyBytes,
		RuneID:     runeID,
		Amount:     amount,
		BridgeAddr: c.cfg.BridgeSparkAddress,
		Side:       side,
		ShareID:    userShare.ID,
		Status:     deposit.StatusIssued,
	}

	if err := c.cfg.Store.InsertAddress(ctx, record); err != nil {
		return nil, err
	}

	// Tell the replicas to watch the new address on their own indexers.
	c.notifyVerifiers(ctx, "watch_address", addr)

	log.Infof("Issued %s deposit address %s (rune %s, amount %d)",
		side, addr, runeID, amount)

	return record, nil
}

// notifyVerifiers fans a best-effort notice to every link.
func (c *Coordinator) notifyVerifiers(ctx context.Context, kind, value string) {
	envelope, err := transport.NewEnvelope(
		uuid.New(), 0, transport.TypeNotify,
		map[string]string{"kind": kind, "value": value},
	)
	if err != nil {
		return
	}

	for _, link := range c.cfg.Verifiers {
		link := link
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()

			notifyCtx, cancel := context.WithTimeout(
				context.Background(), 10*time.Second,
			)
			defer cancel()

			if _, err := link.RoundTrip(notifyCtx, envelope); err != nil {
				log.Debugf("Notify %s to %s failed: %v", kind,
					link.ID(), err)
			}
		}()
	}
}

// RefreshMetadata pulls oracle metadata for a rune into the cache.
func (c *Coordinator) RefreshMetadata(ctx context.Context, runeID string) (*store.WRuneRecord, error) {
	cached, err := c.cfg.Store.GetWRune(ctx, runeID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	metadata, err := c.cfg.Spark.GetRuneMetadata(ctx, runeID)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch rune metadata: %w", err)
	}

	record := &store.WRuneRecord{
		RuneID:         runeID,
		Ticker:         metadata.Ticker,
		Divisibility:   metadata.Divisibility,
		Supply:         metadata.Supply,
		BitcoinNetwork: c.cfg.Params.Name,
		SparkNetwork:   c.cfg.Params.Name,
	}
	if err := c.cfg.Store.UpsertWRune(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}
