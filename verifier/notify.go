package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/sats-terminal/spark-bridge/chain/indexer"
)

// AddressSource is the indexer slice the notifier polls.
type AddressSource interface {
	GetAddressUTXOs(ctx context.Context, address string) ([]indexer.UTXOResponse, error)
}

// DepositNotice is the body of the aggregator's notify endpoint.
type DepositNotice struct {
	VerifierID string `json:"verifier_id"`

	OutPoint struct {
		TxID string `json:"txid"`
		Vout uint32 `json:"vout"`
	} `json:"out_point"`

	Address string `json:"address"`

	// SatsFeeAmount keeps the external indexer contract's field name.
	SatsFeeAmount int64 `json:"sats_fee_amount"`

	Status struct {
		Confirmed *struct {
			Confirmations uint32 `json:"confirmations"`
		} `json:"confirmed,omitempty"`
		Pending *struct {
			Confirmations uint32 `json:"confirmations"`
		} `json:"pending,omitempty"`
		Failed *struct {
			Reason string `json:"reason"`
		} `json:"failed,omitempty"`
	} `json:"status"`
}

// NotifierConfig wires a deposit notifier.
type NotifierConfig struct {
	// VerifierID identifies this replica to the aggregator.
	VerifierID string

	// Source is this verifier's indexer.
	Source AddressSource

	// AggregatorURL is the aggregator's internal notify endpoint base.
	AggregatorURL string

	// AuthToken authenticates this verifier to the aggregator.
	AuthToken string

	// FinalityDepth is K.
	FinalityDepth uint32

	// PollInterval is the address scan cadence. Default: 30s.
	PollInterval time.Duration
}

// Notifier polls the verifier's own indexer for watched deposit addresses
// and reports sightings and confirmation progress to the aggregator.
type Notifier struct {
	cfg NotifierConfig

	httpClient *http.Client

	mu        sync.Mutex
	addresses map[string]uint32 // address -> last reported confirmations

	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewNotifier builds a notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("indexer source required")
	}
	if cfg.AggregatorURL == "" {
		return nil, fmt.Errorf("aggregator URL required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = 6
	}

	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		addresses:  make(map[string]uint32),
		quit:       make(chan struct{}),
	}, nil
}

// WatchAddress adds a deposit address to the scan set.
func (n *Notifier) WatchAddress(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.addresses[address]; !ok {
		n.addresses[address] = 0
		log.Infof("Watching deposit address %s", address)
	}
}

// UnwatchAddress drops an address from the scan set.
func (n *Notifier) UnwatchAddress(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.addresses, address)
}

// Start launches the scan loop.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return
	}
	n.started = true

	n.wg.Add(1)
	go n.scanLoop()
}

// Stop terminates the scan loop.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	n.mu.Unlock()

	close(n.quit)
	n.wg.Wait()
}

func (n *Notifier) scanLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.quit:
			return
		case <-ticker.C:
			n.scanOnce()
		}
	}
}

func (n *Notifier) scanOnce() {
	n.mu.Lock()
	addresses := make([]string, 0, len(n.addresses))
	for address := range n.addresses {
		addresses = append(addresses, address)
	}
	n.mu.Unlock()

	for _, address := range addresses {
		ctx, cancel := context.WithTimeout(
			context.Background(), 30*time.Second,
		)
		utxos, err := n.cfg.Source.GetAddressUTXOs(ctx, address)
		cancel()
		if err != nil {
			log.Debugf("Scan of %s failed: %v", address, err)
			continue
		}
		if len(utxos) == 0 {
			continue
		}

		// First outpoint wins, matching the deposit tracker.
		utxo := utxos[0]

		n.mu.Lock()
		lastConfs, watching := n.addresses[address]
		if watching && utxo.Confirmations != lastConfs {
			n.addresses[address] = utxo.Confirmations
		} else {
			watching = false
		}
		n.mu.Unlock()

		if !watching {
			continue
		}

		if err := n.notify(address, utxo); err != nil {
			log.Warnf("Notify for %s failed: %v", address, err)
		}
	}
}

// notify POSTs one deposit notice to the aggregator.
func (n *Notifier) notify(address string, utxo indexer.UTXOResponse) error {
	notice := DepositNotice{
		VerifierID:    n.cfg.VerifierID,
		Address:       address,
		SatsFeeAmount: utxo.Sats,
	}
	notice.OutPoint.TxID = utxo.TxID
	notice.OutPoint.Vout = utxo.Vout

	if utxo.Confirmations >= n.cfg.FinalityDepth {
		notice.Status.Confirmed = &struct {
			Confirmations uint32 `json:"confirmations"`
		}{Confirmations: utxo.Confirmations}
	} else {
		notice.Status.Pending = &struct {
			Confirmations uint32 `json:"confirmations"`
		}{Confirmations: utxo.Confirmations}
	}

	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("unable to encode notice: %w", err)
	}

	req, err := http.NewRequest(
		http.MethodPost,
		n.cfg.AggregatorURL+"/api/verifier/notify-runes-deposit",
		bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("unable to build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.AuthToken)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify returned status %d", resp.StatusCode)
	}

	return nil
}

// addrScript decodes an address into its output script.
func addrScript(address string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	return txscript.PayToAddrScript(decoded)
}
