// Package config loads daemon configuration from the environment, one
// struct per role.
package config

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/kelseyhightower/envconfig"
)

// Bridge is the aggregator daemon configuration.
type Bridge struct {
	// Network selects bitcoin, testnet or regtest.
	Network string `envconfig:"BRIDGE_NETWORK" default:"regtest"`

	// ListenAddr is the public JSON API listener.
	ListenAddr string `envconfig:"BRIDGE_LISTEN" default:":8080"`

	// InternalListenAddr serves verifier callbacks; never expose it.
	InternalListenAddr string `envconfig:"BRIDGE_INTERNAL_LISTEN" default:"127.0.0.1:8081"`

	// DatabaseURL is the gateway-namespace sqlite DSN.
	DatabaseURL string `envconfig:"BRIDGE_DB_URL" required:"true"`

	// DBEncryptionKey is 32 bytes hex, sealing secret shares at rest.
	DBEncryptionKey string `envconfig:"BRIDGE_DB_ENCRYPTION_KEY" required:"true"`

	// IndexerURL and IndexerAuthToken reach the runes indexer.
	IndexerURL       string `envconfig:"BRIDGE_INDEXER_URL" required:"true"`
	IndexerAuthToken string `envconfig:"BRIDGE_INDEXER_AUTH_TOKEN"`

	// SparkRPCURL and SparkAuthToken reach the rollup.
	SparkRPCURL    string `envconfig:"BRIDGE_SPARK_RPC_URL" required:"true"`
	SparkAuthToken string `envconfig:"BRIDGE_SPARK_AUTH_TOKEN"`

	// VerifierAddrs are the signing-link endpoints, one per replica.
	VerifierAddrs []string `envconfig:"BRIDGE_VERIFIER_ADDRS" required:"true"`

	// SignerQuorum is M, the threshold policy.
	SignerQuorum uint32 `envconfig:"BRIDGE_SIGNER_QUORUM" default:"3"`

	// FinalityDepth is K.
	FinalityDepth uint32 `envconfig:"BRIDGE_FINALITY_DEPTH" default:"6"`

	// TLS material for the signing links (mTLS).
	TLSCertFile  string `envconfig:"BRIDGE_TLS_CERT_FILE" required:"true"`
	TLSKeyFile   string `envconfig:"BRIDGE_TLS_KEY_FILE" required:"true"`
	CABundleFile string `envconfig:"BRIDGE_CA_BUNDLE_FILE" required:"true"`

	// NotifyAuthToken authenticates verifier deposit callbacks.
	NotifyAuthToken string `envconfig:"BRIDGE_NOTIFY_AUTH_TOKEN"`

	// FeeRateSatPerVB is the fixed exit fee rate.
	FeeRateSatPerVB int64 `envconfig:"BRIDGE_FEE_RATE_SAT_PER_VB" default:"2"`

	// BridgeSparkAddress is the rollup account wrapped runes burn into.
	BridgeSparkAddress string `envconfig:"BRIDGE_SPARK_ADDRESS" required:"true"`

	// BridgeChangeAddress receives Bitcoin-side change.
	BridgeChangeAddress string `envconfig:"BRIDGE_CHANGE_ADDRESS" required:"true"`
}

// LoadBridge reads the aggregator environment.
func LoadBridge() (*Bridge, error) {
	var cfg Bridge
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to load bridge config: %w", err)
	}

	return &cfg, nil
}

// ChainParams resolves the network selector.
func (c *Bridge) ChainParams() (*chaincfg.Params, error) {
	return chainParams(c.Network)
}

// EncryptionKey decodes the 32-byte store key.
func (c *Bridge) EncryptionKey() ([32]byte, error) {
	return decodeKey(c.DBEncryptionKey)
}

// Verifier is the replica daemon configuration.
type Verifier struct {
	// VerifierID names this replica in callbacks.
	VerifierID string `envconfig:"VERIFIER_ID" required:"true"`

	// Network selects bitcoin, testnet or regtest.
	Network string `envconfig:"VERIFIER_NETWORK" default:"regtest"`

	// ListenAddr is the signing-link listener.
	ListenAddr string `envconfig:"VERIFIER_LISTEN" default:":9735"`

	// DatabaseURL is the verifier-namespace sqlite DSN.
	DatabaseURL string `envconfig:"VERIFIER_DB_URL" required:"true"`

	// DBEncryptionKey is 32 bytes hex.
	DBEncryptionKey string `envconfig:"VERIFIER_DB_ENCRYPTION_KEY" required:"true"`

	// IndexerURL and IndexerAuthToken reach this replica's own indexer.
	IndexerURL       string `envconfig:"VERIFIER_INDEXER_URL" required:"true"`
	IndexerAuthToken string `envconfig:"VERIFIER_INDEXER_AUTH_TOKEN"`

	// AggregatorURL is the aggregator's internal callback endpoint.
	AggregatorURL string `envconfig:"VERIFIER_AGGREGATOR_URL" required:"true"`

	// NotifyAuthToken authenticates callbacks to the aggregator.
	NotifyAuthToken string `envconfig:"VERIFIER_NOTIFY_AUTH_TOKEN"`

	// FinalityDepth is K.
	FinalityDepth uint32 `envconfig:"VERIFIER_FINALITY_DEPTH" default:"6"`

	// TLS material for the signing links (mTLS).
	TLSCertFile  string `envconfig:"VERIFIER_TLS_CERT_FILE" required:"true"`
	TLSKeyFile   string `envconfig:"VERIFIER_TLS_KEY_FILE" required:"true"`
	CABundleFile string `envconfig:"VERIFIER_CA_BUNDLE_FILE" required:"true"`
}

// LoadVerifier reads the replica environment.
func LoadVerifier() (*Verifier, error) {
	var cfg Verifier
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to load verifier config: %w", err)
	}

	return &cfg, nil
}

// ChainParams resolves the network selector.
func (c *Verifier) ChainParams() (*chaincfg.Params, error) {
	return chainParams(c.Network)
}

// EncryptionKey decodes the 32-byte store key.
func (c *Verifier) EncryptionKey() ([32]byte, error) {
	return decodeKey(c.DBEncryptionKey)
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func decodeKey(keyHex string) ([32]byte, error) {
	var key [32]byte

	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return key, fmt.Errorf("encryption key must be 32 bytes hex")
	}
	copy(key[:], raw)

	return key, nil
}
