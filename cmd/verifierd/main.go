// Command verifierd runs one verifier replica: the signing-link listener
// and the deposit notifier polling this replica's own indexer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/sats-terminal/spark-bridge/chain/indexer"
	"github.com/sats-terminal/spark-bridge/config"
	"github.com/sats-terminal/spark-bridge/store"
	"github.com/sats-terminal/spark-bridge/transport"
	"github.com/sats-terminal/spark-bridge/verifier"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "verifierd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadVerifier()
	if err != nil {
		return err
	}

	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}

	encryptionKey, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}

	backend := btclog.NewBackend(os.Stdout)
	mainLog := backend.Logger("MAIN")
	verifier.UseLogger(backend.Logger("VRFY"))

	db, err := store.Open(store.Config{
		DSN:           cfg.DatabaseURL,
		EncryptionKey: encryptionKey,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	indexerClient := indexer.NewClient(&indexer.Config{
		BaseURL:       cfg.IndexerURL,
		AuthToken:     cfg.IndexerAuthToken,
		RateLimit:     10,
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	})

	notifier, err := verifier.NewNotifier(verifier.NotifierConfig{
		VerifierID:    cfg.VerifierID,
		Source:        indexerClient,
		AggregatorURL: cfg.AggregatorURL,
		AuthToken:     cfg.NotifyAuthToken,
		FinalityDepth: cfg.FinalityDepth,
	})
	if err != nil {
		return err
	}

	node, err := verifier.New(verifier.Config{
		VerifierID:    cfg.VerifierID,
		Store:         db,
		Indexer:       indexerClient,
		Params:        params,
		FinalityDepth: cfg.FinalityDepth,
		OnNotify: func(kind, value string) {
			if kind == "watch_address" {
				notifier.WatchAddress(value)
			}
		},
	})
	if err != nil {
		return err
	}

	notifier.Start()
	defer notifier.Stop()

	server, err := transport.ListenAndServe(
		cfg.ListenAddr,
		&transport.TLSConfig{
			CertFile:     cfg.TLSCertFile,
			KeyFile:      cfg.TLSKeyFile,
			CABundleFile: cfg.CABundleFile,
		},
		node.HandleEnvelope,
	)
	if err != nil {
		return err
	}
	defer server.Stop()

	mainLog.Infof("Verifier %s listening on %s (%s)", cfg.VerifierID,
		cfg.ListenAddr, cfg.Network)

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	<-ctx.Done()
	mainLog.Infof("Shutting down")

	return nil
}
