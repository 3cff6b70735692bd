// Command bridged runs the bridge aggregator: the public JSON API, the
// internal verifier-callback listener, and the signing coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btclog"
	"golang.org/x/sync/errgroup"

	"github.com/sats-terminal/spark-bridge/chain/indexer"
	"github.com/sats-terminal/spark-bridge/config"
	"github.com/sats-terminal/spark-bridge/coordinator"
	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/dkg"
	"github.com/sats-terminal/spark-bridge/rpcserver"
	"github.com/sats-terminal/spark-bridge/spark"
	"github.com/sats-terminal/spark-bridge/store"
	"github.com/sats-terminal/spark-bridge/transport"
	"github.com/sats-terminal/spark-bridge/verifier"
)

// verifierLink is one persistent signing link.
type verifierLink struct {
	id     string
	addr   string
	tlsCfg *transport.TLSConfig

	mu   sync.Mutex
	conn *transport.Conn
}

func (l *verifierLink) ID() string {
	return l.id
}

// RoundTrip dials lazily and drops the connection on failure so the next
// call redials.
func (l *verifierLink) RoundTrip(ctx context.Context,
	req *transport.Envelope) (*transport.Envelope, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		conn, err := transport.Dial(ctx, l.addr, l.tlsCfg)
		if err != nil {
			return nil, err
		}
		l.conn = conn
	}

	resp, err := l.conn.RoundTrip(ctx, req)
	if err != nil {
		l.conn.Close()
		l.conn = nil
	}

	return resp, err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadBridge()
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
	coordinator.UseLogger(backend.Logger("COOR"))
	deposit.UseLogger(backend.Logger("DEPO"))
	rpcserver.UseLogger(backend.Logger("RPCS"))
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

	sparkClient := spark.NewClient(&spark.Config{
		BaseURL:   cfg.SparkRPCURL,
		AuthToken: cfg.SparkAuthToken,
		RateLimit: 10,
		Timeout:   30 * time.Second,
	})

	tlsCfg := &transport.TLSConfig{
		CertFile:     cfg.TLSCertFile,
		KeyFile:      cfg.TLSKeyFile,
		CABundleFile: cfg.CABundleFile,
	}

	links := make([]coordinator.VerifierLink, 0, len(cfg.VerifierAddrs))
	for i, addr := range cfg.VerifierAddrs {
		links = append(links, &verifierLink{
			id:     fmt.Sprintf("verifier-%d", i+1),
			addr:   addr,
			tlsCfg: tlsCfg,
		})
	}

	coord, err := coordinator.New(coordinator.Config{
		Store:               db,
		Pool:                dkg.NewPool(db),
		Params:              params,
		Verifiers:           links,
		Quorum:              cfg.SignerQuorum,
		Spark:               sparkClient,
		Bitcoin:             indexerClient,
		FinalityDepth:       cfg.FinalityDepth,
		FeeRate:             cfg.FeeRateSatPerVB,
		BridgeSparkAddress:  cfg.BridgeSparkAddress,
		BridgeChangeAddress: cfg.BridgeChangeAddress,
	})
	if err != nil {
		return err
	}

	server, err := rpcserver.New(rpcserver.Config{
		Coordinator:     coord,
		Indexer:         indexerClient,
		NotifyAuthToken: cfg.NotifyAuthToken,
	})
	if err != nil {
		return err
	}

	if err := coord.Start(); err != nil {
		return err
	}
	defer coord.Stop()

	publicSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.PublicHandler(),
	}
	internalSrv := &http.Server{
		Addr:    cfg.InternalListenAddr,
		Handler: server.InternalHandler(),
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		mainLog.Infof("Public API listening on %s", cfg.ListenAddr)
		if err := publicSrv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {

			return err
		}
		return nil
	})

	group.Go(func() error {
		mainLog.Infof("Internal API listening on %s",
			cfg.InternalListenAddr)
		if err := internalSrv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {

			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 30*time.Second,
		)
		defer cancel()

		publicSrv.Shutdown(shutdownCtx)
		internalSrv.Shutdown(shutdownCtx)

		return nil
	})

	mainLog.Infof("Bridge aggregator running on %s", cfg.Network)

	return group.Wait()
}
