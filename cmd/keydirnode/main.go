// Command keydirnode runs one node of a key-transparency quorum: the
// Core B member that threshold-signs epoch commitments over the Core A
// history tree maintained by whatever directory service is embedding
// this module's storage backends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keydirectory.example/config"
	"keydirectory.example/history"
	"keydirectory.example/history/ddbstore"
	"keydirectory.example/history/sqlstore"
	"keydirectory.example/internal/metrics"
	"keydirectory.example/internal/slogconsole"
	"keydirectory.example/label"
	"keydirectory.example/quorum"
	qsqlstore "keydirectory.example/quorum/sqlstore"
	"keydirectory.example/quorumcrypto"
	"keydirectory.example/quorumnet"
)

var configFlag = flag.String("config", "keydirnode.yaml", "path to the node's YAML configuration file")

func main() {
	flag.Parse()

	var level = new(slog.LevelVar)
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	console := slogconsole.New(nil)
	log := slog.New(slogconsole.MultiHandler(h, console))
	slog.SetDefault(log)

	sigLevel := make(chan os.Signal, 1)
	signal.Notify(sigLevel, syscall.SIGUSR1)
	go func() {
		for range sigLevel {
			slog.Info("received USR1 signal, toggling log level")
			if level.Level() == slog.LevelDebug {
				level.Set(slog.LevelInfo)
			} else {
				level.Set(slog.LevelDebug)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fatal("loading config", "err", err)
	}

	rawHistoryStore, err := openHistoryStore(ctx, cfg)
	if err != nil {
		fatal("opening history store", "err", err)
	}

	reg := metrics.New(prometheus.DefaultRegisterer)
	historyStore := metrics.Instrument(rawHistoryStore, reg)

	shardStore, memberStore, nonceStore, err := openQuorumStores(ctx, cfg)
	if err != nil {
		fatal("opening quorum stores", "err", err)
	}

	crypto, err := quorumcrypto.NewX25519ChaCha(
		quorumcrypto.PrivateKey(cfg.PrivateKeySeed),
		cfg.PeerPublicKeys(),
		shardStore,
	)
	if err != nil {
		fatal("deriving node keypair", "err", err)
	}
	slog.Info("node keypair derived", "node_id", cfg.NodeID, "public_key", fmt.Sprintf("%x", crypto.PublicKey()))

	transport, err := quorumnet.NewHTTP2Peers(cfg.TransportConfig())
	if err != nil {
		fatal("constructing transport", "err", err)
	}
	if err := transport.Start(ctx); err != nil {
		fatal("starting transport", "err", err)
	}
	slog.Info("listening", "addr", cfg.Listen)

	node := quorum.NewNode(cfg.QuorumConfig(), transport, crypto, memberStore, nonceStore, log)
	node.SetMetrics(reg)
	node.SetPublicHandler(func(ctx context.Context, msg quorumnet.PublicNodeMessage) {
		slog.Info("received public submission", "bytes", len(msg.Payload))
	})
	console.SetStatusFunc(func() string {
		status, leading, following := node.Status()
		return fmt.Sprintf("node %d: %s (leading=%d following=%d)", cfg.NodeID, status, leading, following)
	})

	statuses := []string{"ready", "leading", "following"}
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, _, _ := node.Status()
				reg.SetStatus(statusLabel(status), statuses)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/logz", console)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:        cfg.MetricsListen,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	if cfg.MetricsListen != "" {
		go func() {
			slog.Info("serving metrics/logs", "addr", cfg.MetricsListen)
			serveErr <- srv.ListenAndServe()
		}()
	}

	nodeErr := make(chan error, 1)
	go func() { nodeErr <- node.Run(ctx) }()

	// Only install the bootstrap Root record once: InitStorage overwrites
	// whatever Root is already there, which would wipe a live tree's
	// epoch bookkeeping on every restart.
	if _, err := historyStore.Get(ctx, history.NodeKey{Tag: history.HistoryTreeNode, Label: label.RootLabel}, 0); errors.Is(err, history.ErrNotFound) {
		if err := history.InitStorage(ctx, historyStore); err != nil {
			fatal("initializing history store", "err", err)
		}
		slog.Info("history store bootstrapped")
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("metrics server error", "err", err)
		}
	case err := <-nodeErr:
		if err != nil {
			fatal("quorum node error", "err", err)
		}
	}
}

func statusLabel(s quorum.Status) string {
	switch s {
	case quorum.StatusLeading:
		return "leading"
	case quorum.StatusFollowing:
		return "following"
	default:
		return "ready"
	}
}

func openHistoryStore(ctx context.Context, cfg *config.NodeConfig) (history.NodeStore, error) {
	switch {
	case cfg.DynamoDBTable != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return ddbstore.New(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable), nil
	case cfg.HistoryDB != "":
		return sqlstore.Open(ctx, cfg.HistoryDB)
	default:
		slog.Warn("no history_db or dynamodb_table configured, using in-memory store")
		return history.NewMemoryStore(), nil
	}
}

func openQuorumStores(ctx context.Context, cfg *config.NodeConfig) (quorumcrypto.ShardStore, quorum.MemberStore, quorum.NonceStore, error) {
	if cfg.QuorumDB == "" {
		slog.Warn("no quorum_db configured, using in-memory quorum stores")
		shards := &quorumcrypto.MemoryShardStore{}
		members := quorum.NewMemoryMemberStore(cfg.Members()...)
		nonces := quorum.NewMemoryNonceStore()
		return shards, members, nonces, nil
	}
	store, err := qsqlstore.Open(ctx, cfg.QuorumDB)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, m := range cfg.Members() {
		if err := store.AddMember(ctx, m); err != nil {
			return nil, nil, nil, fmt.Errorf("seeding member %d: %w", m.NodeID, err)
		}
	}
	return store, store, store, nil
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
