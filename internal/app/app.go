package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pvzzle/ordertrack/internal/ethwatch"
	"github.com/pvzzle/ordertrack/internal/events"
	"github.com/pvzzle/ordertrack/internal/httpapi"
	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/metrics"
	"github.com/pvzzle/ordertrack/internal/orderapi"
	"github.com/pvzzle/ordertrack/internal/orderwatch"
	"github.com/pvzzle/ordertrack/internal/storage"
	"github.com/pvzzle/ordertrack/internal/storage/pg"
	"github.com/pvzzle/ordertrack/internal/txflow"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	pgPool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("pgxpool new: %w", err)
	}
	defer pgPool.Close()

	repo := pg.New(pgPool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	l := ledger.New()
	loaded, err := storage.Load(ctx, repo, l)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	mirror := storage.NewMirror(repo, l, m)

	ethCl, err := ethclient.DialContext(ctx, cfg.EthRPCURL)
	if err != nil {
		return fmt.Errorf("dial eth rpc: %w", err)
	}
	defer ethCl.Close()

	chainID, err := ethCl.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}

	orders, err := orderapi.NewClient(orderapi.Config{
		BaseURL: cfg.OrderAPIURL,
		Timeout: cfg.OrderAPITimeout,
		RPS:     cfg.OrderAPIRPS,
	})
	if err != nil {
		return err
	}

	watcher := orderwatch.New(l, orders, orderwatch.Config{
		PollInterval:      cfg.PollInterval,
		SubmissionTimeout: cfg.SubmissionTimeout,
		Metrics:           m,
	})

	chainWatcher := ethwatch.NewWatcher(ethCl, l, ethwatch.WatcherConfig{
		ChainID:      chainID.Uint64(),
		Workers:      cfg.ChainWorkers,
		PollInterval: cfg.ChainPollInterval,
		NativeSymbol: cfg.NativeSymbol,
		Metrics:      m,
	})

	svc := txflow.NewService(l, watcher,
		map[uint64]txflow.ChainClient{chainID.Uint64(): ethCl},
		txflow.Config{AdjustmentFactor: cfg.GasAdjustmentFactor, NativeSymbol: cfg.NativeSymbol},
	)
	supervisor := txflow.NewSupervisor(l, svc)

	var publisher *events.Publisher
	if cfg.KafkaEnabled() {
		w, err := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka writer: %w", err)
		}
		publisher = events.NewPublisher(w, l, m)
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.New(httpapi.Config{
			Ledger:   l,
			Flows:    svc,
			Gatherer: reg,
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	watcher.Start(gctx)
	defer watcher.Stop()

	g.Go(func() error { return mirror.Run(gctx) })
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error { return chainWatcher.Start(gctx) })
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.WithFields(log.Fields{
		"chain_id": chainID.String(),
		"loaded":   loaded,
		"http":     cfg.HTTPAddr,
		"kafka":    cfg.KafkaEnabled(),
	}).Info("started")

	return g.Wait()
}
