package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vend/internal/awsutil"
	"vend/internal/config"
	"vend/internal/httpserver"
	"vend/internal/logging"
	"vend/internal/observability"
	"vend/internal/ops"
	sqsqueue "vend/internal/queue/sqs"
	"vend/internal/ranker"
	"vend/internal/service"
	"vend/internal/store/pg"
	"vend/internal/tokencache"
	"vend/internal/util"
	"vend/internal/vendors"
	"vend/internal/vendors/baxi"
	"vend/internal/vendors/buypower"
	"vend/internal/vendors/irecharge"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	dbStore := pg.New(db)
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.VendQueueURL}
	tokens := tokencache.New(cfg.RedisAddr, 2*time.Hour)

	httpClient := &http.Client{Timeout: 20 * time.Second}
	registry := vendors.NewRegistry(
		&buypower.Client{BaseURL: cfg.Vendor.BuypowerBaseURL, Token: cfg.Vendor.BuypowerToken, HTTP: httpClient},
		&irecharge.Client{
			BaseURL:    cfg.Vendor.IrechargeBaseURL,
			VendorID:   cfg.Vendor.IrechargeVendID,
			PublicKey:  cfg.Vendor.IrechargePubKey,
			PrivateKey: cfg.Vendor.IrechargePrivKey,
			HTTP:       httpClient,
		},
		&baxi.Client{BaseURL: cfg.Vendor.BaxiBaseURL, APIKey: cfg.Vendor.BaxiAPIKey, HTTP: httpClient},
	)

	svc := &service.TransactionService{
		Store:   dbStore,
		Queue:   producer,
		Ranker:  &ranker.Ranker{Products: dbStore},
		Vendors: registry,
		Tokens:  tokens,
	}

	router := httpserver.New(&httpserver.API{Svc: svc, IDGen: util.NewTransactionID})
	router.HandleFunc("/healthz", ops.Healthz()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", ops.Readyz(2*time.Second,
		ops.Check{Name: "postgres", Probe: db.Ping},
	)).Methods(http.MethodGet)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		errCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
