package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"vend/internal/awsutil"
	"vend/internal/classifier"
	"vend/internal/config"
	"vend/internal/domain"
	"vend/internal/logging"
	"vend/internal/notify"
	"vend/internal/observability"
	"vend/internal/ops"
	"vend/internal/orchestrator"
	sqsqueue "vend/internal/queue/sqs"
	"vend/internal/ranker"
	"vend/internal/scheduler"
	"vend/internal/store/pg"
	"vend/internal/tokencache"
	"vend/internal/vendors"
	"vend/internal/vendors/baxi"
	"vend/internal/vendors/buypower"
	"vend/internal/vendors/irecharge"
)

func main() {
	cfg := config.LoadOrchestrator()
	logging.Init("orchestrator", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("orchestrator db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	dbStore := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("orchestrator sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.VendQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	staleCeiling, err := time.ParseDuration(cfg.StaleCeiling)
	if err != nil {
		slog.Error("invalid STALE_CEILING", "err", err)
		os.Exit(1)
	}

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

	limiters := make(map[domain.Vendor]*rate.Limiter, len(domain.Vendors))
	breakers := make(map[domain.Vendor]*gobreaker.CircuitBreaker, len(domain.Vendors))
	for _, v := range domain.Vendors {
		limiters[v] = rate.NewLimiter(rate.Limit(cfg.VendorRPS), cfg.VendorBurst)
		breakers[v] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(v),
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		})
	}

	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.VendQueueURL}
	processor := &orchestrator.Processor{
		Store:      dbStore,
		Vendors:    registry,
		Classifier: &classifier.Classifier{Rules: dbStore},
		Ranker:     &ranker.Ranker{Products: dbStore},
		Sched:      &scheduler.Scheduler{Queue: producer},
		Notifier: &notify.QueueDispatcher{
			Queue: &sqsqueue.NotificationProducer{SQS: sqsClient, QueueURL: cfg.NotificationQueueURL},
		},
		Tokens: tokencache.New(cfg.RedisAddr, staleCeiling),
		Policy: orchestrator.Policy{
			MaxRequeryPerVendor:     cfg.MaxRequeryPerVendor,
			RetryBeforeSwitch:       cfg.RetryBeforeSwitch,
			StaleCeiling:            staleCeiling,
			RequeryBackoff:          cfg.RequeryBackoff,
			SwitchBackoff:           cfg.SwitchBackoff,
			IrechargeMinRequeryWait: cfg.IrechargeMinRequeryWait,
		},
		Limiters: limiters,
		Breakers: breakers,
	}

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.VendQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// liveness + readiness
	opsMux := ops.Mux(2*time.Second,
		ops.Check{Name: "postgres", Probe: db.Ping},
		ops.Check{Name: "sqs", Probe: func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.VendQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		}},
	)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: opsMux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator starting poll", "queue_url", cfg.VendQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, ev sqsqueue.VendEvent) error {
			start := time.Now()
			err := processor.Handle(ctx, ev)
			if err != nil {
				// Ack anyway: retries are expressed through scheduled
				// re-publication, never through transport redelivery, so
				// a failing step must not turn into a poison message.
				slog.Error("orchestration step failed",
					"err", err,
					"transaction_id", ev.TransactionID,
					"step", ev.Step,
					"duration", time.Since(start),
				)
				return nil
			}
			slog.Info("orchestration step done",
				"transaction_id", ev.TransactionID,
				"step", ev.Step,
				"duration", time.Since(start),
			)
			return nil
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("orchestrator poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("orchestrator health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("orchestrator metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("orchestrator shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("orchestrator shutdown timeout waiting for poll loop")
	}
}
