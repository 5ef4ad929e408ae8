package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appOrder "github.com/openstall/marketplace-payments/internal/application/order"
	appPayment "github.com/openstall/marketplace-payments/internal/application/payment"
	"github.com/openstall/marketplace-payments/internal/config"
	"github.com/openstall/marketplace-payments/internal/domain/client"
	"github.com/openstall/marketplace-payments/internal/domain/suborder"
	"github.com/openstall/marketplace-payments/internal/domain/vendor"
	"github.com/openstall/marketplace-payments/internal/infrastructure/memory"
	"github.com/openstall/marketplace-payments/internal/infrastructure/observability/oteltrace"
	"github.com/openstall/marketplace-payments/internal/infrastructure/observability/prometrics"
	"github.com/openstall/marketplace-payments/internal/infrastructure/observability/telemetry"
	"github.com/openstall/marketplace-payments/internal/infrastructure/observability/zaplogger"
	"github.com/openstall/marketplace-payments/internal/infrastructure/outbox"
	paymentworker "github.com/openstall/marketplace-payments/internal/infrastructure/payment/worker"
	"github.com/openstall/marketplace-payments/internal/infrastructure/postgres"
	"github.com/openstall/marketplace-payments/internal/infrastructure/stripegateway"
	"github.com/openstall/marketplace-payments/internal/observability"
	httppresentation "github.com/openstall/marketplace-payments/internal/presentation/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet; stderr is all we have.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	baseLogger := zaplogger.New(
		observability.F("service", cfg.ServiceName),
		observability.F("env", cfg.Env),
	)

	tel := telemetry.New(
		oteltrace.New(cfg.ServiceName),
		baseLogger,
		prometrics.New("", "payments", prometheus.DefaultRegisterer),
	)
	log := tel.Logger()

	var (
		subOrderRepo suborder.Repository
		vendorRepo   vendor.Repository
		clientRepo   client.Repository
	)
	if cfg.DatabaseDSN != "" {
		db, err := postgres.Open(cfg.DatabaseDSN)
		if err != nil {
			log.Error("postgres_open_failed", observability.F("error", err.Error()))
			os.Exit(1)
		}
		subOrderRepo = postgres.NewSubOrderRepository(db)
		vendorRepo = postgres.NewVendorRepository(db)
		clientRepo = postgres.NewClientRepository(db)
		log.Info("store_selected", observability.F("store", "postgres"))
	} else {
		subOrderRepo = memory.NewSubOrderRepository()
		vendorRepo = memory.NewVendorRepository()
		clientRepo = memory.NewClientRepository()
		log.Warn("store_selected", observability.F("store", "memory"))
	}

	gateway := stripegateway.New(cfg.StripeSecretKey, tel)

	// In-memory event bus carrying compensations and integration events.
	bus := outbox.NewBus(log)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	authorizeUC := appPayment.NewAuthorizeUseCase(
		subOrderRepo, vendorRepo, clientRepo, gateway, bus, cfg.Currency, tel,
	)
	captureUC := appPayment.NewCaptureUseCase(subOrderRepo, gateway, bus, tel)
	confirmOrderUC := appOrder.NewConfirmOrderUseCase(subOrderRepo, authorizeUC, tel)

	compensation := paymentworker.NewCompensationWorker(gateway, tel)
	compensation.Register(bus)

	retryPoller := paymentworker.NewRetryPoller(
		subOrderRepo, authorizeUC, cfg.RetryPollInterval, cfg.RetryBatchSize, tel,
	)
	retryPoller.Start(context.Background())

	handler := httppresentation.NewHandler(confirmOrderUC, authorizeUC, captureUC, tel)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("http_server_start", observability.F("addr", server.Addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http_server_error", observability.F("error", err.Error()))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	retryPoller.Stop(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http_server_shutdown_error", observability.F("error", err.Error()))
	} else {
		log.Info("http_server_stopped")
	}
}
