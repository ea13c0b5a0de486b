// Package main запускает HTTP-сервер леджера подписок SVPN.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/svpn-ledger/internal/config"
	"github.com/mmeshcher/svpn-ledger/internal/gateway"
	"github.com/mmeshcher/svpn-ledger/internal/handler"
	"github.com/mmeshcher/svpn-ledger/internal/ledger"
	"github.com/mmeshcher/svpn-ledger/internal/metrics"
	"github.com/mmeshcher/svpn-ledger/internal/middleware"
	"github.com/mmeshcher/svpn-ledger/internal/repository"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	seed, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		sugar.Fatalw("catalog error", "error", err.Error())
	}

	store, err := newStore(cfg)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	if cfg.GatewayAddress == "" {
		sugar.Warn("gateway address is not set, using in-memory gateway")
	}
	gw, err := newGateway(cfg)
	if err != nil {
		store.Close()
		sugar.Fatalw("gateway initialization error", "error", err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := ledger.New(ctx, store, gw, seed, ledger.Options{
		Admin:          cfg.Admin,
		Account:        cfg.Ledger,
		GatewayTimeout: cfg.GatewayTimeout,
		Logger:         logger,
		Metrics:        metrics.New(reg),
	})
	if err != nil {
		store.Close()
		sugar.Fatalw("ledger initialization error", "error", err.Error())
	}
	defer l.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("auth secret is not set, tokens will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(l, logger, authMiddleware, promhttp.HandlerFor(reg, promhttp.HandlerOpts{DisableCompression: true}))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting svpn ledger server",
			"addr", cfg.RunAddress,
			"admin", cfg.Admin.Hex(),
			"ledger", cfg.Ledger.Hex(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newStore(cfg *config.Config) (ledger.Store, error) {
	if cfg.DatabaseURI == "" {
		return repository.NewMemoryStore(), nil
	}
	return repository.NewPostgresStore(cfg.DatabaseURI)
}

// newGateway возвращает HTTP-клиент шлюза или, если адрес не задан, шлюз в памяти
// с балансами из раздела funding файла каталога.
func newGateway(cfg *config.Config) (gateway.Gateway, error) {
	if cfg.GatewayAddress != "" {
		return gateway.NewClient(cfg.GatewayAddress, cfg.Ledger), nil
	}

	grants, err := config.LoadFunding(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}

	mem := gateway.NewMemory(cfg.Ledger)
	if err := mem.Fund(grants); err != nil {
		return nil, fmt.Errorf("fund in-memory gateway: %w", err)
	}
	return mem, nil
}
