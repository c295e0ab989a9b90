// Package main запускает HTTP-сервер сервиса бронирования занятий.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/activity-booking/internal/config"
	"github.com/mmeshcher/activity-booking/internal/handler"
	"github.com/mmeshcher/activity-booking/internal/middleware"
	"github.com/mmeshcher/activity-booking/internal/notify"
	"github.com/mmeshcher/activity-booking/internal/repository"
	"github.com/mmeshcher/activity-booking/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	dispatcher := notify.NewDispatcher(cfg.NotifyWebhookURL, cfg.NotifyQueueSize, logger)

	svc := service.NewService(repo, dispatcher, logger, service.Options{
		RefundCutoff:       cfg.RefundCutoff,
		ConfirmationWindow: cfg.ConfirmationWindow,
		SweepInterval:      cfg.SweepInterval,
	})
	defer svc.Close()

	if cfg.StaffToken == "" {
		sugar.Warn("STAFF_TOKEN is empty, staff API is disabled")
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.SessionSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.StaffToken)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Доставка уведомлений
	g.Go(func() error {
		dispatcher.Run(ctx)
		return nil
	})

	// Закрытие просроченных предложений листа ожидания
	g.Go(func() error {
		svc.RunExpirySweep(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting booking server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
