package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"auditflow/auth"
	"auditflow/db"
	"auditflow/dispute"
	"auditflow/escrow"
	"auditflow/httpapi"
	"auditflow/milestone"
	"auditflow/outbox"
	"auditflow/payment"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable not set")
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	users := auth.NewRepository(pool)
	authService := auth.NewService(users, jwtSecret)

	contracts := escrow.NewRepository(pool)
	contractService := escrow.NewService(contracts, users)
	milestoneService := milestone.NewService(milestone.NewRepository(pool))
	paymentService := payment.NewService(payment.NewRepository(pool))
	disputeService := dispute.NewService(dispute.NewRepository(pool), users)

	handler := &httpapi.Handler{
		Auth:       authService,
		Contracts:  contractService,
		Milestones: milestoneService,
		Payments:   paymentService,
		Disputes:   disputeService,
	}

	server := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewRouter(handler, authService, logger),
	}
	relay := outbox.NewRelay(pool, &outbox.LogNotifier{Logger: logger}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
	logger.Info("shutdown complete")
}
