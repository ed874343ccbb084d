package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tumicodes/support-desk/backend/internal/config"
	"github.com/tumicodes/support-desk/backend/internal/handler"
	"github.com/tumicodes/support-desk/backend/internal/service/broker"
	"github.com/tumicodes/support-desk/backend/internal/service/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize the session broker and its queued-idle janitor
	sessionBroker := broker.New(broker.Config{
		MaxQueueSize:      cfg.Broker.MaxQueueSize,
		PromotionDelay:    cfg.Broker.PromotionDelay,
		QueuedIdleTimeout: cfg.Broker.QueuedIdleTimeout,
	})
	go sessionBroker.Run(ctx)

	// Initialize the Telegram relay
	if cfg.Telegram.Enabled() {
		telegramRelay, err := relay.NewTelegram(cfg.Telegram.Token, cfg.Telegram.SupportChatID, sessionBroker)
		if err != nil {
			log.Printf("warning: failed to initialize telegram relay: %v", err)
			log.Println("continuing without support relay - 请检查 Telegram 相关环境变量")
		} else {
			sessionBroker.SetRelay(telegramRelay)
			go telegramRelay.Run(ctx)
			log.Println("Telegram relay initialized successfully")
		}
	} else {
		log.Println("Telegram 凭证未配置，跳过支持中继初始化")
	}

	router := handler.NewRouter(sessionBroker)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Support desk backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
