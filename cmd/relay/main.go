package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/chat-relay/internal/api"
	"github.com/RichardoC/chat-relay/internal/config"
	"github.com/RichardoC/chat-relay/internal/db"
	"github.com/RichardoC/chat-relay/internal/llm"
	"github.com/RichardoC/chat-relay/internal/logging"
	"github.com/RichardoC/chat-relay/internal/relay"
	"github.com/RichardoC/chat-relay/internal/telegram"
	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type store interface {
	api.Store
	Close() error
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		// No logger yet; the production logger is the safest default.
		zap.Must(zap.NewProduction()).Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize history store",
			zap.Error(err),
			zap.String("backend", string(cfg.Backend)),
			zap.String("dbPath", cfg.DBPath))
	}

	llmService, err := llm.New(cfg.LLM())
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}

	bot, err := telegram.New(cfg.BotToken, cfg.PollTimeout, logger.Named("telegram"))
	if err != nil {
		logger.Fatal("failed to initialize telegram bot", zap.Error(err))
	}

	handler := relay.NewHandler(history, llmService, bot, logger.Named("relay"))

	var admin *http.Server
	if cfg.AdminAddr != "" {
		if cfg.Environment.IsProduction() {
			gin.SetMode(gin.ReleaseMode)
		}
		admin = &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: api.NewHandler(history, logger.Named("api")).Router(),
		}
		go func() {
			logger.Info("Starting admin server", zap.String("addr", cfg.AdminAddr))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Relay running",
		zap.String("backend", string(cfg.Backend)),
		zap.String("provider", string(cfg.LLMProvider)),
		zap.String("model", llmService.Model()))

	if err := bot.Run(ctx, handler.Handle); err != nil {
		logger.Error("polling stopped", zap.Error(err))
	}

	logger.Info("Shutting down")
	if err := shutdown(admin, history); err != nil {
		logger.Error("unclean shutdown", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return db.OpenRedis(ctx, cfg.RedisURL, cfg.RedisDialTimeout)
	default:
		return db.New(cfg.DBPath)
	}
}

func shutdown(admin *http.Server, history store) error {
	var err error
	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, admin.Shutdown(ctx))
	}
	return multierr.Append(err, history.Close())
}
