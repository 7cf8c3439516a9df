package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/pulseboard/slack-auth/internal/adapter/cache"
	slackadapter "github.com/pulseboard/slack-auth/internal/adapter/slack"
	"github.com/pulseboard/slack-auth/internal/config"
	"github.com/pulseboard/slack-auth/internal/crypto"
	httptransport "github.com/pulseboard/slack-auth/internal/http"
	"github.com/pulseboard/slack-auth/internal/http/handler"
	"github.com/pulseboard/slack-auth/internal/http/middleware"
	"github.com/pulseboard/slack-auth/internal/repository"
	"github.com/pulseboard/slack-auth/internal/server"
	oauthsvc "github.com/pulseboard/slack-auth/internal/service/oauth"
	tokensvc "github.com/pulseboard/slack-auth/internal/service/token"
	"github.com/pulseboard/slack-auth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newStateStore,
			newWorkspaceRepository,
			newTokenRepository,
			newCipher,
			newSlackClient,
			newOAuthService,
			newTokenManager,
			newRateLimiter,
			handler.NewSlackHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Dev() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newStateStore(client redis.UniversalClient) repository.StateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newWorkspaceRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.WorkspaceRepository {
	return repository.NewPostgresWorkspaceRepo(pool, node)
}

func newTokenRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool, node)
}

func newCipher(cfg config.Config) (*crypto.Cipher, error) {
	return crypto.NewCipher(cfg.EncryptionKey)
}

func newSlackClient(cfg config.Config) slackadapter.Client {
	return slackadapter.NewHTTPClient(nil, "", cfg.SlackClientID, cfg.SlackClientSecret)
}

func newOAuthService(cfg config.Config, client slackadapter.Client, states repository.StateStore, logger *zap.Logger) *oauthsvc.Service {
	return oauthsvc.NewService(cfg, client, states, logger)
}

func newTokenManager(tokens repository.TokenRepository, oauth *oauthsvc.Service, cipher *crypto.Cipher, logger *zap.Logger) *tokensvc.Manager {
	return tokensvc.NewManager(tokens, oauth, cipher, logger)
}

func newRateLimiter(cfg config.Config) *middleware.RateLimiter {
	return middleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
