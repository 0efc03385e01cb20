package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keyrelay/keyrelay/internal/config"
	db "github.com/keyrelay/keyrelay/internal/core/database"
	"github.com/keyrelay/keyrelay/internal/core/keyring"
	"github.com/keyrelay/keyrelay/internal/core/provider"
	"github.com/keyrelay/keyrelay/internal/core/relay"
	"github.com/keyrelay/keyrelay/internal/core/secrets"
	"github.com/keyrelay/keyrelay/internal/core/stream"
)

type App struct {
	DBClient db.DbClient
	Server   *Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("database initialized and migrated")

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the key cipher, %w", err)
	}

	resolver := keyring.NewResolver(dbClient, cipher)
	registry := provider.NewRegistry(cfg.OpenAIBaseURL, cfg.AnthropicBaseURL)
	streamCache := stream.NewMemoryCache()
	chatRelay := relay.NewRelay(dbClient, resolver, registry, streamCache)

	server := NewServer(cfg, dbClient, cipher, chatRelay)

	return &App{DBClient: dbClient, Server: server}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.Server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) Close() {
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
