package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/jrsteele09/go-auth-proxy/authflow"
	"github.com/jrsteele09/go-auth-proxy/authflow/postgres"
	"github.com/jrsteele09/go-auth-proxy/authflow/records"
	"github.com/jrsteele09/go-auth-proxy/identity"
	"github.com/jrsteele09/go-auth-proxy/identity/insforge"
	"github.com/jrsteele09/go-auth-proxy/identity/oidc"
	"github.com/jrsteele09/go-auth-proxy/internal/config"
	"github.com/jrsteele09/go-auth-proxy/internal/instrumentation"
	"github.com/jrsteele09/go-auth-proxy/internal/logging"
	"github.com/jrsteele09/go-auth-proxy/proxy"
	"github.com/jrsteele09/go-auth-proxy/server"
	"github.com/rs/zerolog/log"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env")
	}
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Error running server")
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.LoadProxy()
	if err != nil {
		return err
	}
	if err := logging.Setup(logging.Options{Level: c.Log.Level, Console: c.Log.Console, File: c.Log.File}); err != nil {
		return err
	}
	defer logging.Close()
	displayAppname(c.GetAppName())

	inst, err := instrumentation.New(instrumentation.Config{ServiceVersion: version, Enabled: c.Telemetry})
	if err != nil {
		return err
	}
	defer inst.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newIdentityBackend(ctx, c)
	if err != nil {
		return err
	}
	repo, closeRepo, err := newRepo(ctx, c)
	if err != nil {
		return err
	}
	defer closeRepo()

	service, err := proxy.NewService(repo, backend, c.LoginURL(),
		proxy.WithTTLs(c.RequestTTL, c.CodeTTL),
		proxy.WithInstrumentation(inst),
	)
	if err != nil {
		return err
	}
	handler, err := server.New(c, service, server.WithInstrumentation(inst))
	if err != nil {
		return err
	}

	go authflow.NewJanitor(repo, c.Store.CleanupInterval).Run(ctx)

	srv := &http.Server{
		Addr:              c.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- listenAndServe(srv)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return shutdown(srv)
}

func newIdentityBackend(ctx context.Context, c *config.ProxyConfig) (identity.Backend, error) {
	switch c.Identity {
	case config.IdentityOIDC:
		return oidc.Discover(ctx, oidc.Config{
			Issuer:       c.OIDC.Issuer,
			ClientID:     c.OIDC.ClientID,
			ClientSecret: c.OIDC.ClientSecret,
			Scopes:       c.OIDC.Scopes,
		})
	default:
		return insforge.New(c.Insforge.BaseURL, c.Insforge.APIKey), nil
	}
}

func newRepo(ctx context.Context, c *config.ProxyConfig) (authflow.Repo, func(), error) {
	switch c.Store.Driver {
	case config.StorePostgres:
		db, err := postgres.Open(ctx, c.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return postgres.New(db), closeDB(db), nil
	case config.StoreRecords:
		return records.New(insforge.New(c.Insforge.BaseURL, c.Insforge.APIKey)), func() {}, nil
	default:
		log.Warn().Msg("using in-memory store; pending flows are lost on restart")
		return authflow.NewInMemoryRepo(), func() {}, nil
	}
}

func closeDB(db *sql.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			log.Err(err).Msg("failed to close database")
		}
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
