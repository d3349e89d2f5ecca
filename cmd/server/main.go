package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/partilha-pro/backend/internal/billing"
	"github.com/PortNumber53/partilha-pro/backend/internal/config"
	"github.com/PortNumber53/partilha-pro/backend/internal/handlers"
	"github.com/PortNumber53/partilha-pro/backend/internal/httpserver"
	"github.com/PortNumber53/partilha-pro/backend/internal/identity"
	"github.com/PortNumber53/partilha-pro/backend/internal/logging"
	"github.com/PortNumber53/partilha-pro/backend/internal/mail"
	"github.com/PortNumber53/partilha-pro/backend/internal/migrations"
	"github.com/PortNumber53/partilha-pro/backend/internal/store"
	"github.com/PortNumber53/partilha-pro/backend/internal/stripe"
	"github.com/PortNumber53/partilha-pro/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget(logger, "primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(logger, db, "primary"); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create store")
	}

	stripeClient, err := stripe.NewClient(cfg.Stripe.SecretKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create stripe client")
	}

	var catalog *stripe.PriceCatalog
	if cfg.Stripe.PriceLookup {
		catalog = loadCatalog(context.Background(), logger, stripeClient, cfg.Stripe.PriceIDs)
	}

	resolver, err := identity.NewJWTResolver(identity.JWTConfig{
		Secret:   cfg.Auth.JWTSecret,
		JWKSURL:  cfg.Auth.KeySetURL(),
		Issuer:   cfg.Auth.Issuer(),
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token resolver")
	}

	reconciler, err := billing.NewReconciler(st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create reconciler")
	}

	jobWorker := worker.New(worker.DefaultConfig(), st.Jobs(), logger)
	worker.RegisterUpgradeJobs(jobWorker, newSender(logger, cfg.Mail), cfg.AppURL)

	deps := httpserver.Deps{
		DB:       st,
		Resolver: resolver,
		Worker:   jobWorker,
		Logger:   logger,
	}
	if deps.Checkout, err = handlers.NewCheckoutHandler(stripeClient, resolver, catalog, cfg.AppURL, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to create checkout handler")
	}
	if deps.Webhook, err = handlers.NewWebhookHandler(reconciler, cfg.Stripe.WebhookSecret, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to create webhook handler")
	}
	if deps.Account, err = handlers.NewAccountHandler(st, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to create account handler")
	}
	if cfg.OpsToken != "" {
		if deps.Jobs, err = handlers.NewJobHandler(st.Jobs(), jobWorker, cfg.OpsToken, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to create job handler")
		}
	}

	srv := httpserver.New(cfg, deps)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	logger.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

// catalogTimeout bounds the startup price listing on its own, apart from
// the database checks that run before it.
const catalogTimeout = 30 * time.Second

// loadCatalog fetches active prices once. A failure leaves checkout running
// with price ids forwarded as configured.
func loadCatalog(ctx context.Context, logger zerolog.Logger, c stripe.PriceLister, configured []string) *stripe.PriceCatalog {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()

	catalog, err := stripe.LoadPriceCatalog(ctx, c)
	if err != nil {
		logger.Warn().Err(err).Msg("price lookup failed; price ids will be forwarded as given")
		return nil
	}
	if _, missing := catalog.Validate(configured); len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("configured price ids are not active in stripe")
	}
	logger.Info().Int("prices", catalog.Len()).Msg("price catalog loaded")
	return catalog
}

func newSender(logger zerolog.Logger, cfg config.MailConfig) mail.Sender {
	if cfg.PostmarkServerToken == "" {
		logger.Info().Msg("mail: no postmark token; upgrade emails will be logged only")
		return mail.LogSender{Logger: logger}
	}
	sender, err := mail.NewPostmarkSender(mail.PostmarkConfig{
		ServerToken:  cfg.PostmarkServerToken,
		AccountToken: cfg.PostmarkAccountToken,
		From:         cfg.From,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create postmark sender")
	}
	return sender
}

func runMigrationsWithDirtyFix(logger zerolog.Logger, db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		logger.Error().Err(err).Str("db", name).Msg("migrations: error detected")
		if strings.Contains(err.Error(), "Dirty database version") {
			logger.Warn().Str("db", name).Msg("migrations: dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				logger.Error().Err(fixErr).Str("db", name).Msg("migrations: failed to fix dirty database")
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(logger zerolog.Logger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info().Str("db", name).Err(err).Msg("db configured (dsn parse error)")
		return
	}
	logger.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("db target")
}
