package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/partilha-pro/backend/internal/config"
	"github.com/PortNumber53/partilha-pro/backend/internal/logging"
	"github.com/PortNumber53/partilha-pro/backend/internal/migrations"
	"github.com/PortNumber53/partilha-pro/backend/internal/stripe"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)
	logging.Setup(os.Getenv("LOG_LEVEL"), "console")

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("dbtool failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dbtool",
		Short:         "Database and deploy checks for the Partilha Pro backend",
		RunE:          runMigrate,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE:  runMigrate,
	})
	root.AddCommand(&cobra.Command{
		Use:   "fix",
		Short: "Clear a dirty migration version so the failed step reruns",
		RunE:  runFix,
	})
	root.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Record a migration version without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runForce,
	})
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied migration version",
		RunE:  runStatus,
	})
	root.AddCommand(&cobra.Command{
		Use:   "prices",
		Short: "Check STRIPE_PRICE_IDS against the active prices in the Stripe account",
		RunE:  runPrices,
	})

	return root
}

func openDB(ctx context.Context) (*sql.DB, error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Msg("applying migrations")
	if err := migrations.Up(db); err != nil {
		return err
	}
	log.Info().Msg("migrations applied successfully")
	return nil
}

func runFix(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.FixDirtyDatabase(db); err != nil {
		return err
	}
	log.Info().Msg("database fixed successfully")
	return nil
}

func runForce(cmd *cobra.Command, args []string) error {
	v, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid version number %q", args[0])
	}

	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.ForceVersion(db, uint(v)); err != nil {
		return err
	}
	log.Info().Uint64("version", v).Msg("database version forced")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	version, dirty, err := migrations.Status(db)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Version: %d\nDirty:   %t\n", version, dirty)
	return nil
}

// runPrices resolves each configured price id against the account. It is
// meant to run before deploys so checkout never has to look prices up.
func runPrices(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadStripe()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if len(cfg.Stripe.PriceIDs) == 0 {
		return errors.New("STRIPE_PRICE_IDS is empty; nothing to check")
	}

	client, err := stripe.NewClient(cfg.Stripe.SecretKey)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	catalog, err := stripe.LoadPriceCatalog(ctx, client)
	if err != nil {
		return err
	}

	resolved, missing := catalog.Validate(cfg.Stripe.PriceIDs)
	out := cmd.OutOrStdout()
	for _, id := range cfg.Stripe.PriceIDs {
		if canonical, ok := resolved[id]; ok {
			_, _ = fmt.Fprintf(out, "ok       %s -> %s\n", id, canonical)
		}
	}
	for _, id := range missing {
		_, _ = fmt.Fprintf(out, "missing  %s\n", id)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d configured price id(s) are not active in stripe", len(missing))
	}
	return nil
}
