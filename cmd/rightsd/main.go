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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/velumreader/rights/internal/auth"
	"github.com/velumreader/rights/internal/config"
	"github.com/velumreader/rights/internal/database"
	"github.com/velumreader/rights/internal/device"
	"github.com/velumreader/rights/internal/logging"
	"github.com/velumreader/rights/internal/registration"
	"github.com/velumreader/rights/internal/server"
	"github.com/velumreader/rights/internal/store"
	"github.com/velumreader/rights/internal/sync"
	"github.com/velumreader/rights/internal/transport"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rightsd",
		Short: "License rights daemon for the Velum reading application",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a facade access token with the configured signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd)
		},
	}
	tokenCmd.Flags().String("subject", "reader", "Client name embedded in the token")
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("device-name", defaults.GetString("device.name"), "Device name announced to rights servers")
	cmd.PersistentFlags().String("identity-path", defaults.GetString("device.identity_path"), "Device identity file path")
	cmd.PersistentFlags().String("publications-dir", defaults.GetString("storage.publications_dir"), "Directory for downloaded publications")
	cmd.PersistentFlags().Duration("sync-max-age", defaults.GetDuration("sync.max_age"), "Staleness threshold for conditional refresh")
	cmd.PersistentFlags().Duration("transport-timeout", defaults.GetDuration("transport.timeout"), "Rights server request timeout")
	cmd.PersistentFlags().String("signing-secret", "", "Facade signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "device.name", "device-name")
	bindFlag(cmd, "device.identity_path", "identity-path")
	bindFlag(cmd, "storage.publications_dir", "publications-dir")
	bindFlag(cmd, "sync.max_age", "sync-max-age")
	bindFlag(cmd, "transport.timeout", "transport-timeout")
	bindFlag(cmd, "api.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	identity, err := device.Initialize(appConfig.IdentityPath, appConfig.DeviceName)
	if err != nil {
		return err
	}
	logger.Info("device identity ready",
		zap.String("device_id", identity.ID),
		zap.String("device_name", identity.Name),
	)

	licenses, err := store.NewLicenseStore(store.LicenseStoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	passphrases, err := store.NewPassphraseStore(store.PassphraseStoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	client := transport.NewHTTPClient(transport.HTTPClientConfig{
		HTTPClient: &http.Client{Timeout: appConfig.TransportTimeout},
		Logger:     logger,
	})

	registrar, err := registration.NewService(registration.ServiceConfig{
		Licenses: licenses,
		Client:   client,
		Device:   identity,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := sync.NewCoordinator(sync.CoordinatorConfig{
		Licenses:     licenses,
		Registration: registrar,
		Client:       client,
		Device:       identity,
		Clock:        time.Now,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	tokens, err := auth.NewAccessTokens(auth.AccessTokensConfig{
		SigningSecret: []byte(appConfig.APISigningSecret),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Licenses:        licenses,
		Passphrases:     passphrases,
		Coordinator:     coordinator,
		Tokens:          tokens,
		Dispatcher:      server.NewEventDispatcher(),
		PublicationsDir: appConfig.PublicationsDir,
		StaleAge:        appConfig.SyncMaxAge,
		AllowedOrigins:  appConfig.AllowedOrigins,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runToken(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	tokens, err := auth.NewAccessTokens(auth.AccessTokensConfig{
		SigningSecret: []byte(appConfig.APISigningSecret),
	})
	if err != nil {
		return err
	}

	subject, err := cmd.Flags().GetString("subject")
	if err != nil {
		return err
	}

	token, expiresAt, err := tokens.Issue(subject)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
