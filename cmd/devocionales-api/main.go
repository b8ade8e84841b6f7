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

	"github.com/AnibalFR/devocionales4.0-sub000/internal/auth"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/config"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/database"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/events"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/logging"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/records"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/server"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	sessionLeeway     = 30 * time.Second
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "devocionales-api",
		Short: "Devocionales entity API with optimistic edit protection",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS origins allowed to call the API")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token lifetime")
	cmd.PersistentFlags().String("amqp-url", "", "AMQP broker URL for change events (disabled when empty)")
	cmd.PersistentFlags().String("events-exchange", defaults.GetString("events.exchange"), "AMQP topic exchange for change events")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "events.amqp_url", "amqp-url")
	bindFlag(cmd, "events.exchange", "events-exchange")
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

func newIssueTokenCommand() *cobra.Command {
	var identity auth.Identity
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a session token for the terminal client or scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "Subject of the token (required)")
	cmd.Flags().StringVar(&identity.Email, "email", "", "Email recorded for the actor")
	cmd.Flags().StringVar(&identity.DisplayName, "name", "", "Display name recorded for the actor")
	cmd.Flags().StringSliceVar(&identity.Roles, "role", nil, "Role claim (repeatable)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

// application holds the long-lived pieces runServer starts and stops.
type application struct {
	handler   http.Handler
	publisher *events.Publisher
	closers   []func() error
}

func (a *application) close(logger *zap.Logger) {
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func buildApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}
	fail := func(err error) (*application, error) {
		app.close(logger)
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
		Leeway:        sessionLeeway,
	})
	if err != nil {
		return fail(err)
	}
	actors, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return fail(err)
	}

	realtime := server.NewRealtimeDispatcher()
	observers := []records.Observer{realtime}
	if appConfig.AMQPURL != "" {
		app.publisher, err = events.NewPublisher(events.PublisherConfig{
			URL:      appConfig.AMQPURL,
			Exchange: appConfig.EventsExchange,
			Logger:   logger,
		})
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, app.publisher.Close)
		observers = append(observers, app.publisher)
	} else {
		logger.Info("change event publishing disabled")
	}

	recordsService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		IDProvider: records.NewUUIDProvider(),
		Logger:     logger,
		Observers:  observers,
	})
	if err != nil {
		return fail(err)
	}

	app.handler, err = server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Actors:           actors,
		RecordsService:   recordsService,
		Realtime:         realtime,
		RateLimit: server.RateLimitConfig{
			Interval: appConfig.RateLimitInterval,
			Burst:    appConfig.RateLimitBurst,
		},
		HeartbeatInterval: appConfig.RealtimeHeartbeat,
		AllowedOrigins:    appConfig.AllowedOrigins,
		Logger:            logger,
	})
	if err != nil {
		return fail(err)
	}
	return app, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := buildApplication(appConfig, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer app.close(logger)

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           app.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server listening", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if app.publisher != nil {
		group.Go(func() error {
			return app.publisher.Run(groupCtx)
		})
	}
	return group.Wait()
}
