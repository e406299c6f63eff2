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

	"github.com/MarcoPoloResearchLab/feedsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/feedsync/internal/auth"
	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/config"
	"github.com/MarcoPoloResearchLab/feedsync/internal/database"
	"github.com/MarcoPoloResearchLab/feedsync/internal/logging"
	"github.com/MarcoPoloResearchLab/feedsync/internal/mediator"
	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/feedsync/internal/paging"
	"github.com/MarcoPoloResearchLab/feedsync/internal/remote"
	"github.com/MarcoPoloResearchLab/feedsync/internal/seen"
	"github.com/MarcoPoloResearchLab/feedsync/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "feedsync-auth"
	tokenAudience = "feedsync-api"
	redisPrefix   = "feedsync:seen:"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "feedsync",
		Short: "Nostr feed and notification sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncCommand(), newTokenCommand())

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
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.url"), "Cache server websocket URL")
	cmd.PersistentFlags().String("user", "", "User pubkey (hex or npub)")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("paging.page_size"), "Items requested per load cycle")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for seen boundaries (optional)")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "user.pubkey", "user")
	bindFlag(cmd, "paging.page_size", "page-size")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	var direction string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one load cycle against the cache server",
	}
	syncCmd.PersistentFlags().StringVar(&direction, "direction", mediator.Refresh.String(), "Load direction (refresh, prepend, append)")

	syncCmd.AddCommand(&cobra.Command{
		Use:   "feed <directive>",
		Short: "Load one page of a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, direction, func(ctx context.Context, session *paging.Session, parsed mediator.Direction) (mediator.Result, error) {
				pager, err := session.Feeds.Feed(args[0])
				if err != nil {
					return mediator.Result{}, err
				}
				return pager.Load(ctx, parsed)
			})
		},
	})
	syncCmd.AddCommand(&cobra.Command{
		Use:   "notifications",
		Short: "Load one page of notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, direction, func(ctx context.Context, session *paging.Session, parsed mediator.Direction) (mediator.Result, error) {
				result, err := session.Inbox.Load(ctx, parsed)
				if err != nil {
					return mediator.Result{}, err
				}
				unseen, err := session.Inbox.UnseenCount(ctx)
				if err != nil {
					return mediator.Result{}, err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unseen=%d last_seen=%d\n", unseen, session.Inbox.LastSeen())
				return result, nil
			})
		},
	})
	return syncCmd
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Issue an API access token for the configured user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := appConfig.RequireUser(); err != nil {
				return err
			}
			if err := appConfig.RequireSigningSecret(); err != nil {
				return err
			}
			pubkey, err := accounts.ParsePubkey(appConfig.UserPubkey)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAccessToken(cmd.Context(), pubkey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
}

type syncFunc func(ctx context.Context, session *paging.Session, direction mediator.Direction) (mediator.Result, error)

func runSync(cmd *cobra.Command, rawDirection string, run syncFunc) error {
	direction, err := mediator.ParseDirection(rawDirection)
	if err != nil {
		return err
	}
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.RequireUser(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(signalCtx, appConfig, logger, nil, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	session, err := rt.sessions.Get(signalCtx, appConfig.UserPubkey)
	if err != nil {
		return err
	}
	result, err := run(signalCtx, session, direction)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "direction=%s appended=%d end_of_pagination=%t\n",
		direction, result.Appended, result.EndOfPaginationReached)
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.RequireSigningSecret(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	recorder := metrics.NewRecorder()
	if err := recorder.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	dispatcher := server.NewBadgeDispatcher(recorder)

	rt, err := openRuntime(ctx, appConfig, logger, dispatcher, recorder)
	if err != nil {
		return err
	}
	defer rt.Close()

	tokenManager, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Sessions:     rt.sessions,
		Badges:       dispatcher,
		Metrics:      recorder,
		Gatherer:     prometheus.DefaultGatherer,
		Logger:       logger,
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

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})
}

// services owns the long-lived collaborators shared by the serve and sync commands.
type services struct {
	sessions *paging.Sessions
	closers  []func()
}

func (r *services) Close() {
	for index := len(r.closers) - 1; index >= 0; index-- {
		r.closers[index]()
	}
}

func openRuntime(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger, badges paging.BadgePublisher, recorder *metrics.Recorder) (*services, error) {
	rt := &services{}
	fail := func(err error) (*services, error) {
		rt.Close()
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
	rt.closers = append(rt.closers, func() { _ = sqlDB.Close() })

	store, err := cache.NewStore(cache.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return fail(err)
	}
	accountService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		return fail(err)
	}

	client, err := remote.NewClient(remote.ClientConfig{
		URL:           appConfig.RemoteURL,
		Timeout:       appConfig.RemoteTimeout,
		RatePerSecond: appConfig.RemoteRatePerSecond,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, func() { _ = client.Close() })

	var boundaries seen.BoundaryStore = accountService
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		rt.closers = append(rt.closers, func() { _ = redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
		boundaries = seen.NewRedisBoundaryStore(redisClient, redisPrefix)
		logger.Info("seen boundaries stored in redis", zap.String("address", appConfig.RedisAddress))
	}

	sessions, err := paging.NewSessions(paging.SessionsConfig{
		Store:         store,
		FeedAPI:       client,
		InboxAPI:      client,
		RemoteSeen:    client,
		Boundaries:    boundaries,
		Accounts:      accountService,
		PageSize:      appConfig.PageSize,
		Retry:         paging.RetryPolicy{Attempts: appConfig.RetryAttempts, Delay: appConfig.RetryDelay},
		Debounce:      appConfig.SeenDebounce,
		BadgeInterval: appConfig.BadgeInterval,
		Badges:        badges,
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		return fail(err)
	}
	rt.sessions = sessions
	rt.closers = append(rt.closers, sessions.Close)
	return rt, nil
}
