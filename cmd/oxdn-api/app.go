package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oxdn/community/internal/accounts"
	"github.com/oxdn/community/internal/activity"
	"github.com/oxdn/community/internal/auth"
	"github.com/oxdn/community/internal/config"
	"github.com/oxdn/community/internal/database"
	"github.com/oxdn/community/internal/logging"
	"github.com/oxdn/community/internal/presence"
	"github.com/oxdn/community/internal/profiles"
	"github.com/oxdn/community/internal/realtime"
	"github.com/oxdn/community/internal/server"
	"github.com/oxdn/community/internal/stats"
	"github.com/oxdn/community/internal/sweeper"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// application holds the wired services shared by the serve and sweep commands.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	feed     realtime.Feed
	activity *activity.Service
	closers  []func() error
}

func (a *application) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			a.logger.Warn("failed to release resource", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		app.Close()
		return nil, err
	}
	app.db = db
	app.closers = append(app.closers, sqlDB.Close)

	feed, err := app.openFeed(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.feed = feed

	activityService, err := activity.NewService(activity.ServiceConfig{
		Store:     activity.NewGormStore(db),
		Publisher: feed,
		Policy: activity.Policy{
			OnlineStaleAfter: appConfig.OnlineStaleAfter,
			AwayStaleAfter:   appConfig.AwayStaleAfter,
		},
		Logger: logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.activity = activityService
	return app, nil
}

func (a *application) openFeed(ctx context.Context) (realtime.Feed, error) {
	switch a.config.RealtimeDriver {
	case "redis":
		client, err := realtime.NewRedisClient(ctx, a.config.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return realtime.NewRedisFeed(client, a.logger)
	case "postgres":
		return realtime.NewPostgresFeed(realtime.PostgresFeedConfig{
			DSN:      a.config.DatabaseDSN,
			Database: a.db,
			Logger:   a.logger,
		})
	case "memory":
		return realtime.NewDispatcher(), nil
	default:
		return nil, fmt.Errorf("unsupported realtime driver %q", a.config.RealtimeDriver)
	}
}

func (a *application) httpHandler() (http.Handler, error) {
	cfg := a.config
	statsService, err := stats.NewService(stats.ServiceConfig{Database: a.db, Publisher: a.feed, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	profileService, err := profiles.NewService(profiles.ServiceConfig{Database: a.db, Publisher: a.feed, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	presenceService, err := presence.NewService(presence.ServiceConfig{
		Activity: a.activity,
		Profiles: profileService,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		Audience:      auth.DefaultSessionAudience,
		TokenTTL:      cfg.AuthTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		CookieName:    cfg.AuthCookieName,
	})
	if err != nil {
		return nil, err
	}

	var googleVerifier accounts.IDTokenVerifier
	if cfg.GoogleClientID != "" {
		verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience: cfg.GoogleClientID,
			JWKSURL:  cfg.GoogleJWKSURL,
			Logger:   a.logger,
		})
		if err != nil {
			return nil, err
		}
		googleVerifier = verifier
	} else {
		a.logger.Info("google sign-in disabled, google.client_id is empty")
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database: a.db,
		Activity: a.activity,
		Stats:    statsService,
		Tokens:   tokenIssuer,
		Google:   googleVerifier,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}

	return server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Accounts:       accountService,
		Activity:       a.activity,
		Presence:       presenceService,
		Profiles:       profileService,
		Stats:          statsService,
		Feed:           a.feed,
		StaticRoot:     cfg.StaticRoot,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         a.logger,
	})
}

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx)
	if err != nil {
		return err
	}
	defer app.Close()

	handler, err := app.httpHandler()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if app.config.SweepInterval > 0 {
		scheduler, err := sweeper.NewScheduler(app.activity, app.config.SweepInterval, app.logger)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return scheduler.Run(groupCtx)
		})
	}

	return group.Wait()
}

func runSweep(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	scheduler, err := sweeper.NewScheduler(app.activity, time.Minute, app.logger)
	if err != nil {
		return err
	}
	_, err = scheduler.RunOnce(ctx)
	return err
}
