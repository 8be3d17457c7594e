package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dny1020/outdial-orchestrator/internal/api"
	"github.com/dny1020/outdial-orchestrator/internal/ari"
	"github.com/dny1020/outdial-orchestrator/internal/breaker"
	"github.com/dny1020/outdial-orchestrator/internal/config"
	"github.com/dny1020/outdial-orchestrator/internal/db"
	"github.com/dny1020/outdial-orchestrator/internal/dialer"
	"github.com/dny1020/outdial-orchestrator/internal/health"
	"github.com/dny1020/outdial-orchestrator/internal/kv"
	"github.com/dny1020/outdial-orchestrator/internal/metrics"
	"github.com/dny1020/outdial-orchestrator/internal/reconciler"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Contact-center outbound-call orchestrator",
		Long:  "Authenticated API that originates outbound calls through an Asterisk-style PBX and tracks their lifecycle from the PBX event stream",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	rootCmd.AddCommand(
		createServeCommand(),
		createMigrateCommand(),
		createUserCommand(),
		createCallsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfigAndLogger() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File: logger.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSize:    cfg.Logging.File.MaxSize,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAge:     cfg.Logging.File.MaxAge,
			Compress:   cfg.Logging.File.Compress,
		},
		Fields: cfg.Logging.Fields,
	}
	if verbose {
		logConfig.Level = "debug"
	}

	if err := logger.Init(logConfig); err != nil {
		return nil, err
	}

	return cfg, nil
}

func openDatabase(cfg *config.Config) (*db.DB, error) {
	return db.New(db.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		RetryAttempts:   cfg.Database.RetryAttempts,
		RetryDelay:      cfg.Database.RetryDelay,
	})
}

func createServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator API and event reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	ctx := context.Background()

	var database *db.DB
	var callStore *db.CallStore
	var userStore *db.UserStore

	if !cfg.Database.Disabled {
		var err error
		database, err = openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		callStore = db.NewCallStore(database)
		userStore = db.NewUserStore(database)
	} else {
		logger.Warn("Running stateless: database disabled")
	}

	store, err := kv.New(kv.Config{
		URL:          cfg.Redis.URL,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, "outdial")
	if err != nil {
		return err
	}
	defer store.Close()

	metricsSvc := metrics.NewPrometheusMetrics()

	pbx := ari.NewClient(ari.Config{
		HTTPURL:        cfg.ARI.HTTPURL,
		Username:       cfg.ARI.Username,
		Password:       cfg.ARI.Password,
		App:            cfg.ARI.App,
		ConnectTimeout: cfg.ARI.ConnectTimeout,
		ReadTimeout:    cfg.ARI.ReadTimeout,
		WriteTimeout:   cfg.ARI.WriteTimeout,
		PoolTimeout:    cfg.ARI.PoolTimeout,
		MaxKeepalive:   cfg.ARI.MaxKeepalive,
		MaxConnections: cfg.ARI.MaxConnections,
	})

	originateBreaker := breaker.New("originate", breaker.Config{
		FailThreshold: cfg.Breaker.FailThreshold,
		Timeout:       secondsDuration(cfg.Breaker.TimeoutSeconds),
	})
	hangupBreaker := breaker.New("hangup", breaker.Config{
		FailThreshold: cfg.Breaker.FailThreshold,
		Timeout:       secondsDuration(cfg.Breaker.TimeoutSeconds),
	})

	var dialerSvc *dialer.Service
	if callStore != nil {
		dialerSvc = dialer.New(callStore, pbx, store, metricsSvc, originateBreaker, hangupBreaker, dialer.Config{
			Defaults: dialer.Defaults{
				Context:   cfg.Dial.Context,
				Extension: cfg.Dial.Extension,
				Priority:  cfg.Dial.Priority,
				TimeoutMS: cfg.Dial.Timeout,
				CallerID:  cfg.Dial.CallerID,
			},
			BreakerEnabled: cfg.Breaker.Enabled,
		})

		reconcilerSvc := reconciler.New(callStore, store, metricsSvc, reconciler.Config{})
		pbx.RegisterHandler(ari.EventStasisStart, reconcilerSvc)
		pbx.RegisterHandler(ari.EventChannelStateChange, reconcilerSvc)
		pbx.RegisterHandler(ari.EventChannelDestroyed, reconcilerSvc)
	}

	pbx.RegisterHandler("*", ari.EventHandlerFunc(func(ctx context.Context, event *ari.Event) {
		metricsSvc.IncrementCounter("ari_events", map[string]string{"type": event.Type})
	}))

	if pbx.Connect(ctx) {
		logger.Info("Connected to PBX controller")
	} else {
		logger.Warn("PBX connectivity not established, reconnect loop running")
	}
	defer pbx.Close()

	tokenSvc := newTokenService(cfg, store)

	healthSvc := health.NewService(cfg.App.Version)
	if database != nil {
		healthSvc.RegisterCheck("database", health.CheckFunc(func(ctx context.Context) error {
			return database.PingContext(ctx)
		}), true)
	}
	healthSvc.RegisterCheck("redis", health.CheckFunc(func(ctx context.Context) error {
		return store.Ping(ctx)
	}), true)
	healthSvc.RegisterCheck("pbx_rest", health.CheckFunc(func(ctx context.Context) error {
		if !pbx.IsConnected() {
			return fmt.Errorf("PBX REST probe failed")
		}
		return nil
	}), true)
	healthSvc.RegisterCheck("event_stream", health.CheckFunc(func(ctx context.Context) error {
		if !pbx.IsEventStreamConnected() {
			return fmt.Errorf("event socket reconnecting")
		}
		return nil
	}), false)
	healthSvc.RegisterDetail("circuit_breakers", func() interface{} {
		return map[string]interface{}{
			"originate": map[string]interface{}{
				"state":    string(originateBreaker.State()),
				"failures": originateBreaker.Failures(),
			},
			"hangup": map[string]interface{}{
				"state":    string(hangupBreaker.State()),
				"failures": hangupBreaker.Failures(),
			},
		}
	})

	go breakerGaugeLoop(metricsSvc, pbx, originateBreaker, hangupBreaker)

	var apiDialer api.Dialer
	if dialerSvc != nil {
		apiDialer = dialerSvc
	}
	var apiUsers api.UserStore
	if userStore != nil {
		apiUsers = userStore
	}

	server := api.NewServer(api.Config{
		ListenAddr:      cfg.API.GetListenAddr(),
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		AllowedOrigins:  cfg.API.AllowedOrigins,
		MetricsEnabled:  cfg.API.MetricsEnabled,
		Version:         cfg.App.Version,
		DBDisabled:      cfg.Database.Disabled,
	}, api.RateLimits{
		TokenRequests:       cfg.RateLimit.TokenRequests,
		OriginationRequests: cfg.RateLimit.Requests,
		Window:              secondsDuration(cfg.RateLimit.WindowSeconds),
		MaxFailedLogins:     cfg.RateLimit.MaxFailedLogins,
		LockoutDuration:     secondsDuration(cfg.RateLimit.LockoutDurationS),
		FailedLoginTTL:      secondsDuration(cfg.RateLimit.FailedLoginTTLS),
	}, apiDialer, tokenSvc, apiUsers, store, healthSvc, metricsSvc)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("API server failed")
			return err
		}
	}

	if err := server.Stop(); err != nil {
		logger.WithError(err).Error("Error stopping API server")
	}

	logger.Info("Shutdown complete")
	return nil
}
