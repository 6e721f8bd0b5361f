package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kitemail/kite/config"
	"github.com/kitemail/kite/db"
	"github.com/kitemail/kite/delivery"
	"github.com/kitemail/kite/logger"
	"github.com/kitemail/kite/server/auth"
	"github.com/kitemail/kite/server/httpapi"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	authCache, authLimiter, authTasks, err := buildAuthPipeline(cfg.Auth)
	if err != nil {
		logger.Fatal("failed to build authentication pipeline", "error", err)
	}

	processor, err := buildDeliveryProcessor(cfg.Delivery, database)
	if err != nil {
		logger.Fatal("failed to build delivery processor", "error", err)
	}
	processor.Start(ctx)

	var statusSrv *httpapi.Server
	if cfg.Status.Addr != "" {
		statusSrv = httpapi.New(cfg.Status.Addr, database)
		go func() {
			if err := statusSrv.Start(); err != nil {
				logger.Error("status server failed", "error", err)
				cancel()
			}
		}()
	}

	auditJanitor := startAuditJanitor(ctx, database)

	// One authenticator per protocol front-end, all sharing the cache,
	// rate limiter and task queue.
	authenticators := map[string]*auth.Authenticator{
		auth.ProtocolSMTP.Name: auth.NewAuthenticator(auth.ProtocolSMTP, database, authCache, authLimiter, authTasks),
		auth.ProtocolPOP3.Name: auth.NewAuthenticator(auth.ProtocolPOP3, database, authCache, authLimiter, authTasks),
		auth.ProtocolIMAP.Name: auth.NewAuthenticator(auth.ProtocolIMAP, database, authCache, authLimiter, authTasks),
	}
	logger.Info("authentication pipeline ready", "protocols", len(authenticators))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if statusSrv != nil {
		if err := statusSrv.Stop(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", "error", err)
		}
	}
	processor.Stop()
	auditJanitor()
	authTasks.Stop()
	if err := authCache.Stop(shutdownCtx); err != nil {
		logger.Warn("auth cache shutdown timed out", "error", err)
	}
	authLimiter.Stop()

	logger.Info("shutdown complete")
}

func buildAuthPipeline(cfg config.AuthConfig) (*auth.Cache, *auth.RateLimiter, *auth.TaskQueue, error) {
	positiveTTL, err := cfg.GetCachePositiveTTL()
	if err != nil {
		return nil, nil, nil, err
	}
	negativeTTL, err := cfg.GetCacheNegativeTTL()
	if err != nil {
		return nil, nil, nil, err
	}
	failureWindow, err := cfg.GetFailureWindow()
	if err != nil {
		return nil, nil, nil, err
	}
	blockDuration, err := cfg.GetBlockDuration()
	if err != nil {
		return nil, nil, nil, err
	}

	cache := auth.NewCache(positiveTTL, negativeTTL, cfg.CacheMaxSize)
	limiter := auth.NewRateLimiter(auth.RateLimiterConfig{
		MaxFailures:   cfg.MaxFailures,
		FailureWindow: failureWindow,
		BlockDuration: blockDuration,
	})
	tasks := auth.NewTaskQueue(cfg.TaskQueueSize, 0)
	return cache, limiter, tasks, nil
}

func buildDeliveryProcessor(cfg config.DeliveryConfig, database *db.Database) (*delivery.Processor, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, err
	}
	retryBase, err := cfg.GetRetryBase()
	if err != nil {
		return nil, err
	}
	retryMax, err := cfg.GetRetryMax()
	if err != nil {
		return nil, err
	}
	stallThreshold, err := cfg.GetStallThreshold()
	if err != nil {
		return nil, err
	}
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, err
	}

	agentCfg := delivery.AgentConfig{
		Hostname:          cfg.Hostname,
		ConnectTimeout:    connectTimeout,
		SmarthostUser:     cfg.SmarthostUser,
		SmarthostPassword: cfg.SmarthostPassword,
	}
	var agent delivery.Agent
	if cfg.Smarthost != "" {
		agent = delivery.NewSmarthostAgent(agentCfg)
	} else {
		agent = delivery.NewMXAgent(agentCfg)
	}

	resolver := delivery.NewResolver(delivery.ResolverConfig{Nameservers: cfg.Nameservers})
	service := delivery.NewService(resolver, agent, database, cfg.Smarthost)
	composer := delivery.NewComposer(cfg.Hostname)

	return delivery.NewProcessor(database, service, composer, delivery.ProcessorConfig{
		Interval:       interval,
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		MaxRetries:     cfg.MaxRetries,
		RetryBase:      retryBase,
		RetryMax:       retryMax,
		StallThreshold: stallThreshold,
	}), nil
}

// startAuditJanitor prunes old auth attempt rows daily. Returns a stop
// function.
func startAuditJanitor(ctx context.Context, database *db.Database) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := database.CleanupOldAuthAttempts(ctx, 30*24*time.Hour)
				if err != nil {
					logger.Warn("failed to prune auth attempts", "error", err)
				} else if removed > 0 {
					logger.Info("pruned old auth attempts", "removed", removed)
				}
			}
		}
	}()
	return func() { <-done }
}
