// TaxDesk - customer support assistant pipeline
// License: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taxdesk/taxdesk/pkg/agent"
	"github.com/taxdesk/taxdesk/pkg/alerts"
	"github.com/taxdesk/taxdesk/pkg/batcher"
	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/config"
	"github.com/taxdesk/taxdesk/pkg/dispatch"
	"github.com/taxdesk/taxdesk/pkg/gateway"
	"github.com/taxdesk/taxdesk/pkg/janitor"
	"github.com/taxdesk/taxdesk/pkg/logger"
	"github.com/taxdesk/taxdesk/pkg/providers"
	"github.com/taxdesk/taxdesk/pkg/resilience"
	"github.com/taxdesk/taxdesk/pkg/stats"
	"github.com/taxdesk/taxdesk/pkg/store"
	"github.com/taxdesk/taxdesk/pkg/tools"
)

func serveCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		if err := logger.EnableFileLogging(cfg.Logging.File); err != nil {
			fmt.Printf("Error enabling file logging: %v\n", err)
			os.Exit(1)
		}
		defer logger.Close()
	}

	sessions, err := openStore(cfg)
	if err != nil {
		fmt.Printf("Error opening session store: %v\n", err)
		os.Exit(1)
	}
	defer sessions.Close()

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		os.Exit(1)
	}

	breakers := resilience.NewRegistry(resilience.Options{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		Cooldown:         time.Duration(cfg.Resilience.CooldownSeconds) * time.Second,
		MaxRetries:       cfg.Resilience.MaxRetries,
		BackoffBase:      time.Duration(cfg.Resilience.BackoffBaseMs) * time.Millisecond,
	})

	notifier := alerts.New(cfg.Alerts)
	breakers.SetTripHandler(func(name string) {
		notifier.BreakerTripped(name)
	})

	collector := stats.NewCollector()
	broker := bus.NewMessageBus()
	defer broker.Close()

	registry := tools.NewToolRegistry(breakers)
	registerTools(cfg, registry)

	supervisor := agent.NewSupervisor(cfg, sessions, broker, provider, registry, breakers, collector)
	b := batcher.NewBatcher(sessions, broker, supervisor,
		time.Duration(cfg.Batcher.DebounceMs)*time.Millisecond,
		time.Duration(cfg.Batcher.MaxWindowMs)*time.Millisecond)
	supervisor.SetResumeFunc(b.ResumeBatching)

	dispatcher := dispatch.NewDispatcher(broker, breakers, collector)
	registerSenders(cfg, dispatcher)
	dispatcher.SetFailureHandler(func(msg bus.OutboundMessage, err error) {
		notifier.DeliveryFailed(msg, err)
	})

	gw := gateway.NewGateway(cfg, broker, b, sessions, breakers, collector)

	sweeper, err := janitor.New(cfg.Janitor.Schedule, sessions, gw, dispatcher, b)
	if err != nil {
		fmt.Printf("Error configuring janitor: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		fmt.Printf("Error starting gateway: %v\n", err)
		os.Exit(1)
	}

	go b.Run(ctx)
	go dispatcher.Run(ctx)
	go sweeper.Run(ctx)

	logger.InfoCF("main", "TaxDesk pipeline running",
		map[string]interface{}{
			"version":  formatVersion(),
			"provider": cfg.Agent.Provider,
			"model":    cfg.Agent.Model,
			"store":    cfg.Store.Driver,
			"tools":    registry.Count(),
		})

	<-ctx.Done()
	logger.InfoC("main", "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.WarnCF("main", "Gateway shutdown error", map[string]interface{}{"error": err.Error()})
	}
}

func openStore(cfg *config.Config) (store.SessionStore, error) {
	ttl := time.Duration(cfg.Store.SessionTTLSeconds) * time.Second
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(ttl), nil
	default:
		return store.NewSQLiteStore(cfg.Store.Path, ttl)
	}
}

func registerTools(cfg *config.Config, registry *tools.ToolRegistry) {
	if cfg.Tools.BackofficeURL == "" {
		logger.WarnC("main", "No back-office URL configured, running without tools")
		return
	}
	client := tools.NewBackofficeClient(cfg.Tools.BackofficeURL, cfg.Tools.BackofficeAPIKey,
		time.Duration(cfg.Tools.TimeoutSeconds)*time.Second)

	registry.Register(tools.NewDeadlineLookupTool(client))
	registry.Register(tools.NewSavingsEstimateTool(client))
	registry.Register(tools.NewPaymentLinkTool(client))
	registry.Register(tools.NewAccountStatusTool(client))
	registry.Register(tools.NewHumanHandoffTool(client))
}

func registerSenders(cfg *config.Config, dispatcher *dispatch.Dispatcher) {
	switch {
	case cfg.Channel.BridgeURL != "":
		dispatcher.RegisterSender("whatsapp", dispatch.NewBridgeSender(cfg.Channel.BridgeURL))
	case cfg.Channel.PhoneNumberID != "" && cfg.Channel.AccessToken != "":
		dispatcher.RegisterSender("whatsapp", dispatch.NewWhatsAppSender(cfg.Channel))
	default:
		logger.WarnC("main", "No WhatsApp delivery configured")
	}

	if cfg.Channel.Telegram.Enabled && cfg.Channel.Telegram.Token != "" {
		sender, err := dispatch.NewTelegramSender(cfg.Channel.Telegram.Token)
		if err != nil {
			logger.ErrorCF("main", "Failed to initialize Telegram sender",
				map[string]interface{}{"error": err.Error()})
		} else {
			dispatcher.RegisterSender("telegram", sender)
		}
	}
}
