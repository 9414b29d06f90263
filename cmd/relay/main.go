// Relay is the WebSocket gateway that fronts an interactive AI CLI for
// multiple concurrent clients. It spawns and supervises the CLI process,
// fans its stream-JSON output out to subscribed connections, queues
// messages for offline clients, and mediates permission requests.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/kandev/relay/internal/agent/runner"
	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/httpmw"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/devices"
	"github.com/kandev/relay/internal/events"
	gatewayhandlers "github.com/kandev/relay/internal/gateway/handlers"
	gatewayws "github.com/kandev/relay/internal/gateway/websocket"
	"github.com/kandev/relay/internal/gateway/wshandlers"
	"github.com/kandev/relay/internal/permissions"
	"github.com/kandev/relay/internal/persistence"
	"github.com/kandev/relay/internal/push"
	"github.com/kandev/relay/internal/queue"
	"github.com/kandev/relay/internal/session"
	"github.com/kandev/relay/internal/tasks"
	"github.com/kandev/relay/internal/tracing"
	"go.uber.org/zap"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting relay gateway...",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	// 3. Create root context for all background work
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus (in-memory unless NATS is configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	// 5. Open persistence (nil pool for the memory driver)
	pool, dbCleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer dbCleanup()

	var deviceStore *devices.Store
	var pushStore *push.Store
	if pool != nil {
		if deviceStore, err = devices.NewStore(pool); err != nil {
			log.Fatal("Failed to prepare device store", zap.Error(err))
		}
		if pushStore, err = push.NewStore(pool); err != nil {
			log.Fatal("Failed to prepare push token store", zap.Error(err))
		}
	}

	// 6. AI CLI runner
	aiRunner := runner.New(&cfg.AICLI, eventBus, log)

	// 7. Device registry
	registry := devices.NewRegistry(cfg.Devices, deviceStore, eventBus, log)
	if deviceStore != nil {
		if err := registry.Load(ctx); err != nil {
			log.Warn("Failed to restore devices", zap.Error(err))
		}
	}

	// 8. Push notifier and its event-driven adapters
	pushProvider, err := newPushProvider(cfg.Push, log)
	if err != nil {
		log.Fatal("Failed to create push provider", zap.Error(err))
	}
	notifier := push.NewNotifier(cfg.Push, pushProvider, pushStore, log)
	if pushStore != nil {
		if err := notifier.Load(ctx); err != nil {
			log.Warn("Failed to restore push tokens", zap.Error(err))
		}
	}

	// 9. Permission manager
	permManager, err := permissions.NewManager(cfg.Permissions, eventBus,
		push.NewPermissionNotifier(notifier, registry, eventBus, log), log)
	if err != nil {
		log.Fatal("Failed to create permission manager", zap.Error(err))
	}

	// 10. Long-running task manager
	taskManager := tasks.NewManager(cfg.Tasks, nil,
		push.NewResponseNotifier(notifier, registry, eventBus, log), eventBus, log)

	// 11. Message queue for offline delivery
	messageQueue := queue.NewService(cfg.Queue, log)
	defer messageQueue.Close()

	// 12. Session service
	sessions := session.NewService(aiRunner, taskManager, messageQueue, eventBus, log)

	// 13. WebSocket gateway and event broadcaster
	gateway, err := gatewayws.Provide(cfg.Auth, eventBus, log)
	if err != nil {
		log.Fatal("Failed to create WebSocket gateway", zap.Error(err))
	}
	go gateway.Hub.Run(ctx)

	broadcaster := gatewayws.RegisterEventBroadcaster(ctx, eventBus, gateway.Hub, messageQueue, log)

	// 14. WebSocket message handlers
	wsHandlers := wshandlers.NewHandlers(sessions, permManager, registry, notifier, messageQueue, aiRunner, log)
	wsHandlers.RegisterHandlers(gateway.Dispatcher)
	gateway.Hub.SetSessionSubscribeHook(wsHandlers.SessionSubscribeHook())

	if !config.IsTestEnv() {
		gateway.Hub.StartHealthMonitoring(0)
	}

	// 15. HTTP router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(log, "relay"))
	router.Use(httpmw.OtelTracing("relay"))

	// WebSocket endpoint - primary realtime transport
	gateway.SetupRoutes(router)

	// REST endpoints for session and queue management
	gatewayhandlers.RegisterRoutes(router, sessions, messageQueue, registry, permManager, broadcaster, log)

	// 16. HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 17. Wait for a shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relay gateway...")

	// 18. Graceful shutdown: stop accepting work, then drain components
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := aiRunner.Shutdown(shutdownCtx); err != nil {
		log.Error("Runner shutdown failed", zap.Error(err))
	}
	if err := taskManager.Shutdown(shutdownCtx); err != nil {
		log.Error("Task manager shutdown failed", zap.Error(err))
	}
	registry.Close()
	if err := notifier.Shutdown(); err != nil {
		log.Error("Push notifier shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("Relay gateway stopped")
}

// newPushProvider selects the push transport named in the configuration.
func newPushProvider(cfg config.PushConfig, log *logger.Logger) (push.Provider, error) {
	if cfg.Provider == "apprise" {
		return push.NewAppriseProvider(cfg.AppriseURLs, log)
	}
	return push.NewLogProvider(log), nil
}
