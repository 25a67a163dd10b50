package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tao-shen/candy-shop-sub000/internal/chat"
	"github.com/tao-shen/candy-shop-sub000/internal/common/config"
	"github.com/tao-shen/candy-shop-sub000/internal/common/httpmw"
	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/events"
	gateways "github.com/tao-shen/candy-shop-sub000/internal/gateway/websocket"
	"github.com/tao-shen/candy-shop-sub000/internal/tracing"
)

const (
	serverName      = "candyshop"
	shutdownTimeout = 30 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var waitForAgent bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			log, err := provideLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log, waitForAgent)
		},
	}
	cmd.Flags().BoolVar(&waitForAgent, "wait-for-agent", false, "block until the agent server reports healthy")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, log *logger.Logger, waitForAgent bool) error {
	log.Info("Starting Candy Shop...")

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("Event bus cleanup error", zap.Error(err))
		}
	}()

	agent := provideAgentClient(cfg, log)
	if waitForAgent {
		if err := agent.WaitForHealth(ctx); err != nil {
			return err
		}
	}

	chatSvc := chat.NewService(agent, provided.Bus, sessionConfig(cfg), log)
	defer chatSvc.Close()

	gateway := gateways.NewGateway(provided.Bus, log)
	chatSvc.RegisterHandlers(gateway.Dispatcher)
	gateway.Hub.AddObserver(chatSvc)

	if err := tracing.Init(ctx, tracing.Options{
		ServiceName: serverName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	} else if tracing.Enabled() {
		log.Info("Exporting traces over OTLP")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))

	gateway.SetupRoutes(router)
	chatSvc.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gateway.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Gateway listening",
			zap.String("addr", server.Addr),
			zap.String("agent", cfg.Agent.BaseURL),
			zap.String("bus", provided.Kind()),
			zap.Strings("ws_actions", gateway.Dispatcher.Actions()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down Candy Shop...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("Candy Shop stopped")
	return err
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
