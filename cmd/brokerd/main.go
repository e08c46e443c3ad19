package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/mcp"
	"github.com/screenlink/broker/internal/metrics"
	"github.com/screenlink/broker/internal/oauth"
	"github.com/screenlink/broker/internal/registry"
	"github.com/screenlink/broker/internal/router"
	"github.com/screenlink/broker/internal/store"
	"github.com/screenlink/broker/internal/terminal"
	"github.com/screenlink/broker/internal/update"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "brokerd",
	Short: "ScreenLink broker daemon",
	Long: `brokerd is the ScreenLink control broker: it terminates agent
WebSocket connections, serves per-user MCP tenant endpoints, and runs the
OAuth 2.1 authorization server that protects them.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := buildLogger()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		if err := run(logger); err != nil {
			logger.Error("broker exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the broker version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("brokerd", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func buildLogger() (*zap.Logger, error) {
	if viper.GetBool("debug_mode") || os.Getenv("DEBUG_MODE") == "true" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("broker")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	viper.SetDefault("app_url", "http://localhost:8080")
	viper.SetDefault("database_url", "")
	viper.SetDefault("session_key", "")
	viper.SetDefault("cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("queue_bound", 100)
	viper.SetDefault("command_timeout_seconds", 30)
	viper.SetDefault("grace_hours", 72)
	viper.SetDefault("debug_mode", false)
	viper.SetDefault("debug_api_key", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	appURL := strings.TrimRight(viper.GetString("app_url"), "/")
	sessionKey := viper.GetString("session_key")
	if sessionKey == "" {
		return errors.New("SESSION_KEY must be set")
	}

	// ── Store ────────────────────────────────────────────────────────────────
	var st store.Store
	if dbURL := viper.GetString("database_url"); dbURL != "" {
		db, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		st = store.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL empty — using in-memory store; all state is lost on restart")
		st = store.NewMemoryStore()
	}

	// ── Wire up layers ───────────────────────────────────────────────────────
	m := metrics.New(prometheus.DefaultRegisterer)

	reg := registry.New(st, logger, registry.Config{
		QueueBound:     viper.GetInt("queue_bound"),
		CommandTimeout: time.Duration(viper.GetInt("command_timeout_seconds")) * time.Second,
		GraceHours:     viper.GetInt("grace_hours"),
	})
	reg.SetMetrics(m)

	rt := router.New(reg, logger)
	socketHandler := registry.NewSocketHandler(reg, logger)

	oauthHandler := oauth.NewHandler(st, logger, appURL, []byte(sessionKey))

	mcpHandler := mcp.NewHandler(st, rt, logger, appURL, mcp.ServerInfo{
		Name:    "screenlink-broker",
		Version: version,
	})
	mcpHandler.SetMetrics(m)

	termManager := terminal.NewManager(reg, logger)
	termManager.SetMetrics(m)
	termHandler := terminal.NewHandler(termManager, reg, st, logger)

	updateHandler := update.NewHandler(update.New(st, logger), logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(securityHeaders())
	engine.Use(bodyLimit(maxBodyBytes))

	corsOrigins := viper.GetStringSlice("cors_origins")
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "Mcp-Session-Id"},
		ExposeHeaders:    []string{"Content-Length", "Mcp-Session-Id", "X-RateLimit-Remaining"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(requestLogger(logger))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	oauthHandler.Register(engine)
	mcpHandler.Register(engine)
	termHandler.Register(engine)
	updateHandler.Register(engine)
	engine.GET("/ws/agent", socketHandler.Handle)

	if viper.GetBool("debug_mode") {
		key := viper.GetString("debug_api_key")
		if key == "" {
			logger.Warn("DEBUG_MODE set without DEBUG_API_KEY; debug endpoints stay disabled")
		} else {
			registerDebugRoutes(engine, reg, key, logger)
			logger.Warn("debug endpoints enabled — do not run like this in production")
		}
	}

	// ── Background sweeps ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mcpHandler.Sweep()
			case <-done:
				return
			}
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("port")),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("broker listening",
			zap.Int("port", viper.GetInt("port")), zap.String("app_url", appURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	close(done)
	logger.Info("shutting down broker...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	reg.Cleanup(ctx)

	logger.Info("broker stopped")
	return nil
}

// maxBodyBytes caps request bodies. The largest legitimate payload is a
// tools/call with embedded arguments, well under 1 MB.
const maxBodyBytes = 1 << 20

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
