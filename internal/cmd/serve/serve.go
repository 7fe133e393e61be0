package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/thinkdrop/user-memory-service/internal/config"
	registryembed "github.com/thinkdrop/user-memory-service/internal/registry/embed"

	// Import all plugins to trigger init() registration
	_ "github.com/thinkdrop/user-memory-service/internal/plugin/embed/local"
	_ "github.com/thinkdrop/user-memory-service/internal/plugin/embed/openai"
	_ "github.com/thinkdrop/user-memory-service/internal/plugin/route/system"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	durations := durationFlags{
		cacheTTLMs:          int(cfg.EmbedCacheTTL.Milliseconds()),
		captureIntervalMs:   int(cfg.CaptureInterval.Milliseconds()),
		idleTimeoutMs:       int(cfg.IdleTimeout.Milliseconds()),
		retentionCheckHours: int(cfg.RetentionCheckInterval.Hours()),
		requestTimeoutSecs:  int(cfg.RequestTimeout.Seconds()),
		readHeaderSecs:      5,
	}
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the user-memory HTTP server",
		Flags: flags(&cfg, &durations),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			durations.apply(&cfg)
			return run(config.WithContext(ctx, &cfg), &cfg)
		},
	}
}

// durationFlags holds interval flags whose environment variables are plain
// integers (milliseconds or hours) rather than Go duration strings.
type durationFlags struct {
	cacheTTLMs          int
	captureIntervalMs   int
	idleTimeoutMs       int
	retentionCheckHours int
	requestTimeoutSecs  int
	readHeaderSecs      int
}

func (d *durationFlags) apply(cfg *config.Config) {
	cfg.EmbedCacheTTL = time.Duration(d.cacheTTLMs) * time.Millisecond
	cfg.CaptureInterval = time.Duration(d.captureIntervalMs) * time.Millisecond
	cfg.IdleTimeout = time.Duration(d.idleTimeoutMs) * time.Millisecond
	cfg.RetentionCheckInterval = time.Duration(d.retentionCheckHours) * time.Hour
	cfg.RequestTimeout = time.Duration(d.requestTimeoutSecs) * time.Second
	cfg.ReadHeaderTimeout = time.Duration(d.readHeaderSecs) * time.Second
}

func flags(cfg *config.Config, durations *durationFlags) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "host",
			Category:    "Server:",
			Sources:     cli.EnvVars("HOST"),
			Destination: &cfg.Host,
			Value:       cfg.Host,
			Usage:       "Bind address for the HTTP server",
		},
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.StringFlag{
			Name:        "api-key",
			Category:    "Server:",
			Sources:     cli.EnvVars("API_KEY"),
			Destination: &cfg.APIKeys,
			Usage:       "Comma-separated bearer keys; empty disables authentication",
		},
		&cli.StringFlag{
			Name:        "allowed-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("ALLOWED_ORIGINS"),
			Destination: &cfg.AllowedOrigins,
			Usage:       "Comma-separated CORS origins; empty disables CORS",
		},
		&cli.IntFlag{
			Name:        "request-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("REQUEST_TIMEOUT_SECONDS"),
			Destination: &durations.requestTimeoutSecs,
			Value:       durations.requestTimeoutSecs,
			Usage:       "Soft deadline applied to each request's context, in seconds (0 = none)",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("READ_HEADER_TIMEOUT_SECONDS"),
			Destination: &durations.readHeaderSecs,
			Value:       durations.readHeaderSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-path",
			Category:    "Database:",
			Sources:     cli.EnvVars("DB_PATH"),
			Destination: &cfg.DBPath,
			Value:       cfg.DBPath,
			Usage:       "SQLite database file path",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.IntFlag{
			Name:        "embedding-cache-size",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("EMBEDDING_CACHE_SIZE"),
			Destination: &cfg.EmbedCacheSize,
			Value:       cfg.EmbedCacheSize,
			Usage:       "Maximum entries in the embedding cache",
		},
		&cli.IntFlag{
			Name:        "embedding-cache-ttl",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("EMBEDDING_CACHE_TTL"),
			Destination: &durations.cacheTTLMs,
			Value:       durations.cacheTTLMs,
			Usage:       "Embedding cache TTL in milliseconds",
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key (required for --embedding-kind=openai)",
		},
		&cli.StringFlag{
			Name:        "openai-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("OPENAI_MODEL"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI embedding model name",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},

		// ── Search ────────────────────────────────────────────────
		&cli.FloatFlag{
			Name:        "min-similarity",
			Category:    "Search:",
			Sources:     cli.EnvVars("MIN_SIMILARITY_THRESHOLD"),
			Destination: &cfg.MinSimilarity,
			Value:       cfg.MinSimilarity,
			Usage:       "Minimum cosine similarity for search results",
		},
		&cli.IntFlag{
			Name:        "max-age-days",
			Category:    "Search:",
			Sources:     cli.EnvVars("MAX_AGE_DAYS"),
			Destination: &cfg.MaxAgeDays,
			Value:       cfg.MaxAgeDays,
			Usage:       "Default age cap for search results in days (0 = unlimited)",
		},

		// ── Screen Monitor ────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "monitor-screen-ocr",
			Category:    "Screen Monitor:",
			Sources:     cli.EnvVars("MONITOR_SCREEN_OCR"),
			Destination: &cfg.MonitorEnabled,
			Value:       cfg.MonitorEnabled,
			Usage:       "Enable the screen-capture OCR observer",
		},
		&cli.StringFlag{
			Name:        "monitor-user-id",
			Category:    "Screen Monitor:",
			Sources:     cli.EnvVars("MONITOR_USER_ID"),
			Destination: &cfg.MonitorUserID,
			Value:       cfg.MonitorUserID,
			Usage:       "User scope for records created by the monitor",
		},
		&cli.IntFlag{
			Name:        "screen-capture-interval",
			Category:    "Screen Monitor:",
			Sources:     cli.EnvVars("SCREEN_CAPTURE_INTERVAL"),
			Destination: &durations.captureIntervalMs,
			Value:       durations.captureIntervalMs,
			Usage:       "Capture interval in milliseconds",
		},
		&cli.IntFlag{
			Name:        "screen-capture-idle-timeout",
			Category:    "Screen Monitor:",
			Sources:     cli.EnvVars("SCREEN_CAPTURE_IDLE_TIMEOUT"),
			Destination: &durations.idleTimeoutMs,
			Value:       durations.idleTimeoutMs,
			Usage:       "Skip captures after this much user inactivity, in milliseconds",
		},
		&cli.FloatFlag{
			Name:        "screen-capture-diff-threshold",
			Category:    "Screen Monitor:",
			Sources:     cli.EnvVars("SCREEN_CAPTURE_DIFF_THRESHOLD"),
			Destination: &cfg.DiffThreshold,
			Value:       cfg.DiffThreshold,
			Usage:       "Fraction of changed pixels that counts as a new screen",
		},
		&cli.StringFlag{
			Name:        "tesseract-path",
			Category:    "Screen Monitor:",
			Sources:     cli.EnvVars("TESSERACT_PATH"),
			Destination: &cfg.TesseractPath,
			Value:       cfg.TesseractPath,
			Usage:       "Path to the tesseract binary",
		},
		&cli.StringFlag{
			Name:        "screenshot-dir",
			Category:    "Screen Monitor:",
			Sources:     cli.EnvVars("SCREENSHOT_DIR"),
			Destination: &cfg.ScreenshotDir,
			Usage:       "Directory for saved screenshots; defaults next to the database",
		},

		// ── Retention ─────────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "retention-enabled",
			Category:    "Retention:",
			Sources:     cli.EnvVars("RETENTION_ENABLED"),
			Destination: &cfg.RetentionEnabled,
			Value:       cfg.RetentionEnabled,
			Usage:       "Enable the background retention controller",
		},
		&cli.IntFlag{
			Name:        "retention-max-days",
			Category:    "Retention:",
			Sources:     cli.EnvVars("RETENTION_MAX_DAYS"),
			Destination: &cfg.RetentionMaxDays,
			Value:       cfg.RetentionMaxDays,
			Usage:       "Dataset age span that triggers a purge, in days",
		},
		&cli.IntFlag{
			Name:        "retention-purge-days",
			Category:    "Retention:",
			Sources:     cli.EnvVars("RETENTION_PURGE_DAYS"),
			Destination: &cfg.RetentionPurgeDays,
			Value:       cfg.RetentionPurgeDays,
			Usage:       "Days of oldest data removed per purge",
		},
		&cli.IntFlag{
			Name:        "retention-check-interval-hours",
			Category:    "Retention:",
			Sources:     cli.EnvVars("RETENTION_CHECK_INTERVAL_HOURS"),
			Destination: &durations.retentionCheckHours,
			Value:       durations.retentionCheckHours,
			Usage:       "Hours between retention checks",
		},

		// ── Skills ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "skills-home",
			Category:    "Skills:",
			Sources:     cli.EnvVars("SKILLS_HOME"),
			Destination: &cfg.SkillsHome,
			Usage:       "Home directory for the per-user skill sandbox; defaults to the current user's home",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=user-memory",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	srv, err := StartServer(ctx, cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// requestTimeoutMiddleware puts a soft deadline on each request's context so
// store and embed calls are cancelled when a request runs long.
func requestTimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
